package backend

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Domain errors for backing store operations.
var (
	ErrTableNotFound = errors.New("table not found")
	ErrDuplicate     = errors.New("row already exists")
	ErrWriteFailed   = errors.New("backend write failed")
)

const (
	pgUndefinedTableCode = "42P01"
	pgDuplicateKeyCode   = "23505"
)

// MapError translates driver errors to backend domain errors.
// Undefined-table (42P01) maps to ErrTableNotFound and unique violation
// (23505) to ErrDuplicate. Other errors are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTableCode:
			return ErrTableNotFound
		case pgDuplicateKeyCode:
			return ErrDuplicate
		}
	}

	return err
}

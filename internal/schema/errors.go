package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorType tags a validation failure variant.
type ErrorType string

const (
	TableNotFound       ErrorType = "table_not_found"
	ColumnMismatch      ErrorType = "column_mismatch"
	ConstraintViolation ErrorType = "constraint_violation"
	TypeMismatch        ErrorType = "type_mismatch"
)

// ValidationError describes one way a candidate operation fails against
// the live schema. Created fresh per validation call and never persisted;
// only signatures derived from it are stored.
type ValidationError struct {
	Type       ErrorType
	Table      string
	Column     string
	Expected   string
	Actual     string
	Message    string
	Suggestion string
}

func (e ValidationError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s: %s.%s: %s", e.Type, e.Table, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Table, e.Message)
}

// Signature builds a stable key summarizing the shape of a validation
// failure. Two failures with the same shape (not the same data) produce
// the same signature, so learned fixes generalize across records.
func Signature(errs []ValidationError) string {
	keys := make([]string, len(errs))
	for i, e := range errs {
		key := string(e.Type) + ":" + e.Table
		if e.Column != "" {
			key += "." + e.Column
		}
		keys[i] = key
	}

	sort.Strings(keys)
	return strings.Join(keys, ";")
}

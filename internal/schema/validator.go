package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/pkg/record"
)

// DefaultCacheTTL bounds how long an introspected schema is trusted.
const DefaultCacheTTL = 5 * time.Minute

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Introspector is the slice of the backing store the validator consumes.
type Introspector interface {
	IntrospectTable(ctx context.Context, table string) ([]backend.ColumnInfo, error)
	ListTables(ctx context.Context) ([]string, error)
}

// Result is the outcome of validating one operation.
type Result struct {
	Valid  bool
	Errors []ValidationError
}

type cacheEntry struct {
	schema  *TableSchema
	fetched time.Time
}

// Validator validates candidate operations against live table structure,
// memoizing introspection per table with a fixed TTL. Refreshing a stale
// entry concurrently just overwrites it; staleness, not corruption, is
// the only risk.
type Validator struct {
	store  Introspector
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewValidator creates a Validator over the given introspector.
// A non-positive ttl falls back to DefaultCacheTTL.
func NewValidator(store Introspector, ttl time.Duration, logger *slog.Logger) *Validator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Validator{
		store:  store,
		ttl:    ttl,
		logger: logger.With("system", "schema"),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// ClearCache drops all memoized schemas. Call after a known schema change
// such as a migration.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// Schema returns the cached table schema, introspecting on miss or expiry.
func (v *Validator) Schema(ctx context.Context, table string) (*TableSchema, error) {
	v.mu.RLock()
	entry, ok := v.cache[table]
	v.mu.RUnlock()

	if ok && v.now().Sub(entry.fetched) < v.ttl {
		return entry.schema, nil
	}

	cols, err := v.store.IntrospectTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, backend.ErrTableNotFound
	}

	ts := fromIntrospection(table, cols)

	v.mu.Lock()
	v.cache[table] = cacheEntry{schema: ts, fetched: v.now()}
	v.mu.Unlock()

	return ts, nil
}

// Validate checks one operation against the live schema. Reads and deletes
// validate table existence only; writes with a data record additionally
// check unknown columns, missing required columns, and coarse value types.
// The returned error is reserved for infrastructure failures; validation
// failures are reported through Result.Errors.
func (v *Validator) Validate(ctx context.Context, op backend.Operation, table string, data record.Record) (*Result, error) {
	ts, err := v.Schema(ctx, table)
	if err != nil {
		if errors.Is(err, backend.ErrTableNotFound) {
			return &Result{
				Valid:  false,
				Errors: []ValidationError{v.tableNotFound(ctx, table)},
			}, nil
		}
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}

	if data == nil || op == backend.OpSelect || op == backend.OpDelete {
		return &Result{Valid: true}, nil
	}

	var errs []ValidationError
	errs = append(errs, v.checkUnknownColumns(ts, data)...)
	errs = append(errs, v.checkRequiredColumns(ts, data)...)
	errs = append(errs, v.checkTypes(ts, data)...)

	return &Result{Valid: len(errs) == 0, Errors: errs}, nil
}

func (v *Validator) tableNotFound(ctx context.Context, table string) ValidationError {
	e := ValidationError{
		Type:    TableNotFound,
		Table:   table,
		Message: fmt.Sprintf("table %q does not exist", table),
	}

	tables, err := v.store.ListTables(ctx)
	if err != nil {
		v.logger.Warn("table list unavailable for suggestion", "error", err)
		return e
	}

	if match := closest(table, tables); match != "" {
		e.Suggestion = fmt.Sprintf("did you mean %q?", match)
	}

	return e
}

func (v *Validator) checkUnknownColumns(ts *TableSchema, data record.Record) []ValidationError {
	var errs []ValidationError
	valid := strings.Join(ts.ColumnNames(), ", ")

	for _, field := range data.Fields() {
		if _, ok := ts.Column(field); !ok {
			errs = append(errs, ValidationError{
				Type:       ColumnMismatch,
				Table:      ts.Name,
				Column:     field,
				Message:    fmt.Sprintf("column %q does not exist in table %q", field, ts.Name),
				Suggestion: "valid columns: " + valid,
			})
		}
	}

	return errs
}

func (v *Validator) checkRequiredColumns(ts *TableSchema, data record.Record) []ValidationError {
	var errs []ValidationError

	for _, col := range ts.Required() {
		if _, ok := data[col.Name]; !ok {
			errs = append(errs, ValidationError{
				Type:       ConstraintViolation,
				Table:      ts.Name,
				Column:     col.Name,
				Expected:   string(col.Type),
				Message:    fmt.Sprintf("required column %q is missing", col.Name),
				Suggestion: fmt.Sprintf("provide a %s value for %q", col.Type, col.Name),
			})
		}
	}

	return errs
}

func (v *Validator) checkTypes(ts *TableSchema, data record.Record) []ValidationError {
	var errs []ValidationError

	for _, field := range data.Fields() {
		col, ok := ts.Column(field)
		if !ok {
			continue
		}

		val := data[field]
		if val.IsNull() {
			if !col.Nullable {
				errs = append(errs, ValidationError{
					Type:     ConstraintViolation,
					Table:    ts.Name,
					Column:   field,
					Expected: string(col.Type),
					Actual:   "null",
					Message:  fmt.Sprintf("column %q is not nullable", field),
				})
			}
			continue
		}

		if !typeMatches(col.Type, val) {
			errs = append(errs, ValidationError{
				Type:       TypeMismatch,
				Table:      ts.Name,
				Column:     field,
				Expected:   string(col.Type),
				Actual:     actualType(val),
				Message:    fmt.Sprintf("column %q expects %s, got %s", field, col.Type, actualType(val)),
				Suggestion: fmt.Sprintf("convert the value to %s", col.Type),
			})
		}
	}

	return errs
}

// typeMatches runs the coarse type check for one present value.
func typeMatches(ct ColumnType, v record.Value) bool {
	switch ct {
	case TypeUUID:
		s, ok := v.AsString()
		return ok && uuidRegex.MatchString(s)
	case TypeString:
		_, ok := v.AsString()
		return ok
	case TypeInt:
		return v.IsInt()
	case TypeNumber:
		_, ok := v.AsNumber()
		return ok
	case TypeBool:
		_, ok := v.AsBool()
		return ok
	case TypeJSON:
		_, ok := v.AsJSON()
		return ok
	case TypeArray:
		raw, ok := v.AsJSON()
		return ok && len(raw) > 0 && raw[0] == '['
	case TypeTimestamp:
		s, ok := v.AsString()
		return ok && parseableTime(s)
	default:
		return true
	}
}

func actualType(v record.Value) string {
	if v.IsInt() {
		return "integer"
	}
	return v.Kind().String()
}

func parseableTime(s string) bool {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if _, err := time.Parse(f, s); err == nil {
			return true
		}
	}
	// epoch seconds appear in payloads from older clients
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil && len(s) == 10
}

// Package backend defines the backing store boundary: row-level CRUD over
// named tables with equality-based filtering, plus schema introspection.
// No transaction primitive is assumed to exist; compensation is layered on
// top by the transactions package.
package backend

import (
	"context"

	"github.com/JaimeStill/mend/pkg/record"
)

// Operation identifies the kind of data access being performed.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Filters is an equality-based row filter: every entry must match.
type Filters map[string]record.Value

// ColumnInfo describes one column as reported by introspection.
type ColumnInfo struct {
	Name       string
	DataType   string
	Nullable   bool
	HasDefault bool
	PrimaryKey bool
}

// Store is the row-level interface the data access layer consumes.
type Store interface {
	// Select returns all rows matching the filters. Nil filters match everything.
	Select(ctx context.Context, table string, filters Filters) ([]record.Record, error)
	// Insert writes the given rows and returns them as stored
	// (including server-generated columns).
	Insert(ctx context.Context, table string, records []record.Record) ([]record.Record, error)
	// Update applies values to all rows matching the filters and returns
	// the updated rows.
	Update(ctx context.Context, table string, values record.Record, filters Filters) ([]record.Record, error)
	// Delete removes all rows matching the filters and returns the count removed.
	Delete(ctx context.Context, table string, filters Filters) (int64, error)
	// IntrospectTable returns column metadata for the table, or
	// ErrTableNotFound when the table does not exist.
	IntrospectTable(ctx context.Context, table string) ([]ColumnInfo, error)
	// ListTables returns the names of known tables.
	ListTables(ctx context.Context) ([]string, error)
}

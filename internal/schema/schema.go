// Package schema introspects live table structure and validates candidate
// operations against it. Validation produces typed errors that the healing
// tiers pattern-match on; it never mutates the record or the store.
package schema

import (
	"strings"

	"github.com/JaimeStill/mend/internal/backend"
)

// ColumnType is a coarse type tag. Validation is deliberately rough:
// it catches shape errors worth healing, not every driver-level nuance.
type ColumnType string

const (
	TypeUUID      ColumnType = "uuid"
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "integer"
	TypeNumber    ColumnType = "number"
	TypeBool      ColumnType = "boolean"
	TypeJSON      ColumnType = "json"
	TypeTimestamp ColumnType = "timestamp"
	TypeArray     ColumnType = "array"
	TypeUnknown   ColumnType = "unknown"
)

// ColumnSchema describes one column of a live table.
type ColumnSchema struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	HasDefault bool
}

// TableSchema is the introspected structure of one table. It is owned
// exclusively by the Validator's cache; nothing else mutates it.
type TableSchema struct {
	Name        string
	Columns     []ColumnSchema
	PrimaryKeys []string
	ForeignKeys []string
}

// Column returns the named column, if present.
func (t *TableSchema) Column(name string) (ColumnSchema, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// ColumnNames returns all column names in schema order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Required returns the columns an insert must supply: non-nullable
// columns without a server-side default.
func (t *TableSchema) Required() []ColumnSchema {
	var required []ColumnSchema
	for _, c := range t.Columns {
		if !c.Nullable && !c.HasDefault {
			required = append(required, c)
		}
	}
	return required
}

func fromIntrospection(table string, cols []backend.ColumnInfo) *TableSchema {
	ts := &TableSchema{
		Name:    table,
		Columns: make([]ColumnSchema, len(cols)),
	}

	for i, c := range cols {
		ts.Columns[i] = ColumnSchema{
			Name:       c.Name,
			Type:       coarseType(c.DataType),
			Nullable:   c.Nullable,
			HasDefault: c.HasDefault,
		}
		if c.PrimaryKey {
			ts.PrimaryKeys = append(ts.PrimaryKeys, c.Name)
		}
	}

	return ts
}

// coarseType maps a driver-reported data type to a coarse tag.
func coarseType(dataType string) ColumnType {
	dt := strings.ToLower(strings.TrimSpace(dataType))

	switch {
	case dt == "uuid":
		return TypeUUID
	case strings.Contains(dt, "json"):
		return TypeJSON
	case strings.HasPrefix(dt, "timestamp") || dt == "date" || dt == "timestamptz":
		return TypeTimestamp
	case dt == "boolean" || dt == "bool":
		return TypeBool
	case strings.Contains(dt, "int") || dt == "serial" || dt == "bigserial":
		return TypeInt
	case dt == "numeric" || dt == "decimal" || dt == "real" ||
		strings.Contains(dt, "double") || strings.Contains(dt, "float"):
		return TypeNumber
	case strings.HasSuffix(dt, "[]") || dt == "array":
		return TypeArray
	case strings.Contains(dt, "char") || dt == "text" || dt == "citext" || dt == "name":
		return TypeString
	default:
		return TypeUnknown
	}
}

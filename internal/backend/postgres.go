package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/JaimeStill/mend/pkg/record"
)

const columnsQuery = `
	SELECT
		col.column_name,
		col.data_type,
		col.is_nullable = 'YES' AS nullable,
		col.column_default IS NOT NULL AS has_default,
		COALESCE(pk.is_primary, false) AS primary_key
	FROM information_schema.columns col
	LEFT JOIN (
		SELECT kcu.column_name, true AS is_primary
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = 'public'
		AND tc.table_name = $1
		AND tc.constraint_type = 'PRIMARY KEY'
	) pk ON pk.column_name = col.column_name
	WHERE col.table_schema = 'public'
	AND col.table_name = $1
	ORDER BY col.ordinal_position`

const tablesQuery = `
	SELECT table_name
	FROM information_schema.tables
	WHERE table_schema = 'public'
	AND table_type = 'BASE TABLE'
	ORDER BY table_name`

// Postgres implements Store over a PostgreSQL connection.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres wraps an open connection pool in a row-level store.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     sqlx.NewDb(db, "pgx"),
		logger: logger.With("system", "backend"),
	}
}

func (p *Postgres) Select(ctx context.Context, table string, filters Filters) ([]record.Record, error) {
	where, args := buildWhere(filters, 1)
	q := fmt.Sprintf("SELECT * FROM %s%s", quoteIdent(table), where)

	rows, err := p.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *Postgres) Insert(ctx context.Context, table string, records []record.Record) ([]record.Record, error) {
	inserted := make([]record.Record, 0, len(records))

	for _, rec := range records {
		cols, args := rec.Args()
		if len(cols) == 0 {
			return inserted, fmt.Errorf("%w: empty record", ErrWriteFailed)
		}

		quoted := make([]string, len(cols))
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}

		q := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			quoteIdent(table),
			strings.Join(quoted, ", "),
			strings.Join(placeholders, ", "),
		)

		rows, err := p.db.QueryxContext(ctx, q, args...)
		if err != nil {
			return inserted, MapError(err)
		}

		stored, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, stored...)
	}

	return inserted, nil
}

func (p *Postgres) Update(ctx context.Context, table string, values record.Record, filters Filters) ([]record.Record, error) {
	cols, args := values.Args()
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrWriteFailed)
	}

	assignments := make([]string, len(cols))
	for i, c := range cols {
		assignments[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), i+1)
	}

	where, whereArgs := buildWhere(filters, len(cols)+1)
	args = append(args, whereArgs...)

	q := fmt.Sprintf(
		"UPDATE %s SET %s%s RETURNING *",
		quoteIdent(table),
		strings.Join(assignments, ", "),
		where,
	)

	rows, err := p.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *Postgres) Delete(ctx context.Context, table string, filters Filters) (int64, error) {
	where, args := buildWhere(filters, 1)
	q := fmt.Sprintf("DELETE FROM %s%s", quoteIdent(table), where)

	result, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, MapError(err)
	}

	return result.RowsAffected()
}

// IntrospectTable reads column metadata from information_schema. When that
// yields nothing (restricted catalog permissions, exotic backends) it falls
// back to inferring columns from a zero-row read, which loses default and
// primary-key information but keeps validation usable.
func (p *Postgres) IntrospectTable(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := p.db.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return p.inferColumns(ctx, table)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.HasDefault, &c.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column metadata: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return p.inferColumns(ctx, table)
	}

	return cols, nil
}

func (p *Postgres) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, tablesQuery)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}

	return tables, rows.Err()
}

// inferColumns is the degraded introspection path: a zero-row read exposes
// column names, driver types, and nullability, but not defaults or keys.
func (p *Postgres) inferColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	q := fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(table))

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}

	p.logger.Warn("introspection degraded to zero-row read", "table", table)

	cols := make([]ColumnInfo, len(types))
	for i, t := range types {
		nullable, known := t.Nullable()
		cols[i] = ColumnInfo{
			Name:     t.Name(),
			DataType: strings.ToLower(t.DatabaseTypeName()),
			Nullable: nullable || !known,
			// Defaults are unknowable from a zero-row read; assume present
			// so validation does not demand columns the server may fill.
			HasDefault: true,
		}
	}

	return cols, nil
}

func scanRecords(rows *sqlx.Rows) ([]record.Record, error) {
	results := make([]record.Record, 0)
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		results = append(results, record.FromRow(row))
	}
	return results, rows.Err()
}

func buildWhere(filters Filters, startParam int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}

	fields, args := record.Record(filters).Args()

	clauses := make([]string, 0, len(fields))
	out := make([]any, 0, len(args))
	param := startParam

	for i, f := range fields {
		if filters[f].IsNull() {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", quoteIdent(f)))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", quoteIdent(f), param))
		out = append(out, args[i])
		param++
	}

	return " WHERE " + strings.Join(clauses, " AND "), out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

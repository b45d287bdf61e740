package schema

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/pkg/record"
)

type fakeIntrospector struct {
	cols        map[string][]backend.ColumnInfo
	introspects int
}

func (f *fakeIntrospector) IntrospectTable(_ context.Context, table string) ([]backend.ColumnInfo, error) {
	f.introspects++
	return f.cols[table], nil
}

func (f *fakeIntrospector) ListTables(context.Context) ([]string, error) {
	tables := make([]string, 0, len(f.cols))
	for t := range f.cols {
		tables = append(tables, t)
	}
	return tables, nil
}

func documentsStore() *fakeIntrospector {
	return &fakeIntrospector{
		cols: map[string][]backend.ColumnInfo{
			"documents": {
				{Name: "id", DataType: "uuid", PrimaryKey: true, HasDefault: true},
				{Name: "file_path", DataType: "text"},
				{Name: "file_content", DataType: "text"},
				{Name: "size", DataType: "bigint", Nullable: true},
				{Name: "metadata", DataType: "jsonb", Nullable: true},
				{Name: "tags", DataType: "text[]", Nullable: true},
				{Name: "created_at", DataType: "timestamptz", HasDefault: true},
			},
		},
	}
}

func testValidator(store *fakeIntrospector, ttl time.Duration) *Validator {
	return NewValidator(store, ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateCleanRecord(t *testing.T) {
	v := testValidator(documentsStore(), 0)

	res, err := v.Validate(context.Background(), backend.OpInsert, "documents", record.Record{
		"file_path":    record.String("a.txt"),
		"file_content": record.String("hello"),
		"size":         record.Int(5),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Errorf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidateTableNotFound(t *testing.T) {
	v := testValidator(documentsStore(), 0)

	res, err := v.Validate(context.Background(), backend.OpInsert, "documnets", record.Record{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid result for unknown table")
	}
	if res.Errors[0].Type != TableNotFound {
		t.Errorf("type = %s, want table_not_found", res.Errors[0].Type)
	}
	if res.Errors[0].Suggestion != `did you mean "documents"?` {
		t.Errorf("suggestion = %q", res.Errors[0].Suggestion)
	}
}

func TestValidateFindings(t *testing.T) {
	tests := []struct {
		name     string
		data     record.Record
		wantType ErrorType
		column   string
	}{
		{
			name: "unknown column",
			data: record.Record{
				"file_path":    record.String("a"),
				"file_content": record.String("b"),
				"filename":     record.String("c"),
			},
			wantType: ColumnMismatch,
			column:   "filename",
		},
		{
			name: "missing required column",
			data: record.Record{
				"file_path": record.String("a"),
			},
			wantType: ConstraintViolation,
			column:   "file_content",
		},
		{
			name: "type mismatch",
			data: record.Record{
				"file_path":    record.String("a"),
				"file_content": record.String("b"),
				"size":         record.String("12"),
			},
			wantType: TypeMismatch,
			column:   "size",
		},
		{
			name: "null on non-nullable column",
			data: record.Record{
				"file_path":    record.Null(),
				"file_content": record.String("b"),
			},
			wantType: ConstraintViolation,
			column:   "file_path",
		},
	}

	v := testValidator(documentsStore(), 0)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), backend.OpInsert, "documents", tt.data)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if res.Valid {
				t.Fatal("expected invalid result")
			}

			found := false
			for _, e := range res.Errors {
				if e.Type == tt.wantType && e.Column == tt.column {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v missing %s on %q", res.Errors, tt.wantType, tt.column)
			}
		})
	}
}

func TestValidateReadsSkipDataChecks(t *testing.T) {
	v := testValidator(documentsStore(), 0)

	for _, op := range []backend.Operation{backend.OpSelect, backend.OpDelete} {
		res, err := v.Validate(context.Background(), op, "documents", record.Record{
			"no_such_column": record.String("x"),
		})
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if !res.Valid {
			t.Errorf("%s should validate table existence only, got %v", op, res.Errors)
		}
	}
}

func TestSchemaCaching(t *testing.T) {
	store := documentsStore()
	v := testValidator(store, time.Minute)
	ctx := context.Background()

	base := time.Now()
	v.now = func() time.Time { return base }

	if _, err := v.Schema(ctx, "documents"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := v.Schema(ctx, "documents"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if store.introspects != 1 {
		t.Errorf("introspects = %d, want 1 (cached)", store.introspects)
	}

	v.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := v.Schema(ctx, "documents"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if store.introspects != 2 {
		t.Errorf("introspects = %d, want 2 after ttl expiry", store.introspects)
	}

	v.ClearCache()
	if _, err := v.Schema(ctx, "documents"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if store.introspects != 3 {
		t.Errorf("introspects = %d, want 3 after ClearCache", store.introspects)
	}
}

func TestTypeMatches(t *testing.T) {
	tests := []struct {
		name string
		ct   ColumnType
		val  record.Value
		want bool
	}{
		{"uuid accepts canonical form", TypeUUID, record.String("6b1e5e3a-4f2c-4e6d-9a3b-2c1d0e9f8a7b"), true},
		{"uuid rejects plain string", TypeUUID, record.String("not-a-uuid"), false},
		{"integer accepts integral number", TypeInt, record.Int(5), true},
		{"integer rejects fraction", TypeInt, record.Number(5.5), false},
		{"number accepts fraction", TypeNumber, record.Number(5.5), true},
		{"json rejects string", TypeJSON, record.String(`{"a":1}`), false},
		{"json accepts document", TypeJSON, record.JSON(json.RawMessage(`{"a":1}`)), true},
		{"array requires bracket", TypeArray, record.JSON(json.RawMessage(`{"a":1}`)), false},
		{"array accepts list", TypeArray, record.JSON(json.RawMessage(`[1,2]`)), true},
		{"timestamp accepts rfc3339", TypeTimestamp, record.String("2025-06-01T12:00:00Z"), true},
		{"timestamp accepts date", TypeTimestamp, record.String("2025-06-01"), true},
		{"timestamp rejects prose", TypeTimestamp, record.String("yesterday"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := typeMatches(tt.ct, tt.val); got != tt.want {
				t.Errorf("typeMatches(%s) = %v, want %v", tt.ct, got, tt.want)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	t.Run("stable across ordering", func(t *testing.T) {
		a := []ValidationError{
			{Type: ColumnMismatch, Table: "documents", Column: "filename"},
			{Type: ConstraintViolation, Table: "documents", Column: "file_content"},
		}
		b := []ValidationError{a[1], a[0]}

		if Signature(a) != Signature(b) {
			t.Errorf("signatures differ: %q vs %q", Signature(a), Signature(b))
		}
	})

	t.Run("shape only, not data", func(t *testing.T) {
		a := []ValidationError{{Type: TypeMismatch, Table: "documents", Column: "size", Actual: "string"}}
		b := []ValidationError{{Type: TypeMismatch, Table: "documents", Column: "size", Actual: "bool"}}

		if Signature(a) != Signature(b) {
			t.Error("signature should not depend on error payload")
		}
	})

	t.Run("format", func(t *testing.T) {
		got := Signature([]ValidationError{{Type: ColumnMismatch, Table: "documents", Column: "filename"}})
		if got != "column_mismatch:documents.filename" {
			t.Errorf("signature = %q", got)
		}
	})
}

func TestClosest(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		candidates []string
		want       string
	}{
		{"transposition", "documnets", []string{"documents", "prompts"}, "documents"},
		{"no close match", "zzzzzz", []string{"documents"}, ""},
		{"exact prefix", "document", []string{"documents"}, "documents"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := closest(tt.input, tt.candidates); got != tt.want {
				t.Errorf("closest(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCoarseType(t *testing.T) {
	tests := []struct {
		dataType string
		want     ColumnType
	}{
		{"uuid", TypeUUID},
		{"jsonb", TypeJSON},
		{"timestamptz", TypeTimestamp},
		{"timestamp without time zone", TypeTimestamp},
		{"boolean", TypeBool},
		{"bigint", TypeInt},
		{"double precision", TypeNumber},
		{"text[]", TypeArray},
		{"character varying", TypeString},
		{"tsvector", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			if got := coarseType(tt.dataType); got != tt.want {
				t.Errorf("coarseType(%q) = %s, want %s", tt.dataType, got, tt.want)
			}
		})
	}
}

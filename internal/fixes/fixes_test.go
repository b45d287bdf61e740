package fixes_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/JaimeStill/mend/internal/fixes"
	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/record"
)

func testRegistry() *fixes.Registry {
	return fixes.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLegacyRename(t *testing.T) {
	r := testRegistry()

	data := record.Record{
		"code":      record.String("package main"),
		"file_path": record.String("main.go"),
	}
	errs := []schema.ValidationError{
		{Type: schema.ColumnMismatch, Table: "documents", Column: "code"},
	}

	out := r.ApplyAll(data, errs, "documents")
	if !out.Changed {
		t.Fatal("rename rule did not fire")
	}

	content, ok := out.Data["file_content"].AsString()
	if !ok || content != "package main" {
		t.Errorf("file_content = %v", out.Data["file_content"])
	}
	if _, exists := out.Data["code"]; exists {
		t.Error("legacy field should be dropped")
	}
	if len(out.Applied) != 1 || out.Applied[0] != "rename_code_to_file_content" {
		t.Errorf("applied = %v", out.Applied)
	}
}

func TestRenameFiresOnMissingCurrentColumn(t *testing.T) {
	r := testRegistry()

	data := record.Record{
		"contents":  record.String("hello"),
		"file_path": record.String("a.txt"),
	}
	errs := []schema.ValidationError{
		{Type: schema.ConstraintViolation, Table: "documents", Column: "file_content"},
	}

	out := r.ApplyAll(data, errs, "documents")
	if !out.Changed {
		t.Fatal("rename rule did not fire for missing required column")
	}
	if _, exists := out.Data["contents"]; exists {
		t.Error("legacy field should be dropped")
	}
	if v, ok := out.Data["file_content"].AsString(); !ok || v != "hello" {
		t.Errorf("file_content = %v", out.Data["file_content"])
	}
}

func TestAliasResolution(t *testing.T) {
	r := testRegistry()

	data := record.Record{
		"path":         record.String("a.txt"),
		"file_content": record.String("x"),
	}
	errs := []schema.ValidationError{
		{Type: schema.ColumnMismatch, Table: "documents", Column: "path"},
	}

	out := r.ApplyAll(data, errs, "documents")
	if !out.Changed {
		t.Fatal("alias rule did not fire")
	}
	if v, ok := out.Data["file_path"].AsString(); !ok || v != "a.txt" {
		t.Errorf("file_path = %v", out.Data["file_path"])
	}
	if _, exists := out.Data["path"]; exists {
		t.Error("alias source should be dropped")
	}
}

func TestDefaultRules(t *testing.T) {
	tests := []struct {
		name     string
		err      schema.ValidationError
		column   string
		wantKind record.Kind
	}{
		{
			name: "timestamp column gets current time",
			err: schema.ValidationError{
				Type:     schema.ConstraintViolation,
				Table:    "documents",
				Column:   "created_at",
				Expected: string(schema.TypeTimestamp),
			},
			column:   "created_at",
			wantKind: record.KindString,
		},
		{
			name: "json column gets empty object",
			err: schema.ValidationError{
				Type:     schema.ConstraintViolation,
				Table:    "documents",
				Column:   "metadata",
				Expected: string(schema.TypeJSON),
			},
			column:   "metadata",
			wantKind: record.KindJSON,
		},
		{
			name: "array column gets empty list",
			err: schema.ValidationError{
				Type:     schema.ConstraintViolation,
				Table:    "documents",
				Column:   "tags",
				Expected: string(schema.TypeArray),
			},
			column:   "tags",
			wantKind: record.KindJSON,
		},
		{
			name: "bool column gets false",
			err: schema.ValidationError{
				Type:     schema.ConstraintViolation,
				Table:    "documents",
				Column:   "archived",
				Expected: string(schema.TypeBool),
			},
			column:   "archived",
			wantKind: record.KindBool,
		},
	}

	r := testRegistry()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.ApplyAll(record.Record{}, []schema.ValidationError{tt.err}, "documents")
			if !out.Changed {
				t.Fatal("default rule did not fire")
			}

			v, ok := out.Data[tt.column]
			if !ok {
				t.Fatalf("column %q not synthesized", tt.column)
			}
			if v.Kind() != tt.wantKind {
				t.Errorf("kind = %s, want %s", v.Kind(), tt.wantKind)
			}
		})
	}
}

func TestTimestampDefaultIsParseable(t *testing.T) {
	r := testRegistry()

	out := r.ApplyAll(record.Record{}, []schema.ValidationError{
		{Type: schema.ConstraintViolation, Table: "documents", Column: "updated_at"},
	}, "documents")
	if !out.Changed {
		t.Fatal("timestamp default did not fire on _at suffix")
	}

	s, ok := out.Data["updated_at"].AsString()
	if !ok {
		t.Fatal("synthesized timestamp is not a string")
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		t.Errorf("synthesized timestamp %q not RFC 3339: %v", s, err)
	}
}

func TestDefaultRuleSkipsPresentColumn(t *testing.T) {
	r := testRegistry()

	existing := record.String("2024-01-01T00:00:00Z")
	out := r.ApplyAll(record.Record{"created_at": existing}, []schema.ValidationError{
		{Type: schema.ConstraintViolation, Table: "documents", Column: "created_at"},
	}, "documents")

	if out.Changed {
		t.Error("default rule should not overwrite a present column")
	}
}

func TestCoercions(t *testing.T) {
	tests := []struct {
		name     string
		err      schema.ValidationError
		value    record.Value
		verify   func(t *testing.T, v record.Value)
		wantFire bool
	}{
		{
			name: "string to int",
			err: schema.ValidationError{
				Type: schema.TypeMismatch, Table: "documents",
				Column: "size", Expected: string(schema.TypeInt),
			},
			value: record.String(" 42 "),
			verify: func(t *testing.T, v record.Value) {
				if !v.IsInt() {
					t.Errorf("value = %v, want integral", v)
				}
			},
			wantFire: true,
		},
		{
			name: "string to number",
			err: schema.ValidationError{
				Type: schema.TypeMismatch, Table: "documents",
				Column: "ratio", Expected: string(schema.TypeNumber),
			},
			value: record.String("0.75"),
			verify: func(t *testing.T, v record.Value) {
				if f, ok := v.AsNumber(); !ok || f != 0.75 {
					t.Errorf("value = %v, want 0.75", v)
				}
			},
			wantFire: true,
		},
		{
			name: "string to json",
			err: schema.ValidationError{
				Type: schema.TypeMismatch, Table: "documents",
				Column: "metadata", Expected: string(schema.TypeJSON),
			},
			value: record.String(`{"a":1}`),
			verify: func(t *testing.T, v record.Value) {
				if v.Kind() != record.KindJSON {
					t.Errorf("kind = %s, want json", v.Kind())
				}
			},
			wantFire: true,
		},
		{
			name: "unparseable int stays put",
			err: schema.ValidationError{
				Type: schema.TypeMismatch, Table: "documents",
				Column: "size", Expected: string(schema.TypeInt),
			},
			value:    record.String("lots"),
			wantFire: false,
		},
		{
			name: "invalid json stays put",
			err: schema.ValidationError{
				Type: schema.TypeMismatch, Table: "documents",
				Column: "metadata", Expected: string(schema.TypeJSON),
			},
			value:    record.String("{broken"),
			wantFire: false,
		},
	}

	r := testRegistry()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := record.Record{tt.err.Column: tt.value}
			out := r.ApplyAll(data, []schema.ValidationError{tt.err}, "documents")

			if out.Changed != tt.wantFire {
				t.Fatalf("changed = %v, want %v", out.Changed, tt.wantFire)
			}
			if tt.wantFire {
				tt.verify(t, out.Data[tt.err.Column])
			}
		})
	}
}

func TestApplyAllDoesNotMutateInput(t *testing.T) {
	r := testRegistry()

	data := record.Record{"code": record.String("x")}
	errs := []schema.ValidationError{
		{Type: schema.ColumnMismatch, Table: "documents", Column: "code"},
	}

	r.ApplyAll(data, errs, "documents")

	if _, exists := data["code"]; !exists {
		t.Error("input record was mutated")
	}
	if _, exists := data["file_content"]; exists {
		t.Error("input record was mutated")
	}
}

func TestApplyAllCumulative(t *testing.T) {
	r := testRegistry()

	data := record.Record{
		"code": record.String("body"),
		"size": record.String("10"),
	}
	errs := []schema.ValidationError{
		{Type: schema.ColumnMismatch, Table: "documents", Column: "code"},
		{Type: schema.TypeMismatch, Table: "documents", Column: "size", Expected: string(schema.TypeInt)},
	}

	out := r.ApplyAll(data, errs, "documents")
	if len(out.Applied) != 2 {
		t.Fatalf("applied = %v, want two rules", out.Applied)
	}
	if _, exists := out.Data["file_content"]; !exists {
		t.Error("rename did not apply")
	}
	if !out.Data["size"].IsInt() {
		t.Error("coercion did not apply")
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		t.Errorf("confidence = %v", out.Confidence)
	}
}

func TestNoMatchingRule(t *testing.T) {
	r := testRegistry()

	out := r.ApplyAll(record.Record{}, []schema.ValidationError{
		{Type: schema.TableNotFound, Table: "ghosts"},
	}, "ghosts")

	if out.Changed {
		t.Error("no rule should fire for table_not_found")
	}
	if out.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", out.Confidence)
	}
}

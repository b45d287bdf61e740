package fixes

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/record"
)

// legacyRenames maps field names still emitted by older generation code
// to their current column names.
var legacyRenames = map[string]string{
	"code":     "file_content",
	"contents": "file_content",
	"filename": "file_path",
}

// aliasPairs are synonymous field names seen in both directions across
// schema generations. The rule picks direction from whichever side the
// error reports as missing or unknown.
var aliasPairs = [][2]string{
	{"file_path", "path"},
	{"user_id", "owner_id"},
	{"name", "title"},
}

func (r *Registry) registerBuiltins() {
	for legacy, current := range legacyRenames {
		r.Register(renameRule(legacy, current))
	}

	for _, pair := range aliasPairs {
		r.Register(aliasRule(pair[0], pair[1]))
	}

	r.Register(timestampDefaultRule())
	r.Register(jsonDefaultRule())
	r.Register(arrayDefaultRule())
	r.Register(boolDefaultRule())

	r.Register(intCoercionRule())
	r.Register(numberCoercionRule())
	r.Register(jsonCoercionRule())
}

// renameRule moves a legacy field to its current column, overwriting the
// destination, and drops the legacy key.
func renameRule(legacy, current string) Rule {
	return Rule{
		Name:       "rename_" + legacy + "_to_" + current,
		Confidence: 0.9,
		Matches: func(err schema.ValidationError, _ string) bool {
			switch err.Type {
			case schema.ColumnMismatch:
				return err.Column == legacy
			case schema.ConstraintViolation:
				return err.Column == current
			default:
				return false
			}
		},
		Apply: func(data record.Record, _ schema.ValidationError) (record.Record, bool) {
			val, ok := data[legacy]
			if !ok {
				return data, false
			}
			out := data.Clone()
			out[current] = val
			delete(out, legacy)
			return out, true
		},
	}
}

// aliasRule resolves a pair of synonymous field names, copying from
// whichever side the record holds toward the side the schema expects.
func aliasRule(a, b string) Rule {
	return Rule{
		Name:       "alias_" + a + "_" + b,
		Confidence: 0.7,
		Matches: func(err schema.ValidationError, _ string) bool {
			if err.Type != schema.ColumnMismatch && err.Type != schema.ConstraintViolation {
				return false
			}
			return err.Column == a || err.Column == b
		},
		Apply: func(data record.Record, err schema.ValidationError) (record.Record, bool) {
			target := err.Column
			source := a
			if target == a {
				source = b
			}

			// Only a missing target can be filled from the other side.
			// Unknown-column errors report the source instead.
			if err.Type == schema.ColumnMismatch {
				source = err.Column
				target = a
				if source == a {
					target = b
				}
			}

			val, ok := data[source]
			if !ok {
				return data, false
			}
			if _, exists := data[target]; exists {
				return data, false
			}

			out := data.Clone()
			out[target] = val
			delete(out, source)
			return out, true
		},
	}
}

func timestampDefaultRule() Rule {
	return defaultRule(
		"default_timestamp",
		0.85,
		func(err schema.ValidationError) bool {
			return err.Expected == string(schema.TypeTimestamp) || strings.HasSuffix(err.Column, "_at")
		},
		func() record.Value {
			return record.String(time.Now().UTC().Format(time.RFC3339))
		},
	)
}

func jsonDefaultRule() Rule {
	return defaultRule(
		"default_empty_json",
		0.8,
		func(err schema.ValidationError) bool {
			return err.Expected == string(schema.TypeJSON)
		},
		func() record.Value {
			return record.JSON(json.RawMessage(`{}`))
		},
	)
}

func arrayDefaultRule() Rule {
	return defaultRule(
		"default_empty_array",
		0.8,
		func(err schema.ValidationError) bool {
			return err.Expected == string(schema.TypeArray)
		},
		func() record.Value {
			return record.JSON(json.RawMessage(`[]`))
		},
	)
}

func boolDefaultRule() Rule {
	return defaultRule(
		"default_false",
		0.8,
		func(err schema.ValidationError) bool {
			return err.Expected == string(schema.TypeBool)
		},
		func() record.Value {
			return record.Bool(false)
		},
	)
}

// defaultRule inserts a synthesized value for a missing required column,
// gated on the column being absent from the record.
func defaultRule(name string, confidence float64, want func(schema.ValidationError) bool, value func() record.Value) Rule {
	return Rule{
		Name:       name,
		Confidence: confidence,
		Matches: func(err schema.ValidationError, _ string) bool {
			return err.Type == schema.ConstraintViolation && err.Column != "" && want(err)
		},
		Apply: func(data record.Record, err schema.ValidationError) (record.Record, bool) {
			if _, exists := data[err.Column]; exists {
				return data, false
			}
			out := data.Clone()
			out[err.Column] = value()
			return out, true
		},
	}
}

func intCoercionRule() Rule {
	return Rule{
		Name:       "coerce_string_to_int",
		Confidence: 0.85,
		Matches: func(err schema.ValidationError, _ string) bool {
			return err.Type == schema.TypeMismatch && err.Expected == string(schema.TypeInt)
		},
		Apply: func(data record.Record, err schema.ValidationError) (record.Record, bool) {
			s, ok := stringField(data, err.Column)
			if !ok {
				return data, false
			}
			n, convErr := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if convErr != nil {
				return data, false
			}
			out := data.Clone()
			out[err.Column] = record.Int(n)
			return out, true
		},
	}
}

func numberCoercionRule() Rule {
	return Rule{
		Name:       "coerce_string_to_number",
		Confidence: 0.85,
		Matches: func(err schema.ValidationError, _ string) bool {
			return err.Type == schema.TypeMismatch && err.Expected == string(schema.TypeNumber)
		},
		Apply: func(data record.Record, err schema.ValidationError) (record.Record, bool) {
			s, ok := stringField(data, err.Column)
			if !ok {
				return data, false
			}
			f, convErr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if convErr != nil {
				return data, false
			}
			out := data.Clone()
			out[err.Column] = record.Number(f)
			return out, true
		},
	}
}

// jsonCoercionRule promotes a string that already holds a valid JSON
// document into a JSON value for a json column.
func jsonCoercionRule() Rule {
	return Rule{
		Name:       "coerce_string_to_json",
		Confidence: 0.85,
		Matches: func(err schema.ValidationError, _ string) bool {
			return err.Type == schema.TypeMismatch && err.Expected == string(schema.TypeJSON)
		},
		Apply: func(data record.Record, err schema.ValidationError) (record.Record, bool) {
			s, ok := stringField(data, err.Column)
			if !ok {
				return data, false
			}
			trimmed := strings.TrimSpace(s)
			if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid([]byte(trimmed)) {
				return data, false
			}
			out := data.Clone()
			out[err.Column] = record.JSON(json.RawMessage(trimmed))
			return out, true
		},
	}
}

func stringField(data record.Record, column string) (string, bool) {
	val, ok := data[column]
	if !ok {
		return "", false
	}
	return val.AsString()
}

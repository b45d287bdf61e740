// Package patterns is the learned correction tier: a persistent keyed store
// mapping (table, error signature) pairs to correction templates derived
// from previously verified oracle fixes. Templates apply mechanically, so
// a shape of failure the oracle solved once never costs a second call.
package patterns

import (
	"encoding/json"
	"strings"

	"github.com/JaimeStill/mend/pkg/record"
)

// backRefPrefix marks a template entry that copies its value from another
// field of the record (and drops that field) instead of setting a literal.
const backRefPrefix = "$"

// Entry is one template action: either a literal value for the target
// field, or a back-reference naming the field to copy from.
type Entry struct {
	Literal  record.Value
	CopyFrom string
}

// Template maps target field names to correction entries. Its JSON form
// matches the persisted shape: literals as their natural JSON values,
// back-references as "$sourceField" strings.
type Template map[string]Entry

// MarshalJSON encodes the template into its persisted object form.
func (t Template) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(t))
	for field, e := range t {
		if e.CopyFrom != "" {
			enc, err := json.Marshal(backRefPrefix + e.CopyFrom)
			if err != nil {
				return nil, err
			}
			m[field] = enc
			continue
		}
		enc, err := json.Marshal(e.Literal)
		if err != nil {
			return nil, err
		}
		m[field] = enc
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the persisted object form. Strings with the
// back-reference prefix become copy entries; everything else is literal.
func (t *Template) UnmarshalJSON(data []byte) error {
	var m map[string]record.Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	out := make(Template, len(m))
	for field, v := range m {
		if s, ok := v.AsString(); ok && strings.HasPrefix(s, backRefPrefix) && len(s) > 1 {
			out[field] = Entry{CopyFrom: strings.TrimPrefix(s, backRefPrefix)}
			continue
		}
		out[field] = Entry{Literal: v}
	}

	*t = out
	return nil
}

// Apply runs the template against a record: back-references copy the value
// from the source field and drop the source; literals set the target
// directly. Returns the corrected record and whether anything changed.
func (t Template) Apply(data record.Record) (record.Record, bool) {
	out := data.Clone()
	changed := false

	for field, e := range t {
		if e.CopyFrom != "" {
			val, ok := out[e.CopyFrom]
			if !ok {
				continue
			}
			out[field] = val
			delete(out, e.CopyFrom)
			changed = true
			continue
		}

		if existing, ok := out[field]; ok && existing.Equal(e.Literal) {
			continue
		}
		out[field] = e.Literal
		changed = true
	}

	return out, changed
}

// Derive builds a template by diffing the original record against a
// verified correction. A corrected field whose value matches a field the
// correction dropped becomes a back-reference; everything else is literal.
func Derive(original, corrected record.Record) Template {
	t := make(Template)

	for field, val := range corrected {
		if orig, ok := original[field]; ok && orig.Equal(val) {
			continue
		}

		if source := droppedSource(original, corrected, val); source != "" {
			t[field] = Entry{CopyFrom: source}
			continue
		}

		t[field] = Entry{Literal: val}
	}

	return t
}

// droppedSource finds an original field absent from the correction whose
// value equals val, indicating a rename rather than a fresh literal.
func droppedSource(original, corrected record.Record, val record.Value) string {
	for _, field := range original.Fields() {
		if _, kept := corrected[field]; kept {
			continue
		}
		if original[field].Equal(val) {
			return field
		}
	}
	return ""
}

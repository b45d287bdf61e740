package record

import (
	"encoding/json"
	"sort"
)

// Record is an open, string-keyed row. Healing tiers clone before mutating
// so each tier's application is all-or-nothing for a given record.
type Record map[string]Value

// Clone returns a shallow copy safe to mutate independently.
func (r Record) Clone() Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Equal reports whether two records hold the same fields and values.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Fields returns the record's field names in sorted order.
func (r Record) Fields() []string {
	fields := make([]string, 0, len(r))
	for k := range r {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Args converts the record into column/argument slices for SQL execution,
// with columns in sorted order for deterministic statements.
func (r Record) Args() ([]string, []any) {
	fields := r.Fields()
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = r[f].Interface()
	}
	return fields, args
}

// FromRow converts a driver-scanned row map into a Record.
func FromRow(row map[string]any) Record {
	r := make(Record, len(row))
	for k, v := range row {
		r[k] = FromInterface(v)
	}
	return r
}

// MarshalJSON encodes the record as a plain JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]Value, len(r))
	for k, v := range r {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a JSON object into tagged values.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Record(m)
	return nil
}

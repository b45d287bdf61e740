// Package record provides the dynamic row representation used throughout
// the data access layer. Rows are open string-keyed maps of tagged values
// so validation and healing rules can pattern-match on value kinds without
// reflection.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindJSON
)

// String returns the kind name for logging and error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is a tagged variant over the types a row field can hold.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	raw  json.RawMessage
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Int returns a numeric value holding an integer.
func Int(i int64) Value {
	return Value{kind: KindNumber, num: float64(i)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// JSON returns a value holding a raw JSON document (object or array).
func JSON(raw json.RawMessage) Value {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindJSON, raw: cp}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsString returns the string payload and whether the value is a string.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric payload and whether the value is a number.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean payload and whether the value is a bool.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsJSON returns the raw JSON payload and whether the value is a JSON blob.
func (v Value) AsJSON() (json.RawMessage, bool) {
	return v.raw, v.kind == KindJSON
}

// IsInt reports whether the value is a number with no fractional part.
func (v Value) IsInt() bool {
	return v.kind == KindNumber && v.num == math.Trunc(v.num) && !math.IsInf(v.num, 0)
}

// Interface converts the value to a driver-compatible Go type.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.IsInt() {
			return int64(v.num)
		}
		return v.num
	case KindBool:
		return v.b
	case KindJSON:
		return []byte(v.raw)
	default:
		return nil
	}
}

// FromInterface converts a driver-scanned Go value into a Value.
// Byte slices are treated as JSON when they parse as an object or array,
// otherwise as strings. Times become RFC 3339 strings.
func FromInterface(val any) Value {
	switch t := val.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case []byte:
		trimmed := bytes.TrimSpace(t)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
			return JSON(trimmed)
		}
		return String(string(t))
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339))
	case json.RawMessage:
		return JSON(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Equal reports whether two values hold the same kind and payload.
// JSON payloads are compared after compaction.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindJSON:
		return compactEqual(v.raw, other.raw)
	}
	return false
}

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.IsInt() {
			return []byte(strconv.FormatInt(int64(v.num), 10)), nil
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindJSON:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a JSON token into the matching variant.
// Objects and arrays are stored raw as JSON blobs.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty value")
	}

	switch trimmed[0] {
	case '{', '[':
		if !json.Valid(trimmed) {
			return fmt.Errorf("invalid json document")
		}
		*v = JSON(trimmed)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case 'n':
		*v = Null()
		return nil
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return err
		}
		*v = Number(f)
		return nil
	}
}

func compactEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind discriminates the variants of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is a schema-free structured value: a tagged union of
// null/bool/number/string/array/object. It is the type of all opaque data
// crossing the agent boundary (step config, inputs, outputs, execution
// input/output). The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array Value.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object returns an object Value over the given fields. The map is used
// directly, not copied.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// FromAny converts a decoded-JSON Go value (nil, bool, float64, int,
// string, []any, map[string]any, json.Number) into a Value.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), NewErrorf(ErrCodeValidation, "invalid number %q", t.String()).WithCause(err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null(), err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null(), err
			}
			fields[k] = v
		}
		return Object(fields), nil
	case Value:
		return t, nil
	default:
		return Null(), NewErrorf(ErrCodeValidation, "unsupported value type %T", v)
	}
}

// MustFromAny is FromAny that panics on error. For literals in tests and wiring.
func MustFromAny(v any) Value {
	val, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Unwrap converts the Value back into plain Go data (nil, bool, float64,
// string, []any, map[string]any), e.g. for expression environments.
func (v Value) Unwrap() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Unwrap()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Unwrap()
		}
		return out
	}
	return nil
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload; ok is false for other kinds.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload; ok is false for other kinds.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload; ok is false for other kinds.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Items returns the array payload; ok is false for other kinds.
func (v Value) Items() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Fields returns the object payload; ok is false for other kinds.
func (v Value) Fields() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Field returns the named field of an object Value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[name]
	return val, ok
}

// Len returns the number of items (array) or fields (object), 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// MarshalJSON encodes the Value as its plain JSON representation.
// Object keys are emitted in sorted order for deterministic output.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes arbitrary JSON into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Merge returns a new object Value containing the fields of v overlaid
// with the fields of other. Both must be objects (or null, treated as
// empty objects).
func (v Value) Merge(other Value) Value {
	out := make(map[string]Value)
	if fields, ok := v.Fields(); ok {
		for k, val := range fields {
			out[k] = val
		}
	}
	if fields, ok := other.Fields(); ok {
		for k, val := range fields {
			out[k] = val
		}
	}
	return Object(out)
}

// Package crdt provides the value model, path addressing, and conflict
// resolution strategies used by documents.
package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "binary"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is a recursive JSON-like value. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	arr  []Value
	obj  map[string]Value
}

// NewNull creates a null value.
func NewNull() Value {
	return Value{}
}

// NewBool creates a boolean value.
func NewBool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// NewInt creates a signed 64-bit integer value.
func NewInt(v int64) Value {
	return Value{kind: KindInt, i: v}
}

// NewFloat creates a 64-bit float value.
func NewFloat(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// NewString creates a string value.
func NewString(v string) Value {
	return Value{kind: KindString, s: v}
}

// NewBytes creates a binary value.
func NewBytes(v []byte) Value {
	return Value{kind: KindBytes, raw: v}
}

// NewArray creates an array value from the given items.
func NewArray(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// NewObject creates an object value from the given fields. A nil map
// produces an empty object.
func NewObject(fields map[string]Value) Value {
	if fields == nil {
		fields = make(map[string]Value)
	}
	return Value{kind: KindObject, obj: fields}
}

// Kind returns the variant held by the value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the boolean value.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsInt returns the integer value. Floats do not coerce.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the float value. Integers coerce losslessly.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string value.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBytes returns the binary value.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// AsArray returns the array items. The slice is shared, not copied.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject returns the object fields. The map is shared, not copied.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		raw := make([]byte, len(v.raw))
		copy(raw, v.raw)
		return Value{kind: KindBytes, raw: raw}
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, item := range v.arr {
			arr[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		obj := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			obj[k] = item.Clone()
		}
		return Value{kind: KindObject, obj: obj}
	default:
		return v
	}
}

// Equal reports whether two values are deeply equal. Integers and floats
// are distinct kinds and never compare equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindBytes:
		return bytes.Equal(v.raw, other.raw)
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, item := range v.obj {
			o, ok := other.obj[k]
			if !ok || !item.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON returns a JSON representation of the value. Integers are
// emitted without a fractional part, binary values as base64 strings,
// and object keys in sorted order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(v.raw)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
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
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			data, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON parses a JSON representation into the value. Numbers
// become integers when losslessly representable as int64, floats
// otherwise. Strings stay strings, so binary values do not round-trip.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromDecoded(raw)
	return nil
}

// fromDecoded converts a decoded JSON tree into a Value.
func fromDecoded(raw interface{}) Value {
	switch t := raw.(type) {
	case bool:
		return NewBool(t)
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return NewInt(i)
		}
		f, err := t.Float64()
		if err != nil {
			return NewNull()
		}
		return NewFloat(f)
	case string:
		return NewString(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, item := range t {
			arr[i] = fromDecoded(item)
		}
		return Value{kind: KindArray, arr: arr}
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			obj[k] = fromDecoded(item)
		}
		return Value{kind: KindObject, obj: obj}
	default:
		return NewNull()
	}
}

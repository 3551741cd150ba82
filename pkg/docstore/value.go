package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind identifies the variant held by a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable JSON-like document value.
//
// The zero Value is null. Accessors that expose containers return copies, so
// a Value handed out by the store can never alias the stored one.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding a copy of items.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: slices.Clone(items)}
}

// Object returns an object value holding a copy of fields.
func Object(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}

	return Value{kind: KindObject, obj: obj}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumeric reports whether v is an Int or a Float. Booleans are not numeric.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Number returns v as float64 when v is numeric.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Items returns a copy of the elements of an array value, or nil.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}

	return slices.Clone(v.arr)
}

// Len returns the number of elements of an array or fields of an object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Keys returns the sorted field names of an object value, or nil.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}

	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// Field returns the named field of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}

	f, ok := v.obj[name]

	return f, ok
}

// Fields returns a copy of the fields of an object value, or nil.
func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}

	out := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		out[k] = f
	}

	return out
}

// With returns a copy of object v with field name set to f.
// Returns v unchanged if v is not an object.
func (v Value) With(name string, f Value) Value {
	if v.kind != KindObject {
		return v
	}

	out := v.Fields()
	out[name] = f

	return Value{kind: KindObject, obj: out}
}

// Without returns a copy of object v without field name.
func (v Value) Without(name string) Value {
	if v.kind != KindObject {
		return v
	}

	if _, ok := v.obj[name]; !ok {
		return v
	}

	out := v.Fields()
	delete(out, name)

	return Value{kind: KindObject, obj: out}
}

// Equal reports whether v and o hold the same value.
//
// Int and Float compare by numeric value; everything else must match in
// kind. Object field order is irrelevant.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		if v.kind == KindInt && o.kind == KindInt {
			return v.i == o.i
		}

		a, _ := v.Number()
		b, _ := o.Number()

		return a == b
	}

	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}

		for k, f := range v.obj {
			g, ok := o.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// Canonical returns the canonical serialization of v: compact JSON with
// object keys sorted. Two values share an equality index bucket iff their
// canonical forms are byte-identical.
func (v Value) Canonical() string {
	return string(v.AppendCanonical(nil))
}

// AppendCanonical appends the canonical serialization of v to dst.
func (v Value) AppendCanonical(dst []byte) []byte {
	switch v.kind {
	case KindNull:
		return append(dst, "null"...)
	case KindBool:
		return strconv.AppendBool(dst, v.b)
	case KindInt:
		return strconv.AppendInt(dst, v.i, 10)
	case KindFloat:
		return appendFloat(dst, v.f)
	case KindString:
		return appendQuoted(dst, v.s)
	case KindArray:
		dst = append(dst, '[')

		for i, item := range v.arr {
			if i > 0 {
				dst = append(dst, ',')
			}

			dst = item.AppendCanonical(dst)
		}

		return append(dst, ']')
	case KindObject:
		dst = append(dst, '{')

		for i, k := range v.Keys() {
			if i > 0 {
				dst = append(dst, ',')
			}

			dst = appendQuoted(dst, k)
			dst = append(dst, ':')
			dst = v.obj[k].AppendCanonical(dst)
		}

		return append(dst, '}')
	default:
		return append(dst, "null"...)
	}
}

// Text returns the plain-text rendering used for tokenizing and substring
// search. Strings render raw, containers render their elements raw:
//
//	{"Name": "Alice", "Subjects": ["Math"]}  =>  {Name: Alice, Subjects: [Math]}
func (v Value) Text() string {
	if v.kind == KindString {
		return v.s
	}

	var sb strings.Builder

	v.writeText(&sb)

	return sb.String()
}

func (v Value) writeText(sb *strings.Builder) {
	switch v.kind {
	case KindString:
		sb.WriteString(v.s)
	case KindArray:
		sb.WriteByte('[')

		for i, item := range v.arr {
			if i > 0 {
				sb.WriteString(", ")
			}

			item.writeText(sb)
		}

		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')

		for i, k := range v.Keys() {
			if i > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString(k)
			sb.WriteString(": ")
			v.obj[k].writeText(sb)
		}

		sb.WriteByte('}')
	default:
		sb.Write(v.AppendCanonical(nil))
	}
}

// String implements fmt.Stringer with the canonical serialization.
func (v Value) String() string {
	return v.Canonical()
}

// MarshalJSON encodes v in canonical form.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.AppendCanonical(nil), nil
}

// UnmarshalJSON decodes any JSON document into v, keeping integer literals
// as Int and everything else numeric as Float.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := decodeJSON(data)
	if err != nil {
		return err
	}

	*v = decoded

	return nil
}

// FromAny converts a Go value produced by a generic decoder (encoding/json
// with UseNumber, msgpack, or hand-built maps and slices) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case json.Number:
		return numberFromLiteral(string(t))
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}

		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case []any:
		items := make([]Value, len(t))

		for i, item := range t {
			conv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}

			items[i] = conv
		}

		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))

		for k, item := range t {
			conv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}

			obj[k] = conv
		}

		return Value{kind: KindObject, obj: obj}, nil
	case map[any]any:
		obj := make(map[string]Value, len(t))

		for k, item := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("object key %v is %T, not string", k, k)
			}

			conv, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}

			obj[ks] = conv
		}

		return Value{kind: KindObject, obj: obj}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// ToAny converts v into plain Go values: nil, bool, int64, float64, string,
// []any and map[string]any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToAny()
		}

		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.ToAny()
		}

		return out
	default:
		return nil
	}
}

var errTrailingData = errors.New("trailing data after JSON value")

// decodeJSON parses exactly one JSON document.
func decodeJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any

	err := dec.Decode(&raw)
	if err != nil {
		return Value{}, err
	}

	_, err = dec.Token()
	if !errors.Is(err, io.EOF) {
		return Value{}, errTrailingData
	}

	return FromAny(raw)
}

func numberFromLiteral(lit string) (Value, error) {
	if !strings.ContainsAny(lit, ".eE") {
		i, err := strconv.ParseInt(lit, 10, 64)
		if err == nil {
			return Int(i), nil
		}
	}

	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Value{}, fmt.Errorf("number %q: %w", lit, err)
	}

	return Float(f), nil
}

// appendFloat keeps a fraction marker on integral floats so 5.0 and 5 stay
// distinct in canonical form.
func appendFloat(dst []byte, f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(dst, "null"...)
	}

	start := len(dst)
	dst = strconv.AppendFloat(dst, f, 'g', -1, 64)

	if !bytes.ContainsAny(dst[start:], ".eE") {
		dst = append(dst, '.', '0')
	}

	return dst
}

const hexDigits = "0123456789abcdef"

// appendQuoted writes s as a JSON string without HTML escaping.
func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')

	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				dst = append(dst, '\\', c)
			case c == '\n':
				dst = append(dst, '\\', 'n')
			case c == '\r':
				dst = append(dst, '\\', 'r')
			case c == '\t':
				dst = append(dst, '\\', 't')
			case c < 0x20:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				dst = append(dst, c)
			}

			i++

			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, "\ufffd"...)
		} else {
			dst = append(dst, s[i:i+size]...)
		}

		i += size
	}

	return append(dst, '"')
}

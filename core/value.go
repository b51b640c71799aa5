package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Value is a sealed interface representing the closed set of property value
// types the SDK accepts: Null, Bool, Int, Double, String, Array and Map.
// Sealing the set keeps rule-engine comparisons total: every operator either
// has defined semantics for a pair of kinds or fails closed, never panics.
//
// Construction uses plain conversions and composite literals:
//
//	core.Properties{
//	    "plan":   core.String("pro"),
//	    "value":  core.Double(9.99),
//	    "count":  core.Int(3),
//	    "tags":   core.Array{core.String("a"), core.String("b")},
//	    "nested": core.Map{"depth": core.Int(1)},
//	}
type Value interface {
	value() // sealed
}

// Null represents an explicit null value.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Bool represents a boolean value.
type Bool bool

func (Bool) value() {}

// Int represents an integer value, always int64.
type Int int64

func (Int) value() {}

// Double represents a floating point value.
type Double float64

func (Double) value() {}

// String represents a string value.
type String string

func (String) value() {}

// Array represents an ordered sequence of values.
type Array []Value

func (Array) value() {}

// UnmarshalJSON decodes a JSON array into an Array using the closed value set.
func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	arr, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %s", KindOf(v))
	}
	*a = arr
	return nil
}

// Map represents string-keyed nested values. Serialization is deterministic:
// keys are emitted in sorted order so identical maps always produce identical
// bytes (signatures over payloads stay stable).
type Map map[string]Value

func (Map) value() {}

// Properties is the property bag attached to events. It shares the Map
// representation so nested bags and rule comparisons use one value model.
type Properties = Map

// MarshalJSON implements json.Marshaler with sorted keys.
func (m Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
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
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into a Map using the closed value set.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	obj, ok := v.(Map)
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", KindOf(v))
	}
	*m = obj
	return nil
}

// UnmarshalValue decodes arbitrary JSON into the closed Value set. Numbers
// without a fractional part decode as Int, everything else numeric as Double.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return fromDecoded(raw)
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Double(f), nil
	case string:
		return String(t), nil
	case []any:
		arr := make(Array, 0, len(t))
		for _, el := range t {
			v, err := fromDecoded(el)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case map[string]any:
		obj := make(Map, len(t))
		for k, el := range t {
			v, err := fromDecoded(el)
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value of type %T", raw)
	}
}

// ValueOf converts common Go types into the closed Value set. Supported inputs
// are nil, bool, all signed/unsigned integer types, float32/64, string,
// []any, []string, map[string]any and anything already implementing Value.
func ValueOf(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int8:
		return Int(t), nil
	case int16:
		return Int(t), nil
	case int32:
		return Int(t), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 value %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Double(t), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case []string:
		arr := make(Array, 0, len(t))
		for _, s := range t {
			arr = append(arr, String(s))
		}
		return arr, nil
	case []any:
		arr := make(Array, 0, len(t))
		for _, el := range t {
			cv, err := ValueOf(el)
			if err != nil {
				return nil, err
			}
			arr = append(arr, cv)
		}
		return arr, nil
	case map[string]any:
		obj := make(Map, len(t))
		for k, el := range t {
			cv, err := ValueOf(el)
			if err != nil {
				return nil, err
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported property type %T", v)
	}
}

// KindOf returns a short name for the dynamic kind of v, primarily for
// diagnostics and rule evaluation error reporting.
func KindOf(v Value) string {
	switch v.(type) {
	case nil:
		return "nil"
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Double:
		return "double"
	case String:
		return "string"
	case Array:
		return "array"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// AsFloat reports the numeric magnitude of v. Only Int and Double are
// numeric; every other kind returns false.
func AsFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case Int:
		return float64(t), true
	case Double:
		return float64(t), true
	default:
		return 0, false
	}
}

// AsString reports the string content of v. Only String qualifies.
func AsString(v Value) (string, bool) {
	if s, ok := v.(String); ok {
		return string(s), true
	}
	return "", false
}

// Equal reports deep equality between two values. Numeric values compare by
// magnitude regardless of kind, so Int(5) equals Double(5). All other kinds
// must match exactly.
func Equal(a, b Value) bool {
	if af, ok := AsFloat(a); ok {
		bf, ok := AsFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bt, ok := b.(Bool)
		return ok && at == bt
	case String:
		bt, ok := b.(String)
		return ok && at == bt
	case Array:
		bt, ok := b.(Array)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case Map:
		bt, ok := b.(Map)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v safe for independent mutation. Scalar kinds
// are returned as-is since they are immutable values.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Array:
		cp := make(Array, len(t))
		for i, el := range t {
			cp[i] = Clone(el)
		}
		return cp
	case Map:
		cp := make(Map, len(t))
		for k, el := range t {
			cp[k] = Clone(el)
		}
		return cp
	default:
		return v
	}
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	NullValue ValueKind = iota
	BoolValue
	IntValue
	FloatValue
	StringValue
	ListValue
	MapValue
)

func (k ValueKind) String() string {
	switch k {
	case NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case IntValue:
		return "int"
	case FloatValue:
		return "float"
	case StringValue:
		return "string"
	case ListValue:
		return "list"
	case MapValue:
		return "map"
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Value is a structured metadata value: a primitive, a list or a map.
// The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	l    []Value
	m    map[string]Value
}

// Metadata is the free-form payload attached to ledger entries.
type Metadata map[string]Value

func Null() Value {
	return Value{}
}

func Bool(b bool) Value {
	return Value{kind: BoolValue, b: b}
}

func Int(i int64) Value {
	return Value{kind: IntValue, i: i}
}

func Float(f float64) Value {
	return Value{kind: FloatValue, f: f}
}

func String(s string) Value {
	return Value{kind: StringValue, s: s}
}

func List(vs ...Value) Value {
	return Value{kind: ListValue, l: vs}
}

func Map(m map[string]Value) Value {
	return Value{kind: MapValue, m: m}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == NullValue
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == BoolValue
}

func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == IntValue
}

// AsFloat also accepts int values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case FloatValue:
		return v.f, true
	case IntValue:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == StringValue
}

func (v Value) AsList() ([]Value, bool) {
	return v.l, v.kind == ListValue
}

func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == MapValue
}

// Interface converts v to plain Go values (nil, bool, int64, float64,
// string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case BoolValue:
		return v.b
	case IntValue:
		return v.i
	case FloatValue:
		return v.f
	case StringValue:
		return v.s
	case ListValue:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Interface()
		}
		return out
	case MapValue:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// Clone returns a copy of v that shares no lists or maps with it.
func (v Value) Clone() Value {
	switch v.kind {
	case ListValue:
		if v.l != nil {
			l := make([]Value, len(v.l))
			for i, e := range v.l {
				l[i] = e.Clone()
			}
			v.l = l
		}
	case MapValue:
		if v.m != nil {
			m := make(map[string]Value, len(v.m))
			for k, e := range v.m {
				m[k] = e.Clone()
			}
			v.m = m
		}
	}
	return v
}

// Clone returns a deep copy of md. A nil Metadata stays nil.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v.Clone()
	}
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromInterface converts decoded JSON-like Go values into a Value.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return List(out...), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return Map(out), nil
	}
	return Value{}, fmt.Errorf("unsupported metadata value of type %T", x)
}

func numberValue(n json.Number) (Value, error) {
	if !strings.ContainsAny(n.String(), ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", n, err)
	}
	return Float(f), nil
}

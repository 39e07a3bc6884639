package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the dynamic attribute value kinds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindRef // a ptr:// reference pending resolution
)

// RefPrefix marks a string attribute value as a reference to another
// resource's attribute (or a module input/output), resolved at apply time.
const RefPrefix = "ptr://"

// Value is the tagged-union representation of a configuration attribute.
// Raw values arriving from the evaluator are untyped (any); FromAny
// normalizes them so diffing compares by value kind rather than by the
// accidents of decoding (int vs int64 vs float64, map[any]any vs
// map[string]any).
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// FromAny normalizes an untyped attribute value.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{kind: KindNull}
	case bool:
		return Value{kind: KindBool, b: val}
	case int:
		return Value{kind: KindNumber, n: float64(val)}
	case int32:
		return Value{kind: KindNumber, n: float64(val)}
	case int64:
		return Value{kind: KindNumber, n: float64(val)}
	case float32:
		return Value{kind: KindNumber, n: float64(val)}
	case float64:
		return Value{kind: KindNumber, n: val}
	case string:
		if strings.HasPrefix(val, RefPrefix) {
			return Value{kind: KindRef, s: val}
		}
		return Value{kind: KindString, s: val}
	case []any:
		list := make([]Value, len(val))
		for i, item := range val {
			list[i] = FromAny(item)
		}
		return Value{kind: KindList, list: list}
	case map[string]any:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[k] = FromAny(item)
		}
		return Value{kind: KindMap, m: m}
	case map[any]any:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[fmt.Sprintf("%v", k)] = FromAny(item)
		}
		return Value{kind: KindMap, m: m}
	case map[string]string:
		m := make(map[string]Value, len(val))
		for k, item := range val {
			m[k] = FromAny(item)
		}
		return Value{kind: KindMap, m: m}
	default:
		return Value{kind: KindString, s: fmt.Sprintf("%v", val)}
	}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsRef reports whether the value is an unresolved reference.
func (v Value) IsRef() bool { return v.kind == KindRef }

// Ref returns the raw ptr:// reference string.
func (v Value) Ref() string { return v.s }

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString, KindRef:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// Equal normalizes a and b and compares them structurally.
func Equal(a, b any) bool {
	return FromAny(a).Equal(FromAny(b))
}

// Refs returns every ptr:// reference contained in the value, in sorted
// order so callers derive deterministic edge sets.
func (v Value) Refs() []string {
	var refs []string
	v.collectRefs(&refs)
	sort.Strings(refs)
	return refs
}

func (v Value) collectRefs(out *[]string) {
	switch v.kind {
	case KindRef:
		*out = append(*out, v.s)
	case KindList:
		for _, item := range v.list {
			item.collectRefs(out)
		}
	case KindMap:
		for _, item := range v.m {
			item.collectRefs(out)
		}
	}
}

// CollectRefs extracts all ptr:// references from a raw attribute map.
func CollectRefs(attrs map[string]any) []string {
	return FromAny(attrs).Refs()
}

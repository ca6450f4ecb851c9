// Package tagcache is the single source of truth for current tag values in
// engineering units. It owns the background poll loop, unit conversion,
// and write validation; every other component reads and writes tags
// through it.
package tagcache

import (
	"strconv"
	"time"

	"sprayd/tagmap"
)

// Kind discriminates the value variant.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "float"
	}
}

// Value is a tagged variant over the engineering-unit value types. Tag
// values are dynamically shaped in the configuration (floats, integers,
// booleans, speed labels); Value carries the shape explicitly instead of
// relying on interface assertions at every use site.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// Float wraps a float value.
func Float(v float64) Value { return Value{kind: KindFloat, num: v} }

// Int wraps an integer value.
func Int(v int64) Value { return Value{kind: KindInt, num: float64(v)} }

// Bool wraps a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String wraps a string value (e.g. a named speed).
func String(s string) Value { return Value{kind: KindString, str: s} }

// Kind returns the variant discriminator.
func (v Value) Kind() Kind { return v.kind }

// IsNumeric reports whether the value carries a number.
func (v Value) IsNumeric() bool { return v.kind == KindFloat || v.kind == KindInt }

// Float returns the numeric value. Zero for non-numeric variants.
func (v Value) Float() float64 { return v.num }

// Int returns the numeric value truncated to an integer.
func (v Value) Int() int64 { return int64(v.num) }

// Bool returns the boolean value. False for other variants.
func (v Value) Bool() bool { return v.b }

// Str returns the string value. Empty for other variants.
func (v Value) Str() string { return v.str }

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool { return v == o }

// Any unwraps the variant for serialization.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return int64(v.num)
	case KindBool:
		return v.b
	case KindString:
		return v.str
	default:
		return v.num
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.str
	default:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
}

// MarshalJSON emits the underlying value, not the variant wrapper.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return strconv.AppendQuote(nil, v.str), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, int64(v.num), 10), nil
	default:
		return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
	}
}

// TagValue is a cached engineering-unit value with its metadata and the
// time it was recorded. Consumers compare Timestamp against now to judge
// staleness; the cache itself has no stale state.
type TagValue struct {
	Value     Value
	Def       *tagmap.Definition
	Timestamp time.Time
}

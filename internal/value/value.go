// Package value implements Ember's typed value model: identifiers, interned
// text, tagged values and corpus positions, together with their canonical
// byte encoding and total ordering.
//
// The encoding is fixed big-endian so serialization, hashing and comparison
// are stable across platforms and processes. Values of numerically equal
// magnitude under different numeric tags (18 and 18.0) belong to the same
// equality class for indexing, but retain their original tag in storage.
package value

import (
	"fmt"
	"math"
	"time"
)

// Identifier is the primary key of a record: an unsigned 64-bit integer,
// immutable and unique within a database.
type Identifier uint64

// Tag discriminates the variants of a Value.
type Tag uint8

const (
	TagNull Tag = iota
	TagBool
	TagInt32
	TagInt64
	TagFloat32
	TagFloat64
	TagString
	TagLink
	TagTag
	TagTimestamp
)

// Value is a tagged union over the primitive types a record field can hold.
// The zero Value is Null. Values are immutable and safe to copy.
type Value struct {
	tag Tag
	i   int64   // bool, int32, int64, link, timestamp (unix micros)
	f   float64 // float32, float64
	s   string  // string, tag
}

// Null returns the null value.
func Null() Value { return Value{tag: TagNull} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{tag: TagBool}
	if b {
		v.i = 1
	}
	return v
}

// Int32 returns a 32-bit integer value.
func Int32(i int32) Value { return Value{tag: TagInt32, i: int64(i)} }

// Int64 returns a 64-bit integer value.
func Int64(i int64) Value { return Value{tag: TagInt64, i: i} }

// Float32 returns a 32-bit float value.
func Float32(f float32) Value { return Value{tag: TagFloat32, f: float64(f)} }

// Float64 returns a 64-bit float value.
func Float64(f float64) Value { return Value{tag: TagFloat64, f: f} }

// String returns a string value.
func String(s string) Value { return Value{tag: TagString, s: s} }

// Link returns a value referencing another record.
func Link(id Identifier) Value { return Value{tag: TagLink, i: int64(id)} }

// TagValue returns a tag value: string content with tag semantics. Tags and
// strings share an equality class but keep their own storage tag.
func TagValue(s string) Value { return Value{tag: TagTag, s: s} }

// Timestamp returns a timestamp value with microsecond precision.
func Timestamp(t time.Time) Value {
	return Value{tag: TagTimestamp, i: t.UnixMicro()}
}

// Tag returns the variant discriminator.
func (v Value) Tag() Tag { return v.tag }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.tag == TagNull }

// IsNumeric reports whether v belongs to the unified numeric class.
func (v Value) IsNumeric() bool {
	switch v.tag {
	case TagInt32, TagInt64, TagFloat32, TagFloat64:
		return true
	}
	return false
}

// IsLink reports whether v references another record.
func (v Value) IsLink() bool { return v.tag == TagLink }

// IsTextual reports whether v carries string content (string or tag) and is
// therefore eligible for corpus indexing.
func (v Value) IsTextual() bool {
	return v.tag == TagString || v.tag == TagTag
}

// BoolValue returns the boolean content. Valid only for TagBool.
func (v Value) BoolValue() bool { return v.i != 0 }

// IntValue returns the integer content. Valid for TagInt32 and TagInt64.
func (v Value) IntValue() int64 { return v.i }

// FloatValue returns the float content. Valid for TagFloat32 and TagFloat64.
func (v Value) FloatValue() float64 { return v.f }

// StringValue returns the string content. Valid for TagString and TagTag.
func (v Value) StringValue() string { return v.s }

// LinkValue returns the referenced identifier. Valid only for TagLink.
func (v Value) LinkValue() Identifier { return Identifier(v.i) }

// TimeValue returns the timestamp content. Valid only for TagTimestamp.
func (v Value) TimeValue() time.Time { return time.UnixMicro(v.i) }

// numeric returns v's magnitude as a float64 together with an exact int64
// and a flag saying whether the int64 path is exact. Integer tags are always
// exact; float tags are exact when they hold an integral value inside the
// int64 range.
func (v Value) numeric() (f float64, i int64, exact bool) {
	switch v.tag {
	case TagInt32, TagInt64:
		return float64(v.i), v.i, true
	case TagFloat32, TagFloat64:
		if v.f == math.Trunc(v.f) && v.f >= math.MinInt64 && v.f < math.MaxInt64 {
			return v.f, int64(v.f), true
		}
		return v.f, 0, false
	}
	return 0, 0, false
}

// String implements fmt.Stringer for debugging and structured logs.
func (v Value) String() string {
	switch v.tag {
	case TagNull:
		return "null"
	case TagBool:
		return fmt.Sprintf("%t", v.BoolValue())
	case TagInt32, TagInt64:
		return fmt.Sprintf("%d", v.i)
	case TagFloat32, TagFloat64:
		return fmt.Sprintf("%g", v.f)
	case TagString:
		return v.s
	case TagTag:
		return "#" + v.s
	case TagLink:
		return fmt.Sprintf("@%d", v.i)
	case TagTimestamp:
		return v.TimeValue().UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("value(tag=%d)", v.tag)
}

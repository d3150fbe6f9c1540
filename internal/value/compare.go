package value

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// classRank positions each variant in the cross-tag total order. All numeric
// tags share one rank; within it they compare by magnitude and can tie.
func classRank(t Tag) int {
	switch t {
	case TagNull:
		return 0
	case TagBool:
		return 1
	case TagInt32, TagInt64, TagFloat32, TagFloat64:
		return 2
	case TagTimestamp:
		return 3
	case TagLink:
		return 4
	case TagString:
		return 5
	case TagTag:
		return 6
	}
	return 7
}

// Compare imposes the total order used for chunk sort keys. Numerics are
// unified: 18 and 18.0 compare equal regardless of tag. Non-numerics compare
// by tag rank, then by content. Equal-ranked revisions are disambiguated by
// version at the chunk layer, never here.
func Compare(a, b Value) int {
	if a.IsNumeric() && b.IsNumeric() {
		return compareNumeric(a, b)
	}

	if ra, rb := classRank(a.tag), classRank(b.tag); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch a.tag {
	case TagNull:
		return 0
	case TagBool:
		return int(a.i) - int(b.i)
	case TagString, TagTag:
		return strings.Compare(a.s, b.s)
	case TagLink:
		if Identifier(a.i) != Identifier(b.i) {
			if Identifier(a.i) < Identifier(b.i) {
				return -1
			}
			return 1
		}
		return 0
	case TagTimestamp:
		if a.i != b.i {
			if a.i < b.i {
				return -1
			}
			return 1
		}
		return 0
	}
	return 0
}

func compareNumeric(a, b Value) int {
	af, ai, aExact := a.numeric()
	bf, bi, bExact := b.numeric()

	// Exact integer comparison avoids float64 rounding for large int64s.
	if aExact && bExact {
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
		return 0
	}

	if af != bf {
		if af < bf {
			return -1
		}
		return 1
	}
	return 0
}

// EqualsIgnoreType reports whether two values belong to the same equality
// class: numerics of equal magnitude collide across tags, and string/tag
// values with identical content collide. This is the equality used for index
// lookup, manifest range dedup and bloom membership.
func EqualsIgnoreType(a, b Value) bool {
	if a.IsNumeric() && b.IsNumeric() {
		return compareNumeric(a, b) == 0
	}
	if a.IsTextual() && b.IsTextual() {
		return a.s == b.s
	}
	return a.tag == b.tag && Compare(a, b) == 0
}

// Equality-class prefixes for ClassBytes. Integral numerics and fractional
// numerics get distinct prefixes so 18, 18.0 collapse while 18.5 stays
// separate; strings and tags share one prefix.
const (
	classNull     = 0x00
	classBool     = 0x01
	classIntegral = 0x02
	classFraction = 0x03
	classText     = 0x04
	classLink     = 0x05
	classTime     = 0x06
)

// ClassBytes returns the canonical byte form of v's equality class. Two
// values for which EqualsIgnoreType holds produce identical bytes.
func (v Value) ClassBytes() []byte {
	switch v.tag {
	case TagNull:
		return []byte{classNull}
	case TagBool:
		b := byte(0)
		if v.i != 0 {
			b = 1
		}
		return []byte{classBool, b}
	case TagInt32, TagInt64, TagFloat32, TagFloat64:
		_, i, exact := v.numeric()
		if exact {
			buf := make([]byte, 9)
			buf[0] = classIntegral
			binary.BigEndian.PutUint64(buf[1:], uint64(i))
			return buf
		}
		buf := make([]byte, 9)
		buf[0] = classFraction
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		return buf
	case TagString, TagTag:
		buf := make([]byte, 1+len(v.s))
		buf[0] = classText
		copy(buf[1:], v.s)
		return buf
	case TagLink:
		buf := make([]byte, 9)
		buf[0] = classLink
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	case TagTimestamp:
		buf := make([]byte, 9)
		buf[0] = classTime
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	}
	return []byte{classNull}
}

// ClassHash returns a 64-bit hash of v's equality class: two values that
// EqualsIgnoreType hash identically.
func (v Value) ClassHash() uint64 {
	return xxhash.Sum64(v.ClassBytes())
}

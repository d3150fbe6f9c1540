package value

import (
	"encoding/binary"
	"math"

	"github.com/iamNilotpal/ember/pkg/errors"
)

// Encode returns the canonical tag-prefixed byte form of v:
// [u8 tag][payload], all multi-byte integers big-endian. Decode(Encode(v))
// reproduces v exactly, including the original numeric tag.
func (v Value) Encode() []byte {
	switch v.tag {
	case TagNull:
		return []byte{byte(TagNull)}
	case TagBool:
		b := byte(0)
		if v.i != 0 {
			b = 1
		}
		return []byte{byte(TagBool), b}
	case TagInt32:
		buf := make([]byte, 5)
		buf[0] = byte(TagInt32)
		binary.BigEndian.PutUint32(buf[1:], uint32(int32(v.i)))
		return buf
	case TagInt64:
		buf := make([]byte, 9)
		buf[0] = byte(TagInt64)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	case TagFloat32:
		buf := make([]byte, 5)
		buf[0] = byte(TagFloat32)
		binary.BigEndian.PutUint32(buf[1:], math.Float32bits(float32(v.f)))
		return buf
	case TagFloat64:
		buf := make([]byte, 9)
		buf[0] = byte(TagFloat64)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		return buf
	case TagString, TagTag:
		buf := make([]byte, 1+len(v.s))
		buf[0] = byte(v.tag)
		copy(buf[1:], v.s)
		return buf
	case TagLink:
		buf := make([]byte, 9)
		buf[0] = byte(TagLink)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	case TagTimestamp:
		buf := make([]byte, 9)
		buf[0] = byte(TagTimestamp)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	}
	// Unreachable for values built through the constructors.
	return []byte{byte(TagNull)}
}

// Decode parses a canonical tag-prefixed byte form back into a Value.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Cannot decode empty value",
		).WithField("value").WithRule("non_empty")
	}

	tag := Tag(data[0])
	payload := data[1:]

	fixed := func(n int) error {
		if len(payload) != n {
			return errors.NewValidationError(
				nil, errors.ErrorCodeInvalidInput, "Malformed value payload",
			).WithField("value").
				WithRule("payload_length").
				WithProvided(len(payload)).
				WithExpected(n)
		}
		return nil
	}

	switch tag {
	case TagNull:
		if err := fixed(0); err != nil {
			return Value{}, err
		}
		return Null(), nil
	case TagBool:
		if err := fixed(1); err != nil {
			return Value{}, err
		}
		return Bool(payload[0] != 0), nil
	case TagInt32:
		if err := fixed(4); err != nil {
			return Value{}, err
		}
		return Int32(int32(binary.BigEndian.Uint32(payload))), nil
	case TagInt64:
		if err := fixed(8); err != nil {
			return Value{}, err
		}
		return Int64(int64(binary.BigEndian.Uint64(payload))), nil
	case TagFloat32:
		if err := fixed(4); err != nil {
			return Value{}, err
		}
		return Float32(math.Float32frombits(binary.BigEndian.Uint32(payload))), nil
	case TagFloat64:
		if err := fixed(8); err != nil {
			return Value{}, err
		}
		return Float64(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case TagString:
		return String(string(payload)), nil
	case TagTag:
		return TagValue(string(payload)), nil
	case TagLink:
		if err := fixed(8); err != nil {
			return Value{}, err
		}
		return Link(Identifier(binary.BigEndian.Uint64(payload))), nil
	case TagTimestamp:
		if err := fixed(8); err != nil {
			return Value{}, err
		}
		return Value{tag: TagTimestamp, i: int64(binary.BigEndian.Uint64(payload))}, nil
	}

	return Value{}, errors.NewValidationError(
		nil, errors.ErrorCodeInvalidInput, "Unknown value tag",
	).WithField("tag").WithProvided(data[0])
}

// EncodeIdentifier returns the 8-byte big-endian form of an identifier.
func EncodeIdentifier(id Identifier) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeIdentifier parses an 8-byte big-endian identifier.
func DecodeIdentifier(data []byte) (Identifier, error) {
	if len(data) != 8 {
		return 0, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Malformed identifier",
		).WithField("identifier").
			WithRule("payload_length").
			WithProvided(len(data)).
			WithExpected(8)
	}
	return Identifier(binary.BigEndian.Uint64(data)), nil
}

// EncodePosition returns the 12-byte big-endian form of a position:
// 8 bytes of record identifier followed by 4 bytes of token index.
func EncodePosition(p Position) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf, uint64(p.Record))
	binary.BigEndian.PutUint32(buf[8:], p.Index)
	return buf
}

// DecodePosition parses a 12-byte big-endian position.
func DecodePosition(data []byte) (Position, error) {
	if len(data) != 12 {
		return Position{}, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Malformed position",
		).WithField("position").
			WithRule("payload_length").
			WithProvided(len(data)).
			WithExpected(12)
	}
	return Position{
		Record: Identifier(binary.BigEndian.Uint64(data)),
		Index:  binary.BigEndian.Uint32(data[8:]),
	}, nil
}

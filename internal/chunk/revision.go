// Package chunk implements the immutable sorted revision runs that make up
// segments. A chunk holds revisions of exactly one index flavor:
//
//   - Table:  (Identifier, Text, Value)    — field in record
//   - Index:  (Text, Value, Identifier)    — key+value back to records
//   - Corpus: (Text, Text, Position)       — key + search term to positions
//
// The three flavors share one generic Revision shape and one generic Chunk
// implementation, specialized through a Codec that carries the per-flavor
// encode/decode/compare/class functions. Operations over "a chunk" are
// polymorphic over {Seek, SeekKey, Iterate, MightContain}.
package chunk

import (
	"encoding/binary"

	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// Action discriminates the two kinds of state change a revision can carry.
type Action uint8

const (
	ActionAdd    Action = 1
	ActionRemove Action = 2
)

// Inverse returns the opposite action.
func (a Action) Inverse() Action {
	if a == ActionAdd {
		return ActionRemove
	}
	return ActionAdd
}

// Revision is a single versioned state-change event, the atomic unit of
// persistence. The type parameters bind the locator, key and value types of
// one flavor.
type Revision[L, K, V any] struct {
	Locator L
	Key     K
	Value   V
	Version uint64
	Action  Action
}

// Codec carries the per-flavor functions a generic chunk needs: canonical
// encoding, decoding, storage ordering and equality-class bytes for each of
// the three components.
type Codec[L, K, V any] struct {
	Flavor string

	EncodeLocator  func(L) []byte
	DecodeLocator  func([]byte) (L, error)
	CompareLocator func(L, L) int
	ClassLocator   func(L) []byte

	EncodeKey  func(K) []byte
	DecodeKey  func([]byte) (K, error)
	CompareKey func(K, K) int
	ClassKey   func(K) []byte

	EncodeValue  func(V) []byte
	DecodeValue  func([]byte) (V, error)
	CompareValue func(V, V) int
	ClassValue   func(V) []byte
}

// Compare imposes the chunk sort order (locator, key, value, version).
func (c Codec[L, K, V]) Compare(a, b Revision[L, K, V]) int {
	if cmp := c.CompareLocator(a.Locator, b.Locator); cmp != 0 {
		return cmp
	}
	if cmp := c.CompareKey(a.Key, b.Key); cmp != 0 {
		return cmp
	}
	if cmp := c.CompareValue(a.Value, b.Value); cmp != 0 {
		return cmp
	}
	if a.Version != b.Version {
		if a.Version < b.Version {
			return -1
		}
		return 1
	}
	return 0
}

// EncodeRevision serializes a revision in the common wire form:
// [u64 version][u8 action][u32 locator_len][locator][u32 key_len][key]
// [u32 value_len][value], big-endian throughout.
func (c Codec[L, K, V]) EncodeRevision(r Revision[L, K, V]) []byte {
	locator := c.EncodeLocator(r.Locator)
	key := c.EncodeKey(r.Key)
	val := c.EncodeValue(r.Value)

	buf := make([]byte, 0, 9+12+len(locator)+len(key)+len(val))
	buf = binary.BigEndian.AppendUint64(buf, r.Version)
	buf = append(buf, byte(r.Action))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(locator)))
	buf = append(buf, locator...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(val)))
	buf = append(buf, val...)
	return buf
}

// DecodeRevision parses the common wire form back into a revision.
func (c Codec[L, K, V]) DecodeRevision(data []byte) (Revision[L, K, V], error) {
	var rev Revision[L, K, V]

	corrupt := func() (Revision[L, K, V], error) {
		return rev, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Truncated revision",
		).WithDetail("flavor", c.Flavor).WithDetail("length", len(data))
	}

	if len(data) < 9 {
		return corrupt()
	}
	rev.Version = binary.BigEndian.Uint64(data)
	action := Action(data[8])
	if action != ActionAdd && action != ActionRemove {
		return rev, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Unknown revision action",
		).WithDetail("flavor", c.Flavor).WithDetail("action", data[8])
	}
	rev.Action = action

	offset := 9
	next := func() ([]byte, bool) {
		if offset+4 > len(data) {
			return nil, false
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if offset+length > len(data) {
			return nil, false
		}
		part := data[offset : offset+length]
		offset += length
		return part, true
	}

	locatorBytes, ok := next()
	if !ok {
		return corrupt()
	}
	keyBytes, ok := next()
	if !ok {
		return corrupt()
	}
	valueBytes, ok := next()
	if !ok || offset != len(data) {
		return corrupt()
	}

	var err error
	if rev.Locator, err = c.DecodeLocator(locatorBytes); err != nil {
		return rev, err
	}
	if rev.Key, err = c.DecodeKey(keyBytes); err != nil {
		return rev, err
	}
	if rev.Value, err = c.DecodeValue(valueBytes); err != nil {
		return rev, err
	}
	return rev, nil
}

// Concrete revision flavors.
type (
	TableRevision  = Revision[value.Identifier, value.Text, value.Value]
	IndexRevision  = Revision[value.Text, value.Value, value.Identifier]
	CorpusRevision = Revision[value.Text, value.Text, value.Position]
)

func compareIdentifier(a, b value.Identifier) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func encodeText(t value.Text) []byte { return []byte(t) }

func decodeText(data []byte) (value.Text, error) {
	return value.Intern(string(data)), nil
}

func classText(t value.Text) []byte { return []byte(t) }

func decodeValue(data []byte) (value.Value, error) { return value.Decode(data) }

// TableCodec binds the (Identifier, Text, Value) flavor.
var TableCodec = Codec[value.Identifier, value.Text, value.Value]{
	Flavor: "table",

	EncodeLocator:  value.EncodeIdentifier,
	DecodeLocator:  value.DecodeIdentifier,
	CompareLocator: compareIdentifier,
	ClassLocator:   value.EncodeIdentifier,

	EncodeKey:  encodeText,
	DecodeKey:  decodeText,
	CompareKey: value.CompareText,
	ClassKey:   classText,

	EncodeValue:  value.Value.Encode,
	DecodeValue:  decodeValue,
	CompareValue: value.Compare,
	ClassValue:   value.Value.ClassBytes,
}

// IndexCodec binds the (Text, Value, Identifier) flavor.
var IndexCodec = Codec[value.Text, value.Value, value.Identifier]{
	Flavor: "index",

	EncodeLocator:  encodeText,
	DecodeLocator:  decodeText,
	CompareLocator: value.CompareText,
	ClassLocator:   classText,

	EncodeKey:  value.Value.Encode,
	DecodeKey:  decodeValue,
	CompareKey: value.Compare,
	ClassKey:   value.Value.ClassBytes,

	EncodeValue:  value.EncodeIdentifier,
	DecodeValue:  value.DecodeIdentifier,
	CompareValue: compareIdentifier,
	ClassValue:   value.EncodeIdentifier,
}

// CorpusCodec binds the (Text, Text, Position) flavor.
var CorpusCodec = Codec[value.Text, value.Text, value.Position]{
	Flavor: "corpus",

	EncodeLocator:  encodeText,
	DecodeLocator:  decodeText,
	CompareLocator: value.CompareText,
	ClassLocator:   classText,

	EncodeKey:  encodeText,
	DecodeKey:  decodeText,
	CompareKey: value.CompareText,
	ClassKey:   classText,

	EncodeValue:  value.EncodePosition,
	DecodeValue:  value.DecodePosition,
	CompareValue: value.ComparePositions,
	ClassValue:   value.EncodePosition,
}

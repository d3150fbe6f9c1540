// Package byteable implements the serialization framing shared by every
// on-disk artifact: a length-prefixed concatenation of length-prefixed
// elements, [u32 element_len][element_bytes]... in big-endian.
//
// Writers frame on append; readers stream elements lazily without loading
// whole files, tolerating read buffers that split an element across chunks.
package byteable

import (
	"encoding/binary"
)

// Byteable is anything that can serialize itself into the canonical byte
// form consumed by the framing layer.
type Byteable interface {
	Bytes() []byte
}

// prefixSize is the width of the u32 length prefix on every element.
const prefixSize = 4

// ToBytes frames each item and concatenates the frames into one buffer.
func ToBytes(items []Byteable) []byte {
	size := 0
	frames := make([][]byte, len(items))
	for i, item := range items {
		frames[i] = item.Bytes()
		size += prefixSize + len(frames[i])
	}

	buf := make([]byte, 0, size)
	for _, frame := range frames {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(frame)))
		buf = append(buf, frame...)
	}
	return buf
}

// AppendFrame frames element onto buf and returns the extended buffer.
func AppendFrame(buf, element []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(element)))
	return append(buf, element...)
}

// FrameSize returns the number of bytes a framed element occupies.
func FrameSize(element []byte) int {
	return prefixSize + len(element)
}

// Iterator walks framed elements inside an in-memory buffer. The yielded
// slices alias the buffer; callers that retain them must copy.
type Iterator struct {
	buf     []byte
	offset  int
	current []byte
	err     error
}

// NewIterator returns an iterator over the framed elements in buf.
func NewIterator(buf []byte) *Iterator {
	return &Iterator{buf: buf}
}

// Next advances to the next element. It returns false at the end of the
// buffer or on corruption; distinguish the two with Err.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	remaining := len(it.buf) - it.offset
	if remaining < prefixSize {
		// An incomplete length prefix marks a clean end of the stream.
		return false
	}

	length := binary.BigEndian.Uint32(it.buf[it.offset:])
	if length == 0 {
		// Zero-filled tail of a pre-allocated page; nothing further.
		return false
	}

	start := it.offset + prefixSize
	end := start + int(length)
	if end > len(it.buf) {
		it.err = truncationError(int64(it.offset), int(length), remaining-prefixSize)
		return false
	}

	it.current = it.buf[start:end]
	it.offset = end
	return true
}

// Value returns the element Next advanced to.
func (it *Iterator) Value() []byte {
	return it.current
}

// Err returns the corruption error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Offset returns the byte position of the iterator within the buffer: the
// start of the next unread frame.
func (it *Iterator) Offset() int {
	return it.offset
}

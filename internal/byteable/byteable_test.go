package byteable

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/pkg/errors"
)

type rawBytes []byte

func (r rawBytes) Bytes() []byte { return r }

func frame(elements ...[]byte) []byte {
	var buf []byte
	for _, e := range elements {
		buf = AppendFrame(buf, e)
	}
	return buf
}

func TestToBytes(t *testing.T) {
	buf := ToBytes([]Byteable{rawBytes("abc"), rawBytes("defgh")})

	it := NewIterator(buf)
	require.True(t, it.Next())
	assert.Equal(t, []byte("abc"), it.Value())

	require.True(t, it.Next())
	assert.Equal(t, []byte("defgh"), it.Value())

	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.Equal(t, len(buf), it.Offset())
}

func TestIteratorStopsOnZeroLength(t *testing.T) {
	buf := frame([]byte("live"))
	buf = append(buf, make([]byte, 64)...) // zero-filled page tail

	it := NewIterator(buf)
	require.True(t, it.Next())
	assert.Equal(t, []byte("live"), it.Value())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestIteratorMidElementTruncation(t *testing.T) {
	buf := frame([]byte("complete"))
	buf = binary.BigEndian.AppendUint32(buf, 100)
	buf = append(buf, []byte("short")...)

	it := NewIterator(buf)
	require.True(t, it.Next())
	assert.False(t, it.Next())
	require.Error(t, it.Err())
	assert.Equal(t, errors.ErrorCodeCorruption, errors.GetErrorCode(it.Err()))
}

func TestIteratorIncompletePrefixIsCleanEnd(t *testing.T) {
	buf := frame([]byte("complete"))
	buf = append(buf, 0x00, 0x00) // half a length prefix

	it := NewIterator(buf)
	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestStream(t *testing.T) {
	elements := [][]byte{
		[]byte("first"),
		make([]byte, 300), // spans several tiny read buffers
		[]byte("third"),
	}
	for i := range elements[1] {
		elements[1][i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "stream.dat")
	require.NoError(t, os.WriteFile(path, frame(elements...), 0644))

	t.Run("tiny buffer splits frames", func(t *testing.T) {
		stream, err := NewStream(path, 7)
		require.NoError(t, err)
		defer func() { require.NoError(t, stream.Close()) }()

		var got [][]byte
		for stream.Next() {
			element := make([]byte, len(stream.Value()))
			copy(element, stream.Value())
			got = append(got, element)
		}
		require.NoError(t, stream.Err())
		assert.Equal(t, elements, got)
	})

	t.Run("large buffer", func(t *testing.T) {
		stream, err := NewStream(path, 1<<16)
		require.NoError(t, err)
		defer func() { require.NoError(t, stream.Close()) }()

		count := 0
		for stream.Next() {
			count++
		}
		require.NoError(t, stream.Err())
		assert.Equal(t, len(elements), count)
	})

	t.Run("abandoned iteration still closes", func(t *testing.T) {
		stream, err := NewStream(path, 8)
		require.NoError(t, err)
		require.True(t, stream.Next())
		require.NoError(t, stream.Close())
		require.NoError(t, stream.Close(), "double close is safe")
		assert.False(t, stream.Next())
	})
}

func TestStreamTruncation(t *testing.T) {
	buf := frame([]byte("whole"))
	buf = binary.BigEndian.AppendUint32(buf, 50)
	buf = append(buf, []byte("cut")...)

	path := filepath.Join(t.TempDir(), "truncated.dat")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	stream, err := NewStream(path, 16)
	require.NoError(t, err)
	defer func() { require.NoError(t, stream.Close()) }()

	require.True(t, stream.Next())
	assert.False(t, stream.Next())
	require.Error(t, stream.Err())
	assert.Equal(t, errors.ErrorCodeCorruption, errors.GetErrorCode(stream.Err()))
}

func TestStreamIncompletePrefixAtEOF(t *testing.T) {
	buf := frame([]byte("whole"))
	buf = append(buf, 0x00, 0x01) // incomplete prefix

	path := filepath.Join(t.TempDir(), "partial.dat")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	stream, err := NewStream(path, 16)
	require.NoError(t, err)
	defer func() { require.NoError(t, stream.Close()) }()

	require.True(t, stream.Next())
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
}

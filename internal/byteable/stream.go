package byteable

import (
	"io"
	"os"
	"path/filepath"

	"github.com/iamNilotpal/ember/pkg/errors"
)

// Stream reads framed elements from a file in fixed-size read buffers,
// reassembling elements that span buffer boundaries. It holds an open file
// handle and must be closed, even when the consumer abandons iteration.
type Stream struct {
	file    *os.File
	path    string
	buf     []byte // read buffer, refilled from the file
	pending []byte // unconsumed tail carried across refills
	current []byte
	read    int64 // total bytes consumed from the file
	eof     bool
	err     error
	closed  bool
}

// NewStream opens the file at path for streaming with the given read buffer
// size.
func NewStream(path string, bufferSize int) (*Stream, error) {
	if bufferSize < prefixSize {
		bufferSize = prefixSize
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, filepath.Base(path))
	}
	return &Stream{file: file, path: path, buf: make([]byte, bufferSize)}, nil
}

// Next advances to the next element, refilling from the file as needed.
// It returns false at end-of-file or on corruption; distinguish with Err.
func (s *Stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}

	for {
		// Try to decode a whole frame from what we have buffered.
		if len(s.pending) >= prefixSize {
			length := int(uint32(s.pending[0])<<24 | uint32(s.pending[1])<<16 |
				uint32(s.pending[2])<<8 | uint32(s.pending[3]))
			if length == 0 {
				return false
			}
			if len(s.pending) >= prefixSize+length {
				s.current = s.pending[prefixSize : prefixSize+length]
				s.pending = s.pending[prefixSize+length:]
				return true
			}
			if s.eof {
				// The prefix promised more bytes than the file holds.
				s.err = truncationError(s.read, length, len(s.pending)-prefixSize)
				return false
			}
		} else if s.eof {
			// An incomplete length prefix at end-of-file is a clean stop.
			return false
		}

		if !s.refill() {
			if s.err != nil {
				return false
			}
			// refill only reports no-progress at EOF; loop once more to
			// classify the leftover bytes above.
			continue
		}
	}
}

// refill reads the next buffer from the file, appending to the pending tail.
// Returns false when no bytes were read. Readers may legally return (0, nil);
// retry until progress, EOF or a real error.
func (s *Stream) refill() bool {
	var n int
	var err error
	for {
		n, err = s.file.Read(s.buf)
		if n > 0 || err != nil {
			break
		}
	}
	if n > 0 {
		// Compact: move the unconsumed tail to the front before appending so
		// pending never grows beyond one element plus one read buffer.
		joined := make([]byte, 0, len(s.pending)+n)
		joined = append(joined, s.pending...)
		joined = append(joined, s.buf[:n]...)
		s.pending = joined
		s.read += int64(n)
	}
	if err == io.EOF {
		s.eof = true
		return n > 0
	}
	if err != nil {
		s.err = errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to read framed stream").
			WithPath(s.path).
			WithFileName(filepath.Base(s.path)).
			WithOffset(s.read)
		return false
	}
	return n > 0
}

// Value returns the element Next advanced to. The slice is valid until the
// next call to Next.
func (s *Stream) Value() []byte {
	return s.current
}

// Err returns the error that stopped iteration, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying file handle. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// truncationError builds the corruption error for an element cut off in the
// middle: the prefix promised more bytes than remain.
func truncationError(offset int64, promised, available int) error {
	return errors.NewStorageError(
		nil, errors.ErrorCodeCorruption, "Truncated element in framed stream",
	).WithOffset(offset).
		WithDetail("promised", promised).
		WithDetail("available", available)
}

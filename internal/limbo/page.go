package limbo

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/iamNilotpal/ember/internal/byteable"
	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/filesys"
	"github.com/iamNilotpal/ember/pkg/seginfo"
)

const (
	pageMagic uint32 = 0x11A6B0F5

	// magic(4) + page_seq(4); the write stream begins right after.
	pageHeaderSize = 8

	// A sealed page ends its stream with a zero length terminator followed
	// by the crc32 of everything before the terminator.
	pageFooterSize = 8
)

// page is one fixed-size memory-mapped file of the write buffer. The head
// page accepts appends; a rotated page is sealed with a crc and becomes
// transport-eligible.
type page struct {
	seq    uint64
	path   string
	file   *os.File
	data   mmap.MMap
	offset int // next append position within data

	writes     []Write // decoded contents, insertion order
	maxVersion uint64
	sealed     bool
}

// createPage allocates a fresh zero-filled page file of the given size and
// maps it for writing.
func createPage(dir string, seq uint64, size int) (*page, error) {
	name := seginfo.PageName(seq)
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, name)
	}
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to size buffer page").
			WithPath(path).WithFileName(name)
	}

	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		_ = file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to map buffer page").
			WithPath(path).WithFileName(name)
	}

	binary.BigEndian.PutUint32(data, pageMagic)
	binary.BigEndian.PutUint32(data[4:], uint32(seq))

	return &page{
		seq:    seq,
		path:   path,
		file:   file,
		data:   data,
		offset: pageHeaderSize,
	}, nil
}

// openPage maps an existing page file and replays its write stream into
// memory. sealed tells the parser whether to demand a valid crc footer:
// rotated pages have one, the active head page does not.
func openPage(path string, expectSeq uint64, sealed bool) (*page, error) {
	name := filepath.Base(path)

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, name)
	}
	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		_ = file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to map buffer page").
			WithPath(path).WithFileName(name)
	}

	p := &page{seq: expectSeq, path: path, file: file, data: data, sealed: sealed}

	fail := func(cause error, msg string) (*page, error) {
		_ = p.close()
		return nil, errors.NewStorageError(cause, errors.ErrorCodeCorruption, msg).
			WithPath(path).WithFileName(name)
	}

	if len(data) < pageHeaderSize+pageFooterSize || binary.BigEndian.Uint32(data) != pageMagic {
		return fail(nil, "Buffer page has no valid header")
	}
	if seq := uint64(binary.BigEndian.Uint32(data[4:])); seq != expectSeq {
		return fail(nil, "Buffer page sequence does not match its file name")
	}

	// Replay the framed write stream. The zero-filled tail (or the zero
	// terminator of a sealed page) stops the iterator cleanly; a mid-frame
	// truncation is corruption.
	it := byteable.NewIterator(data[pageHeaderSize:])
	for it.Next() {
		rev, err := chunk.TableCodec.DecodeRevision(it.Value())
		if err != nil {
			return fail(err, "Buffer page contains an undecodable write")
		}
		w := fromRevision(rev)
		p.writes = append(p.writes, w)
		if w.Version > p.maxVersion {
			p.maxVersion = w.Version
		}
	}
	if err := it.Err(); err != nil {
		return fail(err, "Buffer page write stream is truncated")
	}
	p.offset = pageHeaderSize + it.Offset()

	if sealed {
		// Terminator then crc32 of everything before it.
		if p.offset+pageFooterSize > len(data) {
			return fail(nil, "Sealed buffer page is missing its footer")
		}
		stored := binary.BigEndian.Uint32(data[p.offset+4:])
		if crc32.ChecksumIEEE(data[:p.offset]) != stored {
			return fail(nil, "Sealed buffer page checksum mismatch")
		}
	}

	return p, nil
}

// fits reports whether a frame of the given payload size can be appended
// while leaving room for the seal footer.
func (p *page) fits(payload int) bool {
	return p.offset+4+payload+pageFooterSize <= len(p.data)
}

// append frames the encoded write into the mapped region and records it in
// the in-memory list. The caller holds the limbo lock.
func (p *page) append(w Write, encoded []byte) {
	framed := byteable.AppendFrame(p.data[p.offset:p.offset], encoded)
	p.offset += len(framed)
	p.writes = append(p.writes, w)
	if w.Version > p.maxVersion {
		p.maxVersion = w.Version
	}
}

// seal writes the terminator and crc footer and syncs the page. After seal
// the page is transport-eligible and never written again.
func (p *page) seal() error {
	binary.BigEndian.PutUint32(p.data[p.offset:], 0)
	binary.BigEndian.PutUint32(p.data[p.offset+4:], crc32.ChecksumIEEE(p.data[:p.offset]))
	p.sealed = true

	if err := p.data.Flush(); err != nil {
		return errors.ClassifySyncError(err, filepath.Base(p.path), p.path, int64(p.offset))
	}
	return nil
}

// flush syncs the mapped region to disk.
func (p *page) flush() error {
	if err := p.data.Flush(); err != nil {
		return errors.ClassifySyncError(err, filepath.Base(p.path), p.path, int64(p.offset))
	}
	return nil
}

// close unmaps and closes the page file without deleting it.
func (p *page) close() error {
	var err error
	if p.data != nil {
		err = p.data.Unmap()
		p.data = nil
	}
	if p.file != nil {
		if closeErr := p.file.Close(); err == nil {
			err = closeErr
		}
		p.file = nil
	}
	return err
}

// remove closes the page and deletes its file, called after its contents
// are durable in a sealed segment. Deletion may race shutdown cleanup, so
// an already-gone file is fine.
func (p *page) remove() error {
	if err := p.close(); err != nil {
		return err
	}
	return filesys.Remove(p.path)
}

// Package segment implements the immutable chunk triples produced by
// transport batches, and the store that tracks every sealed segment of a
// database.
//
// A segment is fully visible or fully invisible. Sealing writes and fsyncs
// the three chunk files first, then the header; startup recovery treats a
// missing or unreadable artifact as an incomplete triple and discards the
// whole segment, so a crash between chunk writes can never surface partial
// state.
package segment

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/filesys"
	"github.com/iamNilotpal/ember/pkg/seginfo"
)

const (
	headerMagic uint32 = 0x5E61E217
	headerTag   uint32 = 1

	// magic(4) + format(4) + ordinal(8) + min(8) + max(8) + three chunk
	// crcs(12) + header crc(4).
	headerSize = 48
)

// Segment is one sealed (Table, Index, Corpus) chunk triple sharing a
// version interval, identified by its ordinal.
type Segment struct {
	Ordinal    uint64
	MinVersion uint64
	MaxVersion uint64

	Table  *chunk.TableChunk
	Index  *chunk.IndexChunk
	Corpus *chunk.CorpusChunk

	tableCrc  uint32
	indexCrc  uint32
	corpusCrc uint32
}

// sameContent reports whether two segments carry byte-identical chunk
// triples over the same version interval: the duplicate test used by
// startup recovery.
func (s *Segment) sameContent(other *Segment) bool {
	return s.MinVersion == other.MinVersion &&
		s.MaxVersion == other.MaxVersion &&
		s.tableCrc == other.tableCrc &&
		s.indexCrc == other.indexCrc &&
		s.corpusCrc == other.corpusCrc
}

// Close releases the mapped chunk files.
func (s *Segment) Close() error {
	return multierr.Combine(s.Table.Close(), s.Index.Close(), s.Corpus.Close())
}

// Builder accumulates one transport batch into three mutable chunks and
// seals them into a segment.
type Builder struct {
	ordinal    uint64
	minVersion uint64
	maxVersion uint64

	Table  *chunk.TableChunk
	Index  *chunk.IndexChunk
	Corpus *chunk.CorpusChunk
}

// NewBuilder creates a builder for the segment with the given ordinal,
// sizing the chunk bloom filters for the expected batch size.
func NewBuilder(ordinal uint64, expectedWrites int, fpp float64) *Builder {
	return &Builder{
		ordinal: ordinal,
		Table:   chunk.NewMutable(chunk.TableCodec, expectedWrites, fpp),
		Index:   chunk.NewMutable(chunk.IndexCodec, expectedWrites, fpp),
		Corpus:  chunk.NewMutable(chunk.CorpusCodec, expectedWrites*4, fpp),
	}
}

// Observe widens the builder's version interval to include v.
func (b *Builder) Observe(v uint64) {
	if b.minVersion == 0 || v < b.minVersion {
		b.minVersion = v
	}
	if v > b.maxVersion {
		b.maxVersion = v
	}
}

// Seal writes the three chunk files and the header into dir and reopens the
// chunks from disk, returning the finished segment. Order matters: chunks
// first, directory sync, then the header that makes the triple discoverable.
func (b *Builder) Seal(dir string) (*Segment, error) {
	tablePath := filepath.Join(dir, seginfo.SegmentName(b.ordinal, seginfo.TableSuffix))
	indexPath := filepath.Join(dir, seginfo.SegmentName(b.ordinal, seginfo.IndexSuffix))
	corpusPath := filepath.Join(dir, seginfo.SegmentName(b.ordinal, seginfo.CorpusSuffix))

	if err := b.Table.Seal(tablePath); err != nil {
		return nil, err
	}
	if err := b.Index.Seal(indexPath); err != nil {
		return nil, err
	}
	if err := b.Corpus.Seal(corpusPath); err != nil {
		return nil, err
	}
	if err := filesys.SyncDir(dir); err != nil {
		return nil, errors.ClassifySyncError(err, filepath.Base(dir), dir, 0)
	}

	seg := &Segment{
		Ordinal:    b.ordinal,
		MinVersion: b.minVersion,
		MaxVersion: b.maxVersion,
		tableCrc:   b.Table.Checksum(),
		indexCrc:   b.Index.Checksum(),
		corpusCrc:  b.Corpus.Checksum(),
	}

	if err := writeHeader(dir, seg); err != nil {
		return nil, err
	}
	if err := filesys.SyncDir(dir); err != nil {
		return nil, errors.ClassifySyncError(err, filepath.Base(dir), dir, 0)
	}

	// Serve reads through the same path recovery uses: the mapped files.
	var err error
	if seg.Table, err = chunk.Open(tablePath, chunk.TableCodec); err != nil {
		return nil, err
	}
	if seg.Index, err = chunk.Open(indexPath, chunk.IndexCodec); err != nil {
		_ = seg.Table.Close()
		return nil, err
	}
	if seg.Corpus, err = chunk.Open(corpusPath, chunk.CorpusCodec); err != nil {
		_ = seg.Table.Close()
		_ = seg.Index.Close()
		return nil, err
	}
	return seg, nil
}

func writeHeader(dir string, seg *Segment) error {
	buf := make([]byte, 0, headerSize)
	buf = binary.BigEndian.AppendUint32(buf, headerMagic)
	buf = binary.BigEndian.AppendUint32(buf, headerTag)
	buf = binary.BigEndian.AppendUint64(buf, seg.Ordinal)
	buf = binary.BigEndian.AppendUint64(buf, seg.MinVersion)
	buf = binary.BigEndian.AppendUint64(buf, seg.MaxVersion)
	buf = binary.BigEndian.AppendUint32(buf, seg.tableCrc)
	buf = binary.BigEndian.AppendUint32(buf, seg.indexCrc)
	buf = binary.BigEndian.AppendUint32(buf, seg.corpusCrc)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	name := seginfo.SegmentName(seg.Ordinal, seginfo.HeaderSuffix)
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.ClassifyFileOpenError(err, path, name)
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to write segment header").
			WithPath(path).WithFileName(name).WithOrdinal(seg.Ordinal)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return errors.ClassifySyncError(err, name, path, headerSize)
	}
	return file.Close()
}

// readHeader parses and validates a segment header file. The returned
// segment has its metadata populated but no chunks opened yet.
func readHeader(dir string, ordinal uint64) (*Segment, error) {
	name := seginfo.SegmentName(ordinal, seginfo.HeaderSuffix)
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, name)
	}

	corrupt := func(msg string) (*Segment, error) {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeCorruption, msg).
			WithPath(path).WithFileName(name).WithOrdinal(ordinal)
	}

	if len(data) != headerSize || binary.BigEndian.Uint32(data) != headerMagic {
		return corrupt("Segment header is malformed")
	}
	if crc32.ChecksumIEEE(data[:headerSize-4]) != binary.BigEndian.Uint32(data[headerSize-4:]) {
		return corrupt("Segment header checksum mismatch")
	}
	if stored := binary.BigEndian.Uint64(data[8:]); stored != ordinal {
		return corrupt("Segment header ordinal does not match its file name")
	}

	return &Segment{
		Ordinal:    ordinal,
		MinVersion: binary.BigEndian.Uint64(data[16:]),
		MaxVersion: binary.BigEndian.Uint64(data[24:]),
		tableCrc:   binary.BigEndian.Uint32(data[32:]),
		indexCrc:   binary.BigEndian.Uint32(data[36:]),
		corpusCrc:  binary.BigEndian.Uint32(data[40:]),
	}, nil
}

package chunk

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/btree"

	"github.com/iamNilotpal/ember/internal/bloom"
	"github.com/iamNilotpal/ember/internal/byteable"
	"github.com/iamNilotpal/ember/internal/manifest"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// State tracks a chunk through its life: MUTABLE accepts inserts, SEALED has
// been durably written and serves reads from memory, LOADED is mapped back
// from disk and serves reads through its manifest.
type State uint8

const (
	StateMutable State = iota
	StateSealed
	StateLoaded
)

const (
	chunkMagic uint32 = 0xE3B0C442
	formatTag  uint32 = 1

	// Fixed header: magic(4) + format(4) + count(8) + manifestOff(8) +
	// bloomOff(8). The two offsets are patched once the stream length is
	// known; the revision stream always begins at headerSize.
	headerSize = 32

	btreeDegree = 16
)

// Chunk is a sorted run of revisions of one flavor. While mutable it keeps a
// btree-backed sorted structure, a bloom filter and (at seal time) a growing
// manifest; once sealed and reopened it is an immutable memory-mapped file.
type Chunk[L, K, V any] struct {
	codec Codec[L, K, V]

	mu     sync.RWMutex
	state  State
	tree   *btree.BTreeG[Revision[L, K, V]]
	filter *bloom.Filter
	man    *manifest.Manifest

	// Loaded-state fields.
	path     string
	file     *os.File
	data     mmap.MMap
	count    uint64
	checksum uint32
}

// NewMutable creates an empty mutable chunk sized for the expected number of
// insertions at the given bloom false-positive probability.
func NewMutable[L, K, V any](codec Codec[L, K, V], expectedInsertions int, fpp float64) *Chunk[L, K, V] {
	return &Chunk[L, K, V]{
		codec: codec,
		state: StateMutable,
		tree: btree.NewG(btreeDegree, func(a, b Revision[L, K, V]) bool {
			return codec.Compare(a, b) < 0
		}),
		filter: bloom.New(expectedInsertions, fpp),
		man:    manifest.New(),
	}
}

func (c *Chunk[L, K, V]) composite(locator L, key K, val V) []byte {
	return bloom.Composite(
		c.codec.ClassLocator(locator),
		c.codec.ClassKey(key),
		c.codec.ClassValue(val),
	)
}

// Insert adds a revision to a mutable chunk. Two revisions may never share
// both an ordering rank and a version; a duplicate fails fast rather than
// being silently merged or tie-broken.
func (c *Chunk[L, K, V]) Insert(rev Revision[L, K, V]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateMutable {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Cannot insert into sealed chunk",
		).WithDetail("flavor", c.codec.Flavor).WithDetail("state", c.state)
	}

	if _, exists := c.tree.Get(rev); exists {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Duplicate revision rank and version",
		).WithDetail("flavor", c.codec.Flavor).WithDetail("version", rev.Version)
	}

	c.tree.ReplaceOrInsert(rev)
	c.filter.Put(c.composite(rev.Locator, rev.Key, rev.Value))
	return nil
}

// Len returns the number of revisions in the chunk.
func (c *Chunk[L, K, V]) Len() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateLoaded {
		return c.count
	}
	return uint64(c.tree.Len())
}

// State returns the chunk's lifecycle state.
func (c *Chunk[L, K, V]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Checksum returns the crc32 of the sealed file. Zero for mutable chunks.
func (c *Chunk[L, K, V]) Checksum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checksum
}

// Seal writes the chunk to path as an immutable artifact: header, sorted
// revision stream, manifest, bloom filter and a trailing crc32, then fsyncs.
// The chunk transitions to SEALED and further inserts fail.
func (c *Chunk[L, K, V]) Seal(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateMutable {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Chunk is already sealed",
		).WithPath(path).WithDetail("flavor", c.codec.Flavor)
	}

	buf := make([]byte, headerSize, headerSize+c.tree.Len()*64)
	binary.BigEndian.PutUint32(buf[0:], chunkMagic)
	binary.BigEndian.PutUint32(buf[4:], formatTag)
	binary.BigEndian.PutUint64(buf[8:], uint64(c.tree.Len()))

	// Stream the sorted run, growing the manifest as byte ranges become
	// known.
	var appendErr error
	c.tree.Ascend(func(rev Revision[L, K, V]) bool {
		start := int64(len(buf))
		buf = byteable.AppendFrame(buf, c.codec.EncodeRevision(rev))
		appendErr = c.man.Append(
			c.codec.ClassLocator(rev.Locator),
			c.codec.ClassKey(rev.Key),
			start, int64(len(buf)),
		)
		return appendErr == nil
	})
	if appendErr != nil {
		return appendErr
	}

	c.man.Seal()
	manifestOff := uint64(len(buf))
	buf = append(buf, c.man.Bytes()...)
	bloomOff := uint64(len(buf))
	buf = append(buf, c.filter.Bytes()...)
	binary.BigEndian.PutUint64(buf[16:], manifestOff)
	binary.BigEndian.PutUint64(buf[24:], bloomOff)

	sum := crc32.ChecksumIEEE(buf)
	buf = binary.BigEndian.AppendUint32(buf, sum)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.ClassifyFileOpenError(err, path, filepath.Base(path))
	}
	if _, err := file.Write(buf); err != nil {
		_ = file.Close()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to write chunk file").
			WithPath(path).WithFileName(filepath.Base(path))
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return errors.ClassifySyncError(err, filepath.Base(path), path, int64(len(buf)))
	}
	if err := file.Close(); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to close chunk file").
			WithPath(path).WithFileName(filepath.Base(path))
	}

	c.state = StateSealed
	c.path = path
	c.count = uint64(c.tree.Len())
	c.checksum = sum
	return nil
}

// Open maps a sealed chunk file and validates its integrity. A checksum
// mismatch quarantines the chunk: the error carries CORRUPTION and the
// caller continues serving other chunks.
func Open[L, K, V any](path string, codec Codec[L, K, V]) (*Chunk[L, K, V], error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, filepath.Base(path))
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		_ = file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to map chunk file").
			WithPath(path).WithFileName(filepath.Base(path))
	}

	fail := func(cause error, msg string) (*Chunk[L, K, V], error) {
		_ = data.Unmap()
		_ = file.Close()
		return nil, errors.NewStorageError(cause, errors.ErrorCodeCorruption, msg).
			WithPath(path).WithFileName(filepath.Base(path))
	}

	if len(data) < headerSize+4 || binary.BigEndian.Uint32(data) != chunkMagic {
		return fail(nil, "Chunk file has no valid header")
	}
	if tag := binary.BigEndian.Uint32(data[4:]); tag != formatTag {
		return fail(nil, "Unsupported chunk format tag")
	}

	body := data[:len(data)-4]
	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != stored {
		return fail(nil, "Chunk checksum mismatch")
	}

	count := binary.BigEndian.Uint64(data[8:])
	manifestOff := binary.BigEndian.Uint64(data[16:])
	bloomOff := binary.BigEndian.Uint64(data[24:])
	if manifestOff < headerSize || bloomOff < manifestOff || bloomOff > uint64(len(body)) {
		return fail(nil, "Chunk artifact offsets out of bounds")
	}

	man, err := manifest.Load(body[manifestOff:bloomOff])
	if err != nil {
		return fail(err, "Chunk manifest failed to load")
	}
	filter, err := bloom.Load(body[bloomOff:])
	if err != nil {
		return fail(err, "Chunk bloom filter failed to load")
	}

	return &Chunk[L, K, V]{
		codec:    codec,
		state:    StateLoaded,
		man:      man,
		filter:   filter,
		path:     path,
		file:     file,
		data:     data,
		count:    count,
		checksum: stored,
	}, nil
}

// Close unmaps and closes a loaded chunk. Safe to call on any state and more
// than once.
func (c *Chunk[L, K, V]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.data != nil {
		err = c.data.Unmap()
		c.data = nil
	}
	if c.file != nil {
		if closeErr := c.file.Close(); err == nil {
			err = closeErr
		}
		c.file = nil
	}
	return err
}

// MightContain is the bloom-gated membership check for a (locator, key,
// value) triple, collapsing tags before probing.
func (c *Chunk[L, K, V]) MightContain(locator L, key K, val V) bool {
	return c.filter.MightContain(c.composite(locator, key, val))
}

// Seek returns every revision of the given locator, in storage order,
// constraining file I/O to the manifest's byte range.
func (c *Chunk[L, K, V]) Seek(locator L) ([]Revision[L, K, V], error) {
	locClass := c.codec.ClassLocator(locator)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateLoaded {
		return c.seekTree(func(rev Revision[L, K, V]) bool {
			return bytes.Equal(c.codec.ClassLocator(rev.Locator), locClass)
		}), nil
	}

	rng, ok := c.man.LookupLocator(locClass)
	if !ok {
		return nil, nil
	}
	return c.scanRange(rng, func(rev Revision[L, K, V]) bool {
		return bytes.Equal(c.codec.ClassLocator(rev.Locator), locClass)
	})
}

// SeekKey returns every revision of the given (locator, key) pair, in
// storage order. Key equality is tag-collapsed.
func (c *Chunk[L, K, V]) SeekKey(locator L, key K) ([]Revision[L, K, V], error) {
	locClass := c.codec.ClassLocator(locator)
	keyClass := c.codec.ClassKey(key)
	match := func(rev Revision[L, K, V]) bool {
		return bytes.Equal(c.codec.ClassLocator(rev.Locator), locClass) &&
			bytes.Equal(c.codec.ClassKey(rev.Key), keyClass)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateLoaded {
		return c.seekTree(match), nil
	}

	rng, ok := c.man.Lookup(locClass, keyClass)
	if !ok {
		return nil, nil
	}
	return c.scanRange(rng, match)
}

// Iterate walks every revision in storage order, stopping on the first
// error returned by fn.
func (c *Chunk[L, K, V]) Iterate(fn func(Revision[L, K, V]) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateLoaded {
		var iterErr error
		c.tree.Ascend(func(rev Revision[L, K, V]) bool {
			iterErr = fn(rev)
			return iterErr == nil
		})
		return iterErr
	}

	manifestOff := int64(binary.BigEndian.Uint64(c.data[16:]))
	revs, err := c.scanRange(manifest.Range{Start: headerSize, End: manifestOff}, nil)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if err := fn(rev); err != nil {
			return err
		}
	}
	return nil
}

// seekTree collects matching revisions from the in-memory sorted run.
func (c *Chunk[L, K, V]) seekTree(match func(Revision[L, K, V]) bool) []Revision[L, K, V] {
	var out []Revision[L, K, V]
	c.tree.Ascend(func(rev Revision[L, K, V]) bool {
		if match(rev) {
			out = append(out, rev)
		}
		return true
	})
	return out
}

// scanRange decodes the framed revisions inside [rng.Start, rng.End) of the
// mapped file, keeping those that satisfy match (nil keeps all). A decode
// failure inside a checksummed region means in-memory corruption; it is
// surfaced, not skipped.
func (c *Chunk[L, K, V]) scanRange(rng manifest.Range, match func(Revision[L, K, V]) bool) ([]Revision[L, K, V], error) {
	if rng.Start < headerSize || rng.End > int64(len(c.data)) || rng.Start > rng.End {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Manifest range out of chunk bounds",
		).WithPath(c.path).WithOffset(rng.Start)
	}

	var out []Revision[L, K, V]
	it := byteable.NewIterator(c.data[rng.Start:rng.End])
	for it.Next() {
		rev, err := c.codec.DecodeRevision(it.Value())
		if err != nil {
			return nil, err
		}
		if match == nil || match(rev) {
			out = append(out, rev)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Concrete chunk flavors.
type (
	TableChunk  = Chunk[value.Identifier, value.Text, value.Value]
	IndexChunk  = Chunk[value.Text, value.Value, value.Identifier]
	CorpusChunk = Chunk[value.Text, value.Text, value.Position]
)

// Package manifest implements the sparse offset index attached to every
// chunk: a mapping from each distinct locator, and each (locator, key) pair,
// to the byte range [start, end) covering all of its revisions inside the
// chunk's sorted stream. Seeks consult the manifest to constrain I/O to the
// relevant range instead of scanning the whole revision stream.
//
// Entries de-duplicate on tag-collapsed equality classes: two keys whose
// value components collapse to the same class share a single combined range,
// which is a covering range when the collapsed classes are not adjacent in
// storage order. Readers always filter the scanned range, so a covering
// range is a performance detail, never a correctness one.
package manifest

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/iamNilotpal/ember/internal/byteable"
	"github.com/iamNilotpal/ember/pkg/errors"
)

const manifestMagic uint32 = 0x3A21F357

// Range is a half-open byte interval [Start, End) inside a chunk's revision
// stream.
type Range struct {
	Start int64
	End   int64
}

// Manifest accumulates ranges while its chunk is mutable and serves lookups
// after seal. Safe for concurrent Append and Lookup.
type Manifest struct {
	mu       sync.RWMutex
	locators map[string]*Range
	pairs    map[string]*Range
	sealed   bool
}

// New returns an empty mutable manifest.
func New() *Manifest {
	return &Manifest{
		locators: make(map[string]*Range),
		pairs:    make(map[string]*Range),
	}
}

// pairKey composes the (locator, key) map key. Parts are length-framed so
// adjacent parts cannot alias.
func pairKey(locatorClass, keyClass []byte) string {
	buf := byteable.AppendFrame(nil, locatorClass)
	buf = byteable.AppendFrame(buf, keyClass)
	return string(buf)
}

// Append extends the ranges of the given locator and (locator, key) classes
// to cover [start, end). Called once per revision while the chunk is
// mutable; appending to a sealed manifest is an internal error.
func (m *Manifest) Append(locatorClass, keyClass []byte, start, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Cannot append to sealed manifest",
		)
	}

	extend(m.locators, string(locatorClass), start, end)
	extend(m.pairs, pairKey(locatorClass, keyClass), start, end)
	return nil
}

func extend(entries map[string]*Range, key string, start, end int64) {
	if r, ok := entries[key]; ok {
		if start < r.Start {
			r.Start = start
		}
		if end > r.End {
			r.End = end
		}
		return
	}
	entries[key] = &Range{Start: start, End: end}
}

// Seal finalizes the manifest; further appends fail.
func (m *Manifest) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// LookupLocator returns the byte range covering every revision of the given
// locator class.
func (m *Manifest) LookupLocator(locatorClass []byte) (Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.locators[string(locatorClass)]; ok {
		return *r, true
	}
	return Range{}, false
}

// Lookup returns the byte range covering every revision of the given
// (locator, key) class pair.
func (m *Manifest) Lookup(locatorClass, keyClass []byte) (Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.pairs[pairKey(locatorClass, keyClass)]; ok {
		return *r, true
	}
	return Range{}, false
}

// Locators returns the distinct locator classes present, in sorted order.
// Used by iteration paths that enumerate a chunk's population.
func (m *Manifest) Locators() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.locators))
	for k := range m.locators {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}

// Len returns the number of distinct locator classes.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locators)
}

// Bytes serializes the manifest as its own artifact so it can be loaded
// without forcing the revision stream into memory. Entries are written in
// sorted key order for deterministic output.
func (m *Manifest) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint32(buf, manifestMagic)
	buf = appendEntries(buf, m.locators)
	buf = appendEntries(buf, m.pairs)
	return buf
}

func appendEntries(buf []byte, entries map[string]*Range) []byte {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		r := entries[k]
		buf = byteable.AppendFrame(buf, []byte(k))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.Start))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.End))
	}
	return buf
}

// Load reconstructs a sealed manifest from its serialized form.
func Load(data []byte) (*Manifest, error) {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != manifestMagic {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Malformed manifest artifact",
		).WithDetail("length", len(data))
	}

	m := &Manifest{
		locators: make(map[string]*Range),
		pairs:    make(map[string]*Range),
		sealed:   true,
	}

	offset := 4
	var err error
	if offset, err = loadEntries(data, offset, m.locators); err != nil {
		return nil, err
	}
	if _, err = loadEntries(data, offset, m.pairs); err != nil {
		return nil, err
	}
	return m, nil
}

func loadEntries(data []byte, offset int, entries map[string]*Range) (int, error) {
	corrupt := func() (int, error) {
		return 0, errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Truncated manifest entry table",
		).WithOffset(int64(offset))
	}

	if offset+4 > len(data) {
		return corrupt()
	}
	count := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return corrupt()
		}
		keyLen := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if offset+keyLen+16 > len(data) {
			return corrupt()
		}
		key := string(data[offset : offset+keyLen])
		offset += keyLen
		start := int64(binary.BigEndian.Uint64(data[offset:]))
		end := int64(binary.BigEndian.Uint64(data[offset+8:]))
		offset += 16
		entries[key] = &Range{Start: start, End: end}
	}
	return offset, nil
}

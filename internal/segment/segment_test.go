package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/logger"
	"github.com/iamNilotpal/ember/pkg/seginfo"
)

func sealSegment(t *testing.T, dir string, ordinal uint64, baseVersion uint64) *Segment {
	t.Helper()

	builder := NewBuilder(ordinal, 16, 0.03)
	record := value.Identifier(ordinal*10 + 1)

	for i := uint64(0); i < 3; i++ {
		version := baseVersion + i
		builder.Observe(version)
		require.NoError(t, builder.Table.Insert(chunk.TableRevision{
			Locator: record,
			Key:     value.Intern("name"),
			Value:   value.String("user"),
			Version: version,
			Action:  chunk.ActionAdd,
		}))
		require.NoError(t, builder.Index.Insert(chunk.IndexRevision{
			Locator: value.Intern("name"),
			Key:     value.String("user"),
			Value:   record,
			Version: version,
			Action:  chunk.ActionAdd,
		}))
		require.NoError(t, builder.Corpus.Insert(chunk.CorpusRevision{
			Locator: value.Intern("name"),
			Key:     value.Intern("user"),
			Value:   value.Position{Record: record, Index: uint32(i)},
			Version: version,
			Action:  chunk.ActionAdd,
		}))
	}

	seg, err := builder.Seal(dir)
	require.NoError(t, err)
	return seg
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(&Config{Dir: dir, Logger: logger.NewNop()})
	require.NoError(t, err)
	return store
}

func TestSealAndRecover(t *testing.T) {
	dir := t.TempDir()

	first := sealSegment(t, dir, 0, 1)
	second := sealSegment(t, dir, 1, 10)
	require.NoError(t, first.Close())
	require.NoError(t, second.Close())

	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	require.Equal(t, 2, store.Len())
	segments := store.Snapshot()
	assert.Equal(t, uint64(0), segments[0].Ordinal)
	assert.Equal(t, uint64(1), segments[1].Ordinal)
	assert.Equal(t, uint64(1), segments[0].MinVersion)
	assert.Equal(t, uint64(3), segments[0].MaxVersion)
	assert.Equal(t, uint64(12), store.MaxVersion())
	assert.Equal(t, uint64(2), store.NextOrdinal())

	revs, err := segments[1].Table.Seek(value.Identifier(11))
	require.NoError(t, err)
	assert.Len(t, revs, 3)
}

func TestIncompleteTripleIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	seg := sealSegment(t, dir, 0, 1)
	require.NoError(t, seg.Close())
	seg = sealSegment(t, dir, 1, 10)
	require.NoError(t, seg.Close())

	// Simulate a crash between chunk writes: drop one chunk of segment 1.
	require.NoError(t, os.Remove(filepath.Join(dir, seginfo.SegmentName(1, seginfo.IndexSuffix))))

	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	require.Equal(t, 1, store.Len())
	assert.Equal(t, uint64(0), store.Snapshot()[0].Ordinal)
}

func TestDuplicateSegmentIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	seg := sealSegment(t, dir, 0, 1)
	require.NoError(t, seg.Close())

	// Byte-identical copy under the next ordinal, as an interrupted
	// administrative copy would leave behind.
	for _, suffix := range []string{seginfo.TableSuffix, seginfo.IndexSuffix, seginfo.CorpusSuffix} {
		data, err := os.ReadFile(filepath.Join(dir, seginfo.SegmentName(0, suffix)))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, seginfo.SegmentName(1, suffix)), data, 0644))
	}
	copyHeader, err := readHeader(dir, 0)
	require.NoError(t, err)
	copyHeader.Ordinal = 1
	require.NoError(t, writeHeader(dir, copyHeader))

	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	require.Equal(t, 1, store.Len(), "exactly one of the duplicates survives")
	assert.Equal(t, uint64(0), store.Snapshot()[0].Ordinal)
}

func TestCorruptHeaderIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	seg := sealSegment(t, dir, 0, 1)
	require.NoError(t, seg.Close())

	headerPath := filepath.Join(dir, seginfo.SegmentName(0, seginfo.HeaderSuffix))
	data, err := os.ReadFile(headerPath)
	require.NoError(t, err)
	data[20] ^= 0xFF
	require.NoError(t, os.WriteFile(headerPath, data, 0644))

	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()
	assert.Zero(t, store.Len())
}

func TestAppendEnforcesOrdinalOrder(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	first := sealSegment(t, dir, 0, 1)
	require.NoError(t, store.Append(first))

	staging := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(staging, 0755))
	second := sealSegment(t, staging, 0, 10)
	defer func() { require.NoError(t, second.Close()) }()
	require.Error(t, store.Append(second), "re-publishing ordinal 0 must fail")
}

func TestAppendLockedRunsCallbackInCriticalSection(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	seg := sealSegment(t, dir, 0, 1)
	called := false
	require.NoError(t, store.AppendLocked(seg, func() error {
		called = true
		assert.Zero(t, store.lenLocked(), "segment must not be visible before the callback runs")
		return nil
	}))
	assert.True(t, called)
	assert.Equal(t, 1, store.Len())
}

// lenLocked reads the list without taking the lock; only valid from inside
// an AppendLocked callback, where the write lock is already held.
func (s *Store) lenLocked() int {
	return len(s.segments)
}

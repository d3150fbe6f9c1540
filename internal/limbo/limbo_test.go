package limbo

import (
	"fmt"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/logger"
	"github.com/iamNilotpal/ember/pkg/options"
)

func testOptions(dir string, pageSize datasize.ByteSize) *options.Options {
	opts := options.NewDefaultOptions()
	opts.DataDir = dir
	opts.PageSize = pageSize
	opts.FsyncPolicy = options.FsyncPerWrite
	return &opts
}

func openLimbo(t *testing.T, opts *options.Options, transportedThrough uint64) *Limbo {
	t.Helper()
	l, err := Open(&Config{
		Options:            opts,
		Logger:             logger.NewNop(),
		TransportedThrough: transportedThrough,
	})
	require.NoError(t, err)
	return l
}

func write(recordID uint64, key string, val value.Value, action chunk.Action) Write {
	return Write{
		Record: value.Identifier(recordID),
		Key:    value.Intern(key),
		Value:  val,
		Action: action,
	}
}

func TestInsertAssignsMonotonicVersions(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	var last uint64
	for i := 0; i < 100; i++ {
		v, err := l.Insert(write(1, "counter", value.Int64(int64(i)), chunk.ActionAdd))
		require.NoError(t, err)
		assert.Greater(t, v, last, "versions must be strictly increasing")
		last = v
	}
	assert.Equal(t, last, l.Current())

	snapshot := l.Snapshot()
	require.Len(t, snapshot, 100)
	for i := 1; i < len(snapshot); i++ {
		assert.Greater(t, snapshot[i].Version, snapshot[i-1].Version,
			"iteration order must match insertion order")
	}
}

func TestInsertBatchIsContiguous(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	versions, err := l.InsertBatch([]Write{
		write(1, "a", value.Int64(1), chunk.ActionAdd),
		write(1, "b", value.Int64(2), chunk.ActionAdd),
		write(1, "c", value.Int64(3), chunk.ActionAdd),
	})
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, versions[0]+1, versions[1])
	assert.Equal(t, versions[1]+1, versions[2])
}

func TestRecoveryReplaysAcknowledgedWrites(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 64*datasize.KB)

	l := openLimbo(t, opts, 0)
	var versions []uint64
	for i := 0; i < 50; i++ {
		v, err := l.Insert(write(uint64(i%5), "field", value.Int64(int64(i)), chunk.ActionAdd))
		require.NoError(t, err)
		versions = append(versions, v)
	}
	require.NoError(t, l.Close())

	reopened := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, reopened.Close()) }()

	snapshot := reopened.Snapshot()
	require.Len(t, snapshot, 50)
	for i, w := range snapshot {
		assert.Equal(t, versions[i], w.Version)
	}

	// New versions continue above everything recovered.
	v, err := reopened.Insert(write(9, "field", value.Int64(99), chunk.ActionAdd))
	require.NoError(t, err)
	assert.Greater(t, v, versions[len(versions)-1])
}

func TestRotationAndTransport(t *testing.T) {
	// A 64 KiB page rotates after roughly sixty of these 1 KiB writes.
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	opts.PageSize = datasize.ByteSize(64 * 1024)
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	assert.False(t, l.CanTransport())

	padding := make([]byte, 1024)
	for i := 0; i < 200; i++ {
		_, err := l.Insert(write(uint64(i), "blob", value.String(string(padding)), chunk.ActionAdd))
		require.NoError(t, err)
	}
	require.True(t, l.CanTransport())

	batch, ok := l.NextBatch()
	require.True(t, ok)
	assert.NotEmpty(t, batch.Writes)
	assert.Equal(t, uint64(0), batch.Ordinal, "oldest page drains first")

	// Writes inside a batch preserve insertion order.
	for i := 1; i < len(batch.Writes); i++ {
		assert.Greater(t, batch.Writes[i].Version, batch.Writes[i-1].Version)
	}

	before, _ := l.Depth()
	release, err := l.Confirm(batch.Ordinal)
	require.NoError(t, err)
	require.NoError(t, release())
	after, _ := l.Depth()
	assert.Equal(t, before-1, after)

	// Confirming a batch that is not the oldest rotated page fails.
	_, err = l.Confirm(99)
	require.Error(t, err)
}

func TestTransportedPagesDeletedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 64*datasize.KB)

	l := openLimbo(t, opts, 0)
	var last uint64
	for i := 0; i < 20; i++ {
		v, err := l.Insert(write(1, "k", value.Int64(int64(i)), chunk.ActionAdd))
		require.NoError(t, err)
		last = v
	}
	require.NoError(t, l.Close())

	// Everything was transported: recovery must start empty.
	reopened := openLimbo(t, opts, last)
	defer func() { require.NoError(t, reopened.Close()) }()
	assert.Empty(t, reopened.Snapshot())
}

func TestOverlayOntoRecordView(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	_, err := l.Insert(write(1, "name", value.String("jeff"), chunk.ActionAdd))
	require.NoError(t, err)
	_, err = l.Insert(write(1, "age", value.Int32(30), chunk.ActionAdd))
	require.NoError(t, err)
	_, err = l.Insert(write(2, "name", value.String("ashleah"), chunk.ActionAdd))
	require.NoError(t, err)
	removeVersion, err := l.Insert(write(1, "name", value.String("jeff"), chunk.ActionRemove))
	require.NoError(t, err)

	t.Run("full overlay", func(t *testing.T) {
		view := record.New(1)
		require.NoError(t, l.Select(view, 1, 0))
		assert.Empty(t, view.Get(value.Intern("name")))
		assert.Len(t, view.Get(value.Intern("age")), 1)
	})

	t.Run("historical overlay", func(t *testing.T) {
		view := record.New(1)
		require.NoError(t, l.Select(view, 1, removeVersion-1))
		assert.Len(t, view.Get(value.Intern("name")), 1)
	})

	t.Run("key overlay", func(t *testing.T) {
		view := record.NewPartial(2, value.Intern("name"))
		require.NoError(t, l.SelectKey(view, 2, value.Intern("name"), 0))
		assert.Len(t, view.Get(value.Intern("name")), 1)
	})

	t.Run("overlay by key across records", func(t *testing.T) {
		var seen []Write
		l.OverlayKey(value.Intern("name"), 0, func(w Write) {
			seen = append(seen, w)
		})
		assert.Len(t, seen, 3)
	})
}

func TestGroupCommitPolicy(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	opts.FsyncPolicy = options.FsyncGroup
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			_, err := l.Insert(write(uint64(i), "k", value.Int64(int64(i)), chunk.ActionAdd))
			done <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}
	assert.Len(t, l.Snapshot(), 16)
	require.NoError(t, l.Sync())
}

func TestHardCapSurfacesOverloaded(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	opts.TransportSoftCap = 1
	opts.TransportHardCap = 1
	l := openLimbo(t, opts, 0)
	defer func() { require.NoError(t, l.Close()) }()

	padding := make([]byte, 2048)
	var overloaded bool
	for i := 0; i < 500 && !overloaded; i++ {
		_, err := l.Insert(write(uint64(i), "blob", value.String(string(padding)+fmt.Sprint(i)), chunk.ActionAdd))
		if err != nil {
			require.True(t, errors.IsOverloaded(err))
			overloaded = true
		}
	}
	assert.True(t, overloaded, "the hard cap must eventually reject writers")
}

func TestClosedLimboRejectsOperations(t *testing.T) {
	opts := testOptions(t.TempDir(), 64*datasize.KB)
	l := openLimbo(t, opts, 0)
	require.NoError(t, l.Close())

	_, err := l.Insert(write(1, "k", value.Int64(1), chunk.ActionAdd))
	assert.ErrorIs(t, err, ErrLimboClosed)
	assert.ErrorIs(t, l.Close(), ErrLimboClosed)
}

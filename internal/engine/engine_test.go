package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/txn"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/logger"
	"github.com/iamNilotpal/ember/pkg/options"
)

func newEngine(t *testing.T, dir string) *Engine {
	t.Helper()

	opts := options.NewDefaultOptions()
	opts.DataDir = dir
	opts.PageSize = 64 * datasize.KB
	opts.FsyncPolicy = options.FsyncPerWrite
	opts.CacheSize = 128

	e, err := New(context.Background(), &Config{Options: &opts, Logger: logger.NewNop()})
	require.NoError(t, err)
	e.Start()
	return e
}

func mustAdd(t *testing.T, e *Engine, record uint64, key string, val value.Value) uint64 {
	t.Helper()
	version, err := e.Add(value.Identifier(record), value.Intern(key), val)
	require.NoError(t, err)
	return version
}

func TestBasicAddRemoveVerify(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	name := value.Intern("name")
	jeff := value.String("jeff")

	mustAdd(t, e, 1, "name", jeff)
	_, err := e.Remove(1, name, jeff)
	require.NoError(t, err)

	values, err := e.Get(1, name)
	require.NoError(t, err)
	assert.Empty(t, values)

	ok, err := e.Verify(1, name, jeff)
	require.NoError(t, err)
	assert.False(t, ok)

	mustAdd(t, e, 1, "name", jeff)
	ok, err = e.Verify(1, name, jeff)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParityViolationsFail(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	name := value.Intern("name")
	jeff := value.String("jeff")

	mustAdd(t, e, 1, "name", jeff)

	_, err := e.Add(1, name, jeff)
	require.Error(t, err, "double add violates alternation")
	assert.Equal(t, errors.ErrorCodeAtomicFail, errors.GetErrorCode(err))

	_, err = e.Remove(1, name, value.String("nobody"))
	require.Error(t, err, "removing an absent value is rejected")
	assert.Equal(t, errors.ErrorCodeAtomicFail, errors.GetErrorCode(err))
}

func TestInvalidInputRejected(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	_, err := e.Add(1, value.Intern(""), value.Int64(1))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeInvalidInput, errors.GetErrorCode(err))

	_, err = e.Add(1, value.Intern("a.b"), value.Int64(1))
	require.Error(t, err, "dotted keys are reserved for navigation")

	_, err = e.Add(1, value.Intern("ok"), value.Null())
	require.Error(t, err)
}

func TestHistoricalRead(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	x := value.Intern("x")
	one := value.Int64(1)

	addVersion := mustAdd(t, e, 7, "x", one)
	_, err := e.Remove(7, x, one)
	require.NoError(t, err)

	current, err := e.Get(7, x)
	require.NoError(t, err)
	assert.Empty(t, current)

	historical, err := e.GetAt(7, x, addVersion)
	require.NoError(t, err)
	require.Len(t, historical, 1)
	assert.Zero(t, value.Compare(one, historical[0]))

	ok, err := e.VerifyAt(7, x, one, addVersion)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNumericCollision(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	// 18 and 18.0 are distinct stored variants of one equality class: both
	// adds succeed, browse shows both, and lookups with either form match.
	mustAdd(t, e, 5, "v", value.Int32(18))
	mustAdd(t, e, 5, "v", value.Float64(18.0))

	values, err := e.Get(5, value.Intern("v"))
	require.NoError(t, err)
	assert.Len(t, values, 2)

	browsed, err := e.Browse("v")
	require.NoError(t, err)
	require.Len(t, browsed, 1, "both stored variants render as one value class")
	assert.Equal(t, []value.Identifier{5}, browsed["18"])

	found, err := e.Find(query.Leaf{Key: "v", Op: query.Equals, Values: []value.Value{value.Int32(18)}})
	require.NoError(t, err)
	assert.Equal(t, []value.Identifier{5}, found)

	found, err = e.Find(query.Leaf{Key: "v", Op: query.Equals, Values: []value.Value{value.Float64(18.0)}})
	require.NoError(t, err)
	assert.Equal(t, []value.Identifier{5}, found)
}

func TestFindRangeAndLinks(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	for i := 1; i <= 5; i++ {
		mustAdd(t, e, uint64(i), "score", value.Int64(int64(i*10)))
	}
	mustAdd(t, e, 9, "owner", value.Link(3))

	found, err := e.Find(query.Leaf{
		Key: "score", Op: query.Between,
		Values: []value.Value{value.Int64(20), value.Int64(40)},
	})
	require.NoError(t, err)
	assert.Equal(t, []value.Identifier{2, 3}, found)

	found, err = e.Find(query.Leaf{
		Key: "owner", Op: query.LinksTo, Values: []value.Value{value.Link(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, []value.Identifier{9}, found)
}

func TestNavigationAcrossStrategies(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	// user -> identity -> credential chain with 100 users.
	for i := 0; i < 100; i++ {
		user := uint64(1000 + i)
		identity := uint64(2000 + i)
		credential := uint64(3000 + i)
		mustAdd(t, e, user, "identity", value.Link(value.Identifier(identity)))
		mustAdd(t, e, identity, "credential", value.Link(value.Identifier(credential)))
		mustAdd(t, e, credential, "counter", value.Int64(int64(i)))
	}

	leaf := query.Leaf{
		Key:    "identity.credential.counter",
		Op:     query.Equals,
		Values: []value.Value{value.Int64(50)},
	}
	want := []value.Identifier{1050}

	for name, strategy := range map[string]query.Strategy{
		"auto":    query.StrategyAuto,
		"forward": query.StrategyForward,
		"reverse": query.StrategyReverse,
		"adhoc":   query.StrategyAdHocIndex,
	} {
		t.Run(name, func(t *testing.T) {
			found, err := e.FindWithStrategy(leaf, 0, strategy)
			require.NoError(t, err)
			assert.Equal(t, want, found)
		})
	}

	browsed, err := e.Browse("identity.credential.counter")
	require.NoError(t, err)
	assert.Len(t, browsed, 100)
	assert.Equal(t, []value.Identifier{1050}, browsed[value.Int64(50).String()])
}

func TestSearchInfix(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	mustAdd(t, e, 11, "bio", value.String("barfoobar foobarfoo"))

	found, err := e.Search(value.Intern("bio"), "f bar")
	require.NoError(t, err)
	assert.Equal(t, []value.Identifier{11}, found)

	found, err = e.Search(value.Intern("bio"), "zzz")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestBrowsePlainKey(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	mustAdd(t, e, 1, "city", value.String("atlanta"))
	mustAdd(t, e, 2, "city", value.String("atlanta"))
	mustAdd(t, e, 3, "city", value.String("savannah"))

	browsed, err := e.Browse("city")
	require.NoError(t, err)
	require.Len(t, browsed, 2)
	assert.Equal(t, []value.Identifier{1, 2}, browsed["atlanta"])
	assert.Equal(t, []value.Identifier{3}, browsed["savannah"])
}

func TestAtomicSnapshotIsolationAndRetry(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	counter := value.Intern("count")
	mustAdd(t, e, 1, "count", value.Int64(0))

	increment := func(a *txn.Atomic) error {
		values, err := a.Get(1, counter)
		if err != nil {
			return err
		}
		require.Len(t, values, 1)
		current := values[0].IntValue()
		if err := a.Remove(1, counter, values[0]); err != nil {
			return err
		}
		return a.Add(1, counter, value.Int64(current+1))
	}

	// Two concurrent increments: optimistic validation forces one to retry
	// and both land.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, e.ExecuteWithRetry(context.Background(), increment))
		}()
	}
	wg.Wait()

	values, err := e.Get(1, counter)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, int64(2), values[0].IntValue())
}

func TestAtomicConflictSurfacesRetry(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	key := value.Intern("state")
	mustAdd(t, e, 4, "state", value.String("initial"))

	a, err := e.StartAtomic()
	require.NoError(t, err)
	_, err = a.Get(4, key)
	require.NoError(t, err)

	// A concurrent commit invalidates the observation.
	mustAdd(t, e, 4, "state", value.String("changed"))

	require.NoError(t, a.Add(4, value.Intern("derived"), value.Bool(true)))
	err = a.Commit()
	require.Error(t, err)
	assert.True(t, errors.IsRetry(err))
}

func TestAtomicAbortDiscardsWrites(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	a, err := e.StartAtomic()
	require.NoError(t, err)
	require.NoError(t, a.Add(8, value.Intern("ghost"), value.Bool(true)))
	a.Abort()

	values, err := e.Get(8, value.Intern("ghost"))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestAtomicReadsItsOwnWrites(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	a, err := e.StartAtomic()
	require.NoError(t, err)

	key := value.Intern("draft")
	require.NoError(t, a.Add(2, key, value.String("pending")))

	ok, err := a.Verify(2, key, value.String("pending"))
	require.NoError(t, err)
	assert.True(t, ok, "staged writes are visible inside the atomic")

	// Invisible outside until commit.
	outside, err := e.Get(2, key)
	require.NoError(t, err)
	assert.Empty(t, outside)

	require.NoError(t, a.Commit())
	outside, err = e.Get(2, key)
	require.NoError(t, err)
	assert.Len(t, outside, 1)
}

func TestTransactionComposesAtomics(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	tx, err := e.StartTransaction()
	require.NoError(t, err)

	first, err := tx.StartAtomic()
	require.NoError(t, err)
	require.NoError(t, first.Add(21, value.Intern("step"), value.Int64(1)))
	require.NoError(t, first.Commit())

	// The second atomic sees the first one's absorbed writes.
	second, err := tx.StartAtomic()
	require.NoError(t, err)
	ok, err := second.Verify(21, value.Intern("step"), value.Int64(1))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Add(21, value.Intern("step"), value.Int64(2)))
	require.NoError(t, second.Commit())

	// Nothing visible until the transaction commits.
	values, err := e.Get(21, value.Intern("step"))
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, tx.CommitTransaction())
	values, err = e.Get(21, value.Intern("step"))
	require.NoError(t, err)
	assert.Len(t, values, 2)
}

func TestRecoveryPreservesAcknowledgedWrites(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, dir)

	const total = 2000
	for i := 0; i < total; i++ {
		mustAdd(t, e, uint64(i%100), "n", value.Int64(int64(i)))
	}
	require.NoError(t, e.Stop())

	// Reopen: every acknowledged write must be queryable, whether it ended
	// up in a segment or is still buffered.
	reopened := newEngine(t, dir)
	defer func() { require.NoError(t, reopened.Stop()) }()

	for _, rec := range []uint64{0, 17, 99} {
		values, err := reopened.Get(value.Identifier(rec), value.Intern("n"))
		require.NoError(t, err)
		assert.Len(t, values, total/100, "record %d", rec)
	}
}

func TestTransportedDataRemainsQueryable(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	padding := make([]byte, 600)
	for i := 0; i < 300; i++ {
		mustAdd(t, e, uint64(i%10), "blob", value.String(fmt.Sprintf("entry %d %s", i, padding)))
	}

	// Wait for the transporter to drain the rotated pages.
	require.Eventually(t, func() bool {
		return !e.limbo.CanTransport() && e.store.Len() > 0
	}, 10*time.Second, 20*time.Millisecond)

	stats := e.Stats()
	assert.NotZero(t, stats.Segments)

	// Reads merge segment chunks with whatever is still buffered.
	values, err := e.Get(3, value.Intern("blob"))
	require.NoError(t, err)
	assert.Len(t, values, 30)

	keys, err := e.Describe(3)
	require.NoError(t, err)
	assert.Equal(t, []value.Text{value.Intern("blob")}, keys)
}

func TestChronologize(t *testing.T) {
	e := newEngine(t, t.TempDir())
	defer func() { require.NoError(t, e.Stop()) }()

	score := value.Intern("score")
	v1 := mustAdd(t, e, 6, "score", value.Int64(10))
	mustAdd(t, e, 6, "score", value.Int64(20))
	_, err := e.Remove(6, score, value.Int64(10))
	require.NoError(t, err)

	steps, err := e.Chronologize(6, score, v1, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Len(t, steps[1].Values, 2)
	assert.Len(t, steps[2].Values, 1)
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	e := newEngine(t, t.TempDir())
	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Stop(), ErrEngineClosed)

	_, err := e.Get(1, value.Intern("k"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Add(1, value.Intern("k"), value.Int64(1))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

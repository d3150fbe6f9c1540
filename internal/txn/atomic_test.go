package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// fakeStore is a minimal in-memory Store: current state only, with the
// same validation-and-apply commit protocol the engine implements.
type fakeStore struct {
	mu      sync.Mutex
	version uint64
	data    map[string][]value.Value

	commits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{version: 1, data: make(map[string][]value.Value)}
}

func stateKey(record value.Identifier, key value.Text) string {
	return fmt.Sprintf("%d/%s", record, key)
}

func (f *fakeStore) CurrentVersion() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeStore) RecordValues(record value.Identifier, key value.Text, at uint64) ([]value.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.data[stateKey(record, key)]
	out := make([]value.Value, len(values))
	copy(out, values)
	return out, nil
}

func (f *fakeStore) DescribeAt(record value.Identifier, at uint64) ([]value.Text, error) {
	return nil, nil
}

func (f *fakeStore) FindAt(node query.Node, at uint64, tracker query.ReadTracker) ([]value.Identifier, error) {
	return nil, nil
}

func (f *fakeStore) SearchAt(key value.Text, q string, at uint64) ([]value.Identifier, error) {
	return nil, nil
}

// apply mutates state directly, bypassing validation: the concurrent writer
// in conflict tests.
func (f *fakeStore) apply(record value.Identifier, key value.Text, val value.Value, action chunk.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sk := stateKey(record, key)
	if action == chunk.ActionAdd {
		f.data[sk] = append(f.data[sk], val)
	} else {
		for i, v := range f.data[sk] {
			if v == val {
				f.data[sk] = append(f.data[sk][:i:i], f.data[sk][i+1:]...)
				break
			}
		}
	}
	f.version++
}

func (f *fakeStore) Commit(a *Atomic) error {
	// Validation must see the live state, so it runs outside f.mu; the
	// store lock is only held while applying.
	for _, rc := range a.Reads() {
		ok, err := rc.Validate(f, 0)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAtomicError(
				nil, errors.ErrorCodeAtomicRetry, "read set invalidated",
			).WithOperation("commit")
		}
	}
	for _, w := range a.Writes() {
		f.apply(w.Record, w.Key, w.Value, w.Action)
	}
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return nil
}

func TestCommitAppliesWrites(t *testing.T) {
	store := newFakeStore()
	a := New(store)

	key := value.Intern("name")
	require.NoError(t, a.Add(1, key, value.String("jeff")))
	require.NoError(t, a.Commit())

	values, err := store.RecordValues(1, key, 0)
	require.NoError(t, err)
	assert.Len(t, values, 1)

	// A finished atomic rejects further use.
	require.Error(t, a.Add(1, key, value.String("again")))
	require.Error(t, a.Commit())
}

func TestStagePreconditions(t *testing.T) {
	store := newFakeStore()
	key := value.Intern("v")
	store.apply(1, key, value.Int32(18), chunk.ActionAdd)

	a := New(store)

	err := a.Add(1, key, value.Int32(18))
	require.Error(t, err, "adding a present exact value fails")
	assert.Equal(t, errors.ErrorCodeAtomicFail, errors.GetErrorCode(err))

	// A different tagged variant of the same class is a distinct stored
	// value, so it stages fine.
	require.NoError(t, a.Add(1, key, value.Float64(18.0)))

	err = a.Remove(1, key, value.Int64(99))
	require.Error(t, err, "removing an absent value fails")
	assert.Equal(t, errors.ErrorCodeAtomicFail, errors.GetErrorCode(err))

	require.NoError(t, a.Remove(1, key, value.Int32(18)))
}

func TestValidationDetectsConflict(t *testing.T) {
	store := newFakeStore()
	key := value.Intern("state")
	store.apply(7, key, value.String("initial"), chunk.ActionAdd)

	a := New(store)
	_, err := a.Get(7, key)
	require.NoError(t, err)

	store.apply(7, key, value.String("intruder"), chunk.ActionAdd)

	require.NoError(t, a.Add(7, value.Intern("derived"), value.Bool(true)))
	err = a.Commit()
	require.Error(t, err)
	assert.True(t, errors.IsRetry(err))
}

func TestExecuteWithRetryConverges(t *testing.T) {
	store := newFakeStore()
	key := value.Intern("count")
	store.apply(1, key, value.Int64(0), chunk.ActionAdd)

	attempts := 0
	poisoned := false
	err := ExecuteWithRetry(context.Background(), store, func(a *Atomic) error {
		attempts++
		values, err := a.Get(1, key)
		if err != nil {
			return err
		}
		require.Len(t, values, 1)

		if err := a.Remove(1, key, values[0]); err != nil {
			return err
		}
		if err := a.Add(1, key, value.Int64(values[0].IntValue()+1)); err != nil {
			return err
		}

		// Sabotage the first attempt with a concurrent mutation landing
		// between staging and commit.
		if !poisoned {
			poisoned = true
			store.apply(1, key, value.Int64(0), chunk.ActionRemove)
			store.apply(1, key, value.Int64(5), chunk.ActionAdd)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "first attempt conflicts, second lands")

	values, err := store.RecordValues(1, key, 0)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, int64(6), values[0].IntValue())
}

func TestExecuteWithRetryHonorsCancellation(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ExecuteWithRetry(ctx, store, func(a *Atomic) error {
		t.Fatal("routine must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithRetryPassesThroughFailures(t *testing.T) {
	store := newFakeStore()
	err := ExecuteWithRetry(context.Background(), store, func(a *Atomic) error {
		return a.Remove(3, value.Intern("missing"), value.Int64(1))
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCodeAtomicFail, errors.GetErrorCode(err))
	assert.Zero(t, store.commits)
}

func TestTouchGuardsUnreadState(t *testing.T) {
	store := newFakeStore()
	key := value.Intern("guarded")

	a := New(store)
	require.NoError(t, a.Touch(5, key))
	store.apply(5, key, value.Bool(true), chunk.ActionAdd)

	err := a.Commit()
	require.Error(t, err)
	assert.True(t, errors.IsRetry(err))
}

func TestTransactionAbsorbsAndCommits(t *testing.T) {
	store := newFakeStore()
	tx := NewTransaction(store)

	first, err := tx.StartAtomic()
	require.NoError(t, err)
	require.NoError(t, first.Add(1, value.Intern("a"), value.Int64(1)))
	require.NoError(t, first.Commit())
	assert.Zero(t, store.commits, "child commits stay inside the transaction")

	second, err := tx.StartAtomic()
	require.NoError(t, err)
	ok, err := second.Verify(1, value.Intern("a"), value.Int64(1))
	require.NoError(t, err)
	assert.True(t, ok, "children see earlier absorbed writes")
	require.NoError(t, second.Add(1, value.Intern("b"), value.Int64(2)))
	require.NoError(t, second.Commit())

	require.NoError(t, tx.CommitTransaction())
	assert.Equal(t, 1, store.commits, "the transaction lands as one atomic")

	values, err := store.RecordValues(1, value.Intern("b"), 0)
	require.NoError(t, err)
	assert.Len(t, values, 1)

	// A finished transaction refuses further work.
	_, err = tx.StartAtomic()
	require.Error(t, err)
}

func TestTransactionAbortDiscards(t *testing.T) {
	store := newFakeStore()
	tx := NewTransaction(store)

	a, err := tx.StartAtomic()
	require.NoError(t, err)
	require.NoError(t, a.Add(9, value.Intern("ghost"), value.Bool(true)))
	require.NoError(t, a.Commit())

	tx.Abort()
	require.Error(t, tx.CommitTransaction())
	assert.Zero(t, store.commits)
}

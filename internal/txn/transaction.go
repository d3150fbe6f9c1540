package txn

import (
	"sync"

	"github.com/iamNilotpal/ember/internal/limbo"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// Transaction composes multiple atomic operations under one snapshot. A
// per-transaction lock serializes its own commits: each child atomic
// validates against the transaction's snapshot (never the live database)
// and, on success, is absorbed into the transaction's staged state. The
// final Commit pushes the union of all read checks and staged writes
// through the database as one atomic.
type Transaction struct {
	store Store

	mu       sync.Mutex
	snapshot uint64
	reads    []*ReadCheck
	staged   []limbo.Write
	finished bool
}

// NewTransaction starts a transaction at the store's current version.
func NewTransaction(store Store) *Transaction {
	return &Transaction{store: store, snapshot: store.CurrentVersion()}
}

// Snapshot returns the version every atomic in this transaction reads at.
func (t *Transaction) Snapshot() uint64 { return t.snapshot }

// StartAtomic creates a child atomic: it reads at the transaction's
// snapshot with the transaction's staged writes overlaid, and its Commit
// absorbs into the transaction instead of touching the database.
func (t *Transaction) StartAtomic() (*Atomic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return nil, errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Transaction already finished",
		).WithOperation("start_atomic")
	}

	overlay := make([]limbo.Write, len(t.staged))
	copy(overlay, t.staged)

	return &Atomic{
		store:     t.store,
		committer: t,
		snapshot:  t.snapshot,
		overlay:   overlay,
	}, nil
}

// Commit implements Committer for child atomics: validation against the
// transaction snapshot under the per-transaction lock, then absorption.
func (t *Transaction) Commit(a *Atomic) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Transaction already finished",
		).WithOperation("commit_atomic")
	}

	for _, rc := range a.Reads() {
		ok, err := rc.Validate(t.store, t.snapshot)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAtomicError(
				nil, errors.ErrorCodeAtomicRetry, "Read set no longer matches the transaction snapshot",
			).WithRecord(uint64(rc.Record)).WithKey(string(rc.Key)).WithOperation("commit_atomic")
		}
	}

	t.reads = append(t.reads, a.Reads()...)
	t.staged = append(t.staged, a.Writes()...)
	return nil
}

// CommitTransaction validates everything the transaction observed against
// the live database and applies all staged writes as one atomic unit.
func (t *Transaction) CommitTransaction() error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Transaction already finished",
		).WithOperation("commit_transaction")
	}
	root := &Atomic{
		store:     t.store,
		committer: storeCommitter{s: t.store},
		snapshot:  t.snapshot,
		reads:     t.reads,
		writes:    t.staged,
	}
	t.mu.Unlock()

	err := root.Commit()
	if err == nil || !errors.IsRetry(err) {
		t.mu.Lock()
		t.finished = true
		t.mu.Unlock()
	}
	return err
}

// Abort discards every staged write.
func (t *Transaction) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.staged = nil
	t.reads = nil
}

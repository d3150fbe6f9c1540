// Package txn implements optimistic snapshot isolation: atomic operations
// that record a read set and a write set against a fixed snapshot version,
// validate the read set under the database's commit lock, and either append
// their writes to limbo in order or surface a retryable conflict.
package txn

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/limbo"
	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// Store is the database surface an atomic operation runs against. The
// engine implements it; Commit is expected to take the database-wide commit
// lock, call Validate, enforce write preconditions and append the staged
// writes to limbo.
type Store interface {
	// CurrentVersion returns the newest committed version: the snapshot an
	// atomic binds to at creation.
	CurrentVersion() uint64

	// RecordValues returns the present values of (record, key) at a version
	// (zero means head).
	RecordValues(record value.Identifier, key value.Text, at uint64) ([]value.Value, error)

	// DescribeAt returns the non-empty keys of a record at a version.
	DescribeAt(record value.Identifier, at uint64) ([]value.Text, error)

	// FindAt evaluates a criteria tree at a version, reporting traversal
	// reads to the tracker.
	FindAt(node query.Node, at uint64, tracker query.ReadTracker) ([]value.Identifier, error)

	// SearchAt runs a corpus search at a version.
	SearchAt(key value.Text, q string, at uint64) ([]value.Identifier, error)

	// Commit validates and applies a finished atomic.
	Commit(a *Atomic) error
}

// ReadCheck is one member of the read set: enough to re-derive the observed
// digest at any version and compare.
type ReadCheck struct {
	Record value.Identifier
	Key    value.Text

	observed string
	recheck  func(s Store, at uint64) (string, error)
}

// Validate recomputes the check at the given version (zero means head) and
// reports whether the observation still holds.
func (rc *ReadCheck) Validate(s Store, at uint64) (bool, error) {
	digest, err := rc.recheck(s, at)
	if err != nil {
		return false, err
	}
	return digest == rc.observed, nil
}

// Atomic is a snapshot-isolated read/write set. It exposes the same read
// and write surface as the database; nothing becomes visible until Commit
// succeeds.
type Atomic struct {
	store     Store
	committer Committer

	mu       sync.Mutex
	snapshot uint64
	overlay  []limbo.Write // parent-transaction writes visible to reads
	reads    []*ReadCheck
	writes   []limbo.Write
	finished bool
}

// Committer decides what Commit means: the engine applies to the database,
// a transaction absorbs into its own staged set.
type Committer interface {
	Commit(a *Atomic) error
}

// storeCommitter routes Commit straight to the database.
type storeCommitter struct{ s Store }

func (sc storeCommitter) Commit(a *Atomic) error { return sc.s.Commit(a) }

// New starts an atomic operation bound to the store's current version.
func New(store Store) *Atomic {
	return &Atomic{
		store:     store,
		committer: storeCommitter{s: store},
		snapshot:  store.CurrentVersion(),
	}
}

// Snapshot returns the version this atomic reads at.
func (a *Atomic) Snapshot() uint64 { return a.snapshot }

// Reads returns the accumulated read set.
func (a *Atomic) Reads() []*ReadCheck {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*ReadCheck, len(a.reads))
	copy(out, a.reads)
	return out
}

// Writes returns the staged write set in staging order.
func (a *Atomic) Writes() []limbo.Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]limbo.Write, len(a.writes))
	copy(out, a.writes)
	return out
}

func (a *Atomic) guard() error {
	if a.finished {
		return errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Atomic operation already finished",
		).WithOperation("use_after_finish")
	}
	return nil
}

// digestValues canonicalizes a value set so observations compare by content.
func digestValues(values []value.Value) string {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = string(v.Encode())
	}
	sort.Strings(encoded)
	total := 0
	for _, e := range encoded {
		total += len(e) + 1
	}
	var b []byte
	b = make([]byte, 0, total)
	for _, e := range encoded {
		b = append(b, e...)
		b = append(b, 0)
	}
	return string(b)
}

func digestIDs(ids []value.Identifier) string {
	sorted := make([]value.Identifier, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b := make([]byte, 0, len(sorted)*8)
	for _, id := range sorted {
		b = append(b, value.EncodeIdentifier(id)...)
	}
	return string(b)
}

// stagedValues applies the atomic's own writes (and any parent overlay) for
// (record, key) onto the snapshot state, so an atomic reads its own writes.
func (a *Atomic) stagedValues(record value.Identifier, key value.Text, base []value.Value) []value.Value {
	apply := func(current []value.Value, w limbo.Write) []value.Value {
		if w.Record != record || w.Key != key {
			return current
		}
		if w.Action == chunk.ActionAdd {
			return append(current, w.Value)
		}
		for i, v := range current {
			if v == w.Value {
				return append(current[:i:i], current[i+1:]...)
			}
		}
		return current
	}

	out := append([]value.Value(nil), base...)
	for _, w := range a.overlay {
		out = apply(out, w)
	}
	for _, w := range a.writes {
		out = apply(out, w)
	}
	return out
}

// trackValuesRead registers a (record, key) observation keyed on the value
// set visible at the snapshot.
func (a *Atomic) trackValuesRead(record value.Identifier, key value.Text, snapshotValues []value.Value) {
	a.reads = append(a.reads, &ReadCheck{
		Record:   record,
		Key:      key,
		observed: digestValues(snapshotValues),
		recheck: func(s Store, at uint64) (string, error) {
			values, err := s.RecordValues(record, key, at)
			if err != nil {
				return "", err
			}
			return digestValues(values), nil
		},
	})
}

// TrackRead implements query.ReadTracker: navigation traversals report
// every intermediate (record, key) they touch, and each one joins the read
// set with its snapshot observation.
func (a *Atomic) TrackRead(record value.Identifier, key value.Text) {
	values, err := a.store.RecordValues(record, key, a.snapshot)
	if err != nil {
		// The observation cannot be captured; poison the read set so commit
		// cannot succeed silently.
		a.mu.Lock()
		a.reads = append(a.reads, &ReadCheck{
			Record:   record,
			Key:      key,
			observed: "unobservable",
			recheck: func(Store, uint64) (string, error) {
				return "", err
			},
		})
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	a.trackValuesRead(record, key, values)
	a.mu.Unlock()
}

// Get returns the values of (record, key) as seen by this atomic: the
// snapshot state plus its own staged writes.
func (a *Atomic) Get(record value.Identifier, key value.Text) ([]value.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guard(); err != nil {
		return nil, err
	}

	base, err := a.store.RecordValues(record, key, a.snapshot)
	if err != nil {
		return nil, err
	}
	a.trackValuesRead(record, key, base)
	return a.stagedValues(record, key, base), nil
}

// Verify reports whether (record, key, val) holds under this atomic's view.
func (a *Atomic) Verify(record value.Identifier, key value.Text, val value.Value) (bool, error) {
	values, err := a.Get(record, key)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if value.EqualsIgnoreType(v, val) {
			return true, nil
		}
	}
	return false, nil
}

// Select returns every non-empty key of the record with its values.
func (a *Atomic) Select(record value.Identifier) (map[value.Text][]value.Value, error) {
	if err := a.guardLocked(); err != nil {
		return nil, err
	}

	keys, err := a.store.DescribeAt(record, a.snapshot)
	if err != nil {
		return nil, err
	}

	// Keys introduced only by staged writes are visible too.
	seen := make(map[value.Text]bool, len(keys))
	for _, key := range keys {
		seen[key] = true
	}
	a.mu.Lock()
	for _, w := range a.writes {
		if w.Record == record && !seen[w.Key] {
			seen[w.Key] = true
			keys = append(keys, w.Key)
		}
	}
	a.mu.Unlock()

	out := make(map[value.Text][]value.Value, len(keys))
	for _, key := range keys {
		values, err := a.Get(record, key)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			out[key] = values
		}
	}
	return out, nil
}

// Find evaluates a criteria tree at the snapshot. The result joins the read
// set as a whole, and navigation traversals additionally register every
// intermediate read.
func (a *Atomic) Find(node query.Node) ([]value.Identifier, error) {
	if err := a.guardLocked(); err != nil {
		return nil, err
	}

	ids, err := a.store.FindAt(node, a.snapshot, a)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.reads = append(a.reads, &ReadCheck{
		observed: digestIDs(ids),
		recheck: func(s Store, at uint64) (string, error) {
			current, err := s.FindAt(node, at, nil)
			if err != nil {
				return "", err
			}
			return digestIDs(current), nil
		},
	})
	a.mu.Unlock()
	return ids, nil
}

// Search runs a corpus search at the snapshot and registers the result in
// the read set.
func (a *Atomic) Search(key value.Text, q string) ([]value.Identifier, error) {
	if err := a.guardLocked(); err != nil {
		return nil, err
	}

	ids, err := a.store.SearchAt(key, q, a.snapshot)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.reads = append(a.reads, &ReadCheck{
		Key:      key,
		observed: digestIDs(ids),
		recheck: func(s Store, at uint64) (string, error) {
			current, err := s.SearchAt(key, q, at)
			if err != nil {
				return "", err
			}
			return digestIDs(current), nil
		},
	})
	a.mu.Unlock()
	return ids, nil
}

func (a *Atomic) guardLocked() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guard()
}

// Add stages an ADD of (record, key, val). Adding a value that is already
// present surfaces ATOMIC_FAIL, preserving strict ADD/REMOVE alternation.
func (a *Atomic) Add(record value.Identifier, key value.Text, val value.Value) error {
	return a.stage(record, key, val, chunk.ActionAdd)
}

// Remove stages a REMOVE of (record, key, val). Removing an absent value
// surfaces ATOMIC_FAIL.
func (a *Atomic) Remove(record value.Identifier, key value.Text, val value.Value) error {
	return a.stage(record, key, val, chunk.ActionRemove)
}

func (a *Atomic) stage(record value.Identifier, key value.Text, val value.Value, action chunk.Action) error {
	if key == "" {
		return errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Key must be non-empty",
		).WithField("key").WithRule("non_empty")
	}
	if val.IsNull() {
		return errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Null cannot be stored directly",
		).WithField("value").WithRule("non_null")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guard(); err != nil {
		return err
	}

	base, err := a.store.RecordValues(record, key, a.snapshot)
	if err != nil {
		return err
	}
	a.trackValuesRead(record, key, base)

	// Alternation is enforced on the exact tagged value; only lookups
	// collapse numeric and string/tag classes.
	present := false
	for _, v := range a.stagedValues(record, key, base) {
		if v == val {
			present = true
			break
		}
	}
	if action == chunk.ActionAdd && present {
		return errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Value is already present",
		).WithRecord(uint64(record)).WithKey(string(key)).WithOperation("add")
	}
	if action == chunk.ActionRemove && !present {
		return errors.NewAtomicError(
			nil, errors.ErrorCodeAtomicFail, "Value is not present",
		).WithRecord(uint64(record)).WithKey(string(key)).WithOperation("remove")
	}

	a.writes = append(a.writes, limbo.Write{
		Record: record,
		Key:    key,
		Value:  val,
		Action: action,
	})
	return nil
}

// Touch registers (record, key) in the read set without reading or writing:
// a guard that the key's state is unchanged at commit.
func (a *Atomic) Touch(record value.Identifier, key value.Text) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guard(); err != nil {
		return err
	}
	base, err := a.store.RecordValues(record, key, a.snapshot)
	if err != nil {
		return err
	}
	a.trackValuesRead(record, key, base)
	return nil
}

// Commit validates the read set and applies the write set through the
// bound committer. A read-set conflict surfaces ATOMIC_RETRY; the atomic is
// finished either way only on success or unrecoverable failure.
func (a *Atomic) Commit() error {
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	if err := a.committer.Commit(a); err != nil {
		if errors.IsRetry(err) {
			// Leave the atomic unfinished; ExecuteWithRetry rebuilds a fresh
			// one anyway, but callers inspecting state should see it open.
			return err
		}
		a.mu.Lock()
		a.finished = true
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	a.finished = true
	a.mu.Unlock()
	return nil
}

// Abort discards the atomic; all staged writes are dropped.
func (a *Atomic) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = true
	a.writes = nil
	a.reads = nil
}

// ResultSet is a convenience for callers wanting set semantics over Find
// results.
func ResultSet(ids []value.Identifier) mapset.Set[value.Identifier] {
	set := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

// Package limbo implements the durable, ordered, queryable write buffer
// that doubles as the write-ahead log. Writes are appended to fixed-size
// memory-mapped pages and made durable before acknowledgement; rotated
// pages become transport batches, and every buffered write can be overlaid
// onto segment-derived read results until its page is drained.
//
// Limbo is the linearizer of commits: versions are assigned under the same
// critical section that orders appends, so no two commits ever share a
// version and reader iteration order always matches writer insertion order.
package limbo

import (
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/filesys"
	"github.com/iamNilotpal/ember/pkg/options"
	"github.com/iamNilotpal/ember/pkg/seginfo"
)

var (
	ErrLimboClosed = stdErrors.New("operation failed: cannot access closed buffer")
)

// Write is a revision in pre-index form: the table-flavor triple plus the
// action. The version is zero until assigned at insertion.
type Write struct {
	Record  value.Identifier
	Key     value.Text
	Value   value.Value
	Version uint64
	Action  chunk.Action
}

// toRevision converts a write to its table-flavor revision.
func (w Write) toRevision() chunk.TableRevision {
	return chunk.TableRevision{
		Locator: w.Record,
		Key:     w.Key,
		Value:   w.Value,
		Version: w.Version,
		Action:  w.Action,
	}
}

func fromRevision(rev chunk.TableRevision) Write {
	return Write{
		Record:  rev.Locator,
		Key:     rev.Key,
		Value:   rev.Value,
		Version: rev.Version,
		Action:  rev.Action,
	}
}

// Batch is one rotated page's writes, handed to the transporter oldest
// first under the page's sequence number as ordinal.
type Batch struct {
	Ordinal uint64
	Writes  []Write
}

// Limbo is the write buffer. One head page accepts appends under a short
// critical section; rotated pages are immutable and wait for transport.
type Limbo struct {
	log  *zap.SugaredLogger
	opts *options.Options
	dir  string

	mu          sync.Mutex
	pages       []*page // untransported, oldest first; last is the head
	nextSeq     uint64
	lastVersion uint64
	dirty       bool
	flushEpoch  *flushEpoch

	flushSignal chan struct{}
	flushQuit   chan struct{}
	flushDone   chan struct{}
	transportCh chan struct{} // pulsed when a page rotates

	closed atomic.Bool
}

// flushEpoch is one group-commit window: every insert in the window waits
// on ready and shares the flush outcome.
type flushEpoch struct {
	ready chan struct{}
	err   error
}

// Config holds the parameters needed to open the write buffer.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger

	// TransportedThrough is the highest version already durable in a sealed
	// segment. Pages whose writes are all at or below it were drained before
	// the last shutdown or crash and are deleted during recovery.
	TransportedThrough uint64

	// FirstSeq is the lowest sequence number a newly created page may take.
	// Page sequences become batch and segment ordinals, so the engine seeds
	// this with the segment store's next ordinal to keep the numbering
	// monotonic across restarts.
	FirstSeq uint64
}

// Open reopens the buffer from its page files, replaying every
// untransported write, and prepares a head page for new inserts.
func Open(config *Config) (*Limbo, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Buffer configuration is required",
		).WithField("config").WithRule("required")
	}

	dir := filesys.Join(config.Options.DataDir, config.Options.BufferDirectory)
	if err := filesys.CreateDir(dir, 0755, true); err != nil {
		return nil, errors.ClassifyDirectoryCreationError(err, dir)
	}

	l := &Limbo{
		log:         config.Logger,
		opts:        config.Options,
		dir:         dir,
		flushSignal: make(chan struct{}, 1),
		flushQuit:   make(chan struct{}),
		flushDone:   make(chan struct{}),
		transportCh: make(chan struct{}, 1),
		flushEpoch:  &flushEpoch{ready: make(chan struct{})},
		lastVersion: config.TransportedThrough,
		nextSeq:     config.FirstSeq,
	}

	seqs, err := seginfo.DiscoverPages(dir)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to scan buffer directory").
			WithPath(dir)
	}

	for i, seq := range seqs {
		// Sequence numbers are batch ordinals and must never be reused,
		// even when the page itself is deleted or quarantined below.
		if seq >= l.nextSeq {
			l.nextSeq = seq + 1
		}

		sealed := i < len(seqs)-1 // every page but the newest was rotated
		p, err := openPage(filesys.Join(dir, seginfo.PageName(seq)), seq, sealed)
		if err != nil {
			if errors.IsCorruption(err) {
				// Quarantine: the page is unusable but the rest of the
				// buffer still serves. Surfaced loudly for the operator.
				config.Logger.Errorw("Quarantining corrupt buffer page", "seq", seq, "error", err)
				continue
			}
			return nil, err
		}

		if p.maxVersion != 0 && p.maxVersion <= config.TransportedThrough {
			// Fully transported before the crash; the segment has it.
			config.Logger.Infow("Deleting already-transported buffer page", "seq", seq)
			if err := p.remove(); err != nil {
				return nil, err
			}
			continue
		}

		if p.maxVersion > l.lastVersion {
			l.lastVersion = p.maxVersion
		}
		l.pages = append(l.pages, p)
	}

	// The newest surviving page stays the head unless it was already
	// sealed; otherwise start a fresh one.
	if n := len(l.pages); n == 0 || l.pages[n-1].sealed {
		head, err := createPage(dir, l.nextSeq, int(config.Options.PageSize.Bytes()))
		if err != nil {
			return nil, err
		}
		l.pages = append(l.pages, head)
		l.nextSeq++
	}

	go l.flushLoop()

	config.Logger.Infow(
		"Buffer opened",
		"dir", dir,
		"pages", len(l.pages),
		"bufferedWrites", len(l.Snapshot()),
		"lastVersion", l.lastVersion,
	)
	return l, nil
}

// nextVersion assigns a fresh commit version: a microsecond timestamp,
// bumped to stay strictly monotonic. Caller holds the lock.
func (l *Limbo) nextVersion() uint64 {
	v := uint64(time.Now().UnixMicro())
	if v <= l.lastVersion {
		v = l.lastVersion + 1
	}
	l.lastVersion = v
	return v
}

// Current returns the newest assigned version.
func (l *Limbo) Current() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastVersion
}

// Insert appends one write, assigns its version and blocks until it is
// durable under the configured fsync policy.
func (l *Limbo) Insert(w Write) (uint64, error) {
	versions, err := l.InsertBatch([]Write{w})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

// InsertBatch appends several writes under one critical section, assigning
// strictly increasing consecutive versions, and blocks until all are
// durable. Atomic commits use this so their writes are contiguous in the
// log.
func (l *Limbo) InsertBatch(writes []Write) ([]uint64, error) {
	if l.closed.Load() {
		return nil, ErrLimboClosed
	}
	if len(writes) == 0 {
		return nil, nil
	}

	// Back-pressure before taking the lock: rotated pages are the debt the
	// transporter hasn't paid down yet.
	rotated := l.rotatedCount()
	if rotated >= l.opts.TransportHardCap {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeOverloaded, "Write buffer is full; transport is behind",
		).WithDetail("rotatedPages", rotated).
			WithDetail("hardCap", l.opts.TransportHardCap)
	}
	if rotated >= l.opts.TransportSoftCap {
		time.Sleep(time.Millisecond * time.Duration(rotated-l.opts.TransportSoftCap+1))
	}

	l.mu.Lock()

	// Re-check under the lock: a close may have raced the first check.
	if l.closed.Load() || len(l.pages) == 0 {
		l.mu.Unlock()
		return nil, ErrLimboClosed
	}

	versions := make([]uint64, len(writes))
	for i, w := range writes {
		if i == 0 {
			w.Version = l.nextVersion()
		} else {
			l.lastVersion++
			w.Version = l.lastVersion
		}
		versions[i] = w.Version

		encoded := chunk.TableCodec.EncodeRevision(w.toRevision())
		head := l.pages[len(l.pages)-1]
		if !head.fits(len(encoded)) {
			if err := l.rotateLocked(); err != nil {
				l.mu.Unlock()
				return nil, err
			}
			head = l.pages[len(l.pages)-1]
			if !head.fits(len(encoded)) {
				l.mu.Unlock()
				return nil, errors.NewValidationError(
					nil, errors.ErrorCodeInvalidInput, "Write exceeds buffer page size",
				).WithField("write").
					WithProvided(len(encoded)).
					WithExpected(l.opts.PageSize.String())
			}
		}
		head.append(w, encoded)
	}
	l.dirty = true

	if l.opts.FsyncPolicy == options.FsyncPerWrite {
		head := l.pages[len(l.pages)-1]
		err := head.flush()
		l.dirty = false
		l.mu.Unlock()
		return versions, err
	}

	// Group commit: join the open epoch and wait for its flush outside the
	// lock. The flusher swaps epochs before syncing, so this epoch covers
	// everything appended so far.
	epoch := l.flushEpoch
	l.mu.Unlock()

	select {
	case l.flushSignal <- struct{}{}:
	default:
	}
	<-epoch.ready
	return versions, epoch.err
}

// rotateLocked seals the head page and starts a new one. Caller holds the
// lock.
func (l *Limbo) rotateLocked() error {
	head := l.pages[len(l.pages)-1]
	if err := head.seal(); err != nil {
		return err
	}

	next, err := createPage(l.dir, l.nextSeq, int(l.opts.PageSize.Bytes()))
	if err != nil {
		return err
	}
	l.nextSeq++
	l.pages = append(l.pages, next)

	l.log.Infow("Rotated buffer page", "sealedSeq", head.seq, "headSeq", next.seq, "writes", len(head.writes))

	select {
	case l.transportCh <- struct{}{}:
	default:
	}
	return nil
}

// flushLoop is the group-commit worker: each pulse closes the current epoch
// after syncing the head page, releasing every insert that joined it.
func (l *Limbo) flushLoop() {
	defer close(l.flushDone)

	for {
		select {
		case <-l.flushQuit:
			return
		case <-l.flushSignal:
		}

		l.mu.Lock()
		if !l.dirty {
			l.mu.Unlock()
			continue
		}
		epoch := l.flushEpoch
		l.flushEpoch = &flushEpoch{ready: make(chan struct{})}
		head := l.pages[len(l.pages)-1]
		l.dirty = false
		l.mu.Unlock()

		epoch.err = head.flush()
		close(epoch.ready)
	}
}

// Sync forces a flush of the head page, independent of policy.
func (l *Limbo) Sync() error {
	if l.closed.Load() {
		return ErrLimboClosed
	}
	l.mu.Lock()
	head := l.pages[len(l.pages)-1]
	l.dirty = false
	l.mu.Unlock()
	return head.flush()
}

func (l *Limbo) rotatedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.pages {
		if p.sealed {
			n++
		}
	}
	return n
}

// CanTransport reports whether a rotated page is waiting to be drained.
// Rotation only happens when a successor page takes a write, so a sealed
// page is always safe to hand off.
func (l *Limbo) CanTransport() bool {
	return l.rotatedCount() > 0
}

// TransportSignal returns the channel pulsed on every rotation; the
// transporter waits on it instead of polling.
func (l *Limbo) TransportSignal() <-chan struct{} {
	return l.transportCh
}

// NextBatch returns the oldest rotated page's writes as an ordered batch
// without removing anything. The transporter calls Confirm once the batch
// is durable in a published segment.
func (l *Limbo) NextBatch() (Batch, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.pages {
		if p.sealed {
			writes := make([]Write, len(p.writes))
			copy(writes, p.writes)
			return Batch{Ordinal: p.seq, Writes: writes}, true
		}
	}
	return Batch{}, false
}

// Confirm removes the drained page from the visible buffer. It is called
// inside the segment store's publication lock so the batch is never
// observable in both places or in neither; the returned release func
// deletes the page file and runs after the lock is dropped.
func (l *Limbo) Confirm(ordinal uint64) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pages) == 0 || !l.pages[0].sealed || l.pages[0].seq != ordinal {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Transport confirmation out of order",
		).WithDetail("ordinal", ordinal)
	}

	drained := l.pages[0]
	l.pages = l.pages[1:]
	return drained.remove, nil
}

// Snapshot returns every buffered write in insertion order: the read-side
// view of invariant "visible state = sealed segments plus untransported
// limbo".
func (l *Limbo) Snapshot() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Write
	for _, p := range l.pages {
		out = append(out, p.writes...)
	}
	return out
}

// Select applies every buffered write for the locator onto the
// caller-supplied base view, which already holds the segment-derived
// revisions. atVersion of zero means present state.
func (l *Limbo) Select(base *record.Record, locator value.Identifier, atVersion uint64) error {
	return l.overlay(base, locator, "", false, atVersion)
}

// SelectKey is Select restricted to a single key.
func (l *Limbo) SelectKey(base *record.Record, locator value.Identifier, key value.Text, atVersion uint64) error {
	return l.overlay(base, locator, key, true, atVersion)
}

func (l *Limbo) overlay(base *record.Record, locator value.Identifier, key value.Text, byKey bool, atVersion uint64) error {
	for _, w := range l.Snapshot() {
		if w.Record != locator {
			continue
		}
		if byKey && w.Key != key {
			continue
		}
		if atVersion != 0 && w.Version > atVersion {
			continue
		}
		if err := base.Append(w.Key, w.Value, w.Version, w.Action); err != nil {
			return err
		}
	}
	return nil
}

// OverlayKey invokes fn for every buffered write carrying the given key, in
// insertion order. It is a key-filtered view of Snapshot.
func (l *Limbo) OverlayKey(key value.Text, atVersion uint64, fn func(Write)) {
	for _, w := range l.Snapshot() {
		if w.Key != key {
			continue
		}
		if atVersion != 0 && w.Version > atVersion {
			continue
		}
		fn(w)
	}
}

// Depth returns the number of untransported pages and buffered writes.
func (l *Limbo) Depth() (pages int, writes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pages {
		writes += len(p.writes)
	}
	return len(l.pages), writes
}

// Close flushes the head page and unmaps everything. Buffered writes stay
// on disk for the next open.
func (l *Limbo) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLimboClosed
	}

	close(l.flushQuit)
	<-l.flushDone

	l.mu.Lock()
	defer l.mu.Unlock()

	// Release any waiters from the final epoch; its writes are covered by
	// the explicit flush below.
	var err error
	if len(l.pages) > 0 {
		err = l.pages[len(l.pages)-1].flush()
	}
	epoch := l.flushEpoch
	epoch.err = err
	close(epoch.ready)

	for _, p := range l.pages {
		if closeErr := p.close(); err == nil {
			err = closeErr
		}
	}
	l.pages = nil

	l.log.Infow("Buffer closed")
	return err
}

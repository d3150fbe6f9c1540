// Package engine provides the core database engine for the Ember record
// store.
//
// The engine is the central coordinator: it composes the durable write
// buffer (limbo), the immutable segment store, the background transporter
// and a bounded cache of record views, and exposes the read, write and
// atomic-operation surface everything else is built on. All writes are
// serialized through a single commit lock so versions are totally ordered
// and atomic read-set validation races with nothing.
package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/limbo"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/segment"
	"github.com/iamNilotpal/ember/internal/transport"
	"github.com/iamNilotpal/ember/internal/txn"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/filesys"
	"github.com/iamNilotpal/ember/pkg/options"
)

var (
	// ErrEngineClosed is returned when attempting to perform operations on a
	// closed engine.
	ErrEngineClosed = stdErrors.New("operation failed: cannot access closed engine")
)

// Engine is the database core. It is safe for concurrent use from many
// goroutines.
type Engine struct {
	options *options.Options
	log     *zap.SugaredLogger
	closed  atomic.Bool

	limbo       *limbo.Limbo
	store       *segment.Store
	transporter *transport.Transporter

	// commitMu is the database-wide commit lock: every mutation - direct or
	// atomic - validates and appends under it.
	commitMu sync.Mutex

	// cache holds record views keyed by locator (full) or locator+key
	// (partial). Views hold full history, so historical reads share them.
	cache     *lru.Cache[string, *record.Record]
	cacheHits atomic.Uint64
	cacheMiss atomic.Uint64
}

// Config holds the parameters needed to initialize an Engine instance.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// New builds an engine and performs startup recovery: the segment list is
// loaded and validated first, then limbo reopens its pages against the
// highest transported version, so every acknowledged write is visible in
// exactly one place. Start launches background work.
func New(ctx context.Context, config *Config) (*Engine, error) {
	if config == nil || config.Options == nil || config.Logger == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Engine configuration is required",
		).WithField("config").WithRule("required")
	}

	opts := config.Options
	if err := filesys.CreateDir(opts.DataDir, 0755, true); err != nil {
		return nil, errors.ClassifyDirectoryCreationError(err, opts.DataDir)
	}

	config.Logger.Infow(
		"Initializing engine",
		"dataDir", opts.DataDir,
		"pageSize", opts.PageSize.String(),
		"fsyncPolicy", opts.FsyncPolicy,
		"bloomFPP", opts.BloomFPP,
	)

	store, err := segment.Open(&segment.Config{
		Dir:    filesys.Join(opts.DataDir, opts.SegmentDirectory),
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	buffer, err := limbo.Open(&limbo.Config{
		Options:            opts,
		Logger:             config.Logger,
		TransportedThrough: store.MaxVersion(),
		FirstSeq:           store.NextOrdinal(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transporter, err := transport.New(&transport.Config{
		Options: opts,
		Logger:  config.Logger,
		Limbo:   buffer,
		Store:   store,
	})
	if err != nil {
		_ = buffer.Close()
		_ = store.Close()
		return nil, err
	}

	cache, err := lru.New[string, *record.Record](opts.CacheSize)
	if err != nil {
		_ = buffer.Close()
		_ = store.Close()
		return nil, err
	}

	engine := &Engine{
		options:     opts,
		log:         config.Logger,
		limbo:       buffer,
		store:       store,
		transporter: transporter,
		cache:       cache,
	}

	config.Logger.Infow(
		"Engine recovered",
		"segments", store.Len(),
		"currentVersion", buffer.Current(),
	)
	return engine, nil
}

// Start launches the transporter workers.
func (e *Engine) Start() {
	e.transporter.Start()
}

// Stop shuts the engine down: background work first, then the buffer and
// the mapped segments. Buffered writes stay durable for the next start.
func (e *Engine) Stop() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}

	segments, buffered := e.store.Len(), 0
	_, buffered = e.limbo.Depth()
	hits, misses := e.cacheHits.Load(), e.cacheMiss.Load()

	e.transporter.Stop()
	err := multierr.Combine(e.limbo.Close(), e.store.Close())
	e.cache.Purge()

	e.log.Infow(
		"Engine stopped",
		"segments", segments,
		"bufferedWrites", buffered,
		"cacheHits", hits,
		"cacheMisses", misses,
		"error", err,
	)
	return err
}

// Sync forces the write buffer to disk, independent of fsync policy.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.limbo.Sync()
}

// Stats is the operator-facing snapshot of engine health.
type Stats struct {
	Segments       int
	BufferedPages  int
	BufferedWrites int
	CurrentVersion uint64
	CacheHits      uint64
	CacheMisses    uint64
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	pages, writes := e.limbo.Depth()
	return Stats{
		Segments:       e.store.Len(),
		BufferedPages:  pages,
		BufferedWrites: writes,
		CurrentVersion: e.limbo.Current(),
		CacheHits:      e.cacheHits.Load(),
		CacheMisses:    e.cacheMiss.Load(),
	}
}

// validateKey rejects illegal stored keys: empty text and dotted names,
// which are reserved for navigation paths.
func validateKey(key value.Text) error {
	if len(key) == 0 {
		return errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Key must be non-empty",
		).WithField("key").WithRule("non_empty")
	}
	if strings.Contains(string(key), ".") {
		return errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Key must not contain navigation separators",
		).WithField("key").WithRule("no_dots").WithProvided(string(key))
	}
	return nil
}

func validateValue(val value.Value) error {
	if val.IsNull() {
		return errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Null cannot be stored directly",
		).WithField("value").WithRule("non_null")
	}
	return nil
}

// Add commits a single ADD of (record, key, value). Adding a value that is
// already present fails, preserving strict ADD/REMOVE alternation.
func (e *Engine) Add(record value.Identifier, key value.Text, val value.Value) (uint64, error) {
	return e.accept(limbo.Write{Record: record, Key: key, Value: val, Action: chunk.ActionAdd})
}

// Remove commits a single REMOVE of (record, key, value). Removing an
// absent value fails.
func (e *Engine) Remove(record value.Identifier, key value.Text, val value.Value) (uint64, error) {
	return e.accept(limbo.Write{Record: record, Key: key, Value: val, Action: chunk.ActionRemove})
}

// accept validates and commits one write under the commit lock.
func (e *Engine) accept(w limbo.Write) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	if err := validateKey(w.Key); err != nil {
		return 0, err
	}
	if err := validateValue(w.Value); err != nil {
		return 0, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.checkParity([]limbo.Write{w}); err != nil {
		return 0, err
	}

	versions, err := e.limbo.InsertBatch([]limbo.Write{w})
	if err != nil {
		return 0, err
	}
	w.Version = versions[0]
	e.appendToCachedViews([]limbo.Write{w})
	return versions[0], nil
}

// checkParity enforces alternation for a batch against current state: each
// ADD requires absence, each REMOVE requires presence, considering earlier
// writes of the same batch. Presence here is exact, tag included: 18 and
// 18.0 alternate independently even though lookups collapse them.
func (e *Engine) checkParity(writes []limbo.Write) error {
	applied := make(map[string][]value.Value)

	stateOf := func(rec value.Identifier, key value.Text) ([]value.Value, error) {
		ck := fmt.Sprintf("%d\x00%s", rec, key)
		if cached, ok := applied[ck]; ok {
			return cached, nil
		}
		current, err := e.RecordValues(rec, key, 0)
		if err != nil {
			return nil, err
		}
		applied[ck] = current
		return current, nil
	}

	for _, w := range writes {
		current, err := stateOf(w.Record, w.Key)
		if err != nil {
			return err
		}

		present := -1
		for i, v := range current {
			if v == w.Value {
				present = i
				break
			}
		}

		ck := fmt.Sprintf("%d\x00%s", w.Record, w.Key)
		if w.Action == chunk.ActionAdd {
			if present >= 0 {
				return errors.NewAtomicError(
					nil, errors.ErrorCodeAtomicFail, "Value is already present",
				).WithRecord(uint64(w.Record)).WithKey(string(w.Key)).WithOperation("add")
			}
			applied[ck] = append(current, w.Value)
		} else {
			if present < 0 {
				return errors.NewAtomicError(
					nil, errors.ErrorCodeAtomicFail, "Value is not present",
				).WithRecord(uint64(w.Record)).WithKey(string(w.Key)).WithOperation("remove")
			}
			applied[ck] = append(current[:present:present], current[present+1:]...)
		}
	}
	return nil
}

// Commit implements txn.Store: read-set validation and write application
// under the commit lock.
func (e *Engine) Commit(a *txn.Atomic) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	writes := a.Writes()
	for _, w := range writes {
		if err := validateKey(w.Key); err != nil {
			return err
		}
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	for _, rc := range a.Reads() {
		ok, err := rc.Validate(e, 0)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAtomicError(
				nil, errors.ErrorCodeAtomicRetry, "Read set was invalidated by a concurrent commit",
			).WithRecord(uint64(rc.Record)).WithKey(string(rc.Key)).WithOperation("commit")
		}
	}

	if err := e.checkParity(writes); err != nil {
		return err
	}

	versions, err := e.limbo.InsertBatch(writes)
	if err != nil {
		return err
	}
	for i := range writes {
		writes[i].Version = versions[i]
	}
	e.appendToCachedViews(writes)
	return nil
}

// StartAtomic begins a snapshot-isolated atomic operation.
func (e *Engine) StartAtomic() (*txn.Atomic, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return txn.New(e), nil
}

// StartTransaction begins a multi-atomic transaction.
func (e *Engine) StartTransaction() (*txn.Transaction, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return txn.NewTransaction(e), nil
}

// ExecuteWithRetry runs the routine in an atomic, retrying on read-set
// conflicts until success or a non-retryable error.
func (e *Engine) ExecuteWithRetry(ctx context.Context, routine txn.Routine) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return txn.ExecuteWithRetry(ctx, e, routine)
}

// CurrentVersion implements txn.Store.
func (e *Engine) CurrentVersion() uint64 {
	return e.limbo.Current()
}

// Cache keys: full views under "r:<locator>", partial under
// "p:<locator>:<key>".
func fullKey(locator value.Identifier) string {
	return fmt.Sprintf("r:%d", locator)
}

func partialKey(locator value.Identifier, key value.Text) string {
	return fmt.Sprintf("p:%d:%s", locator, key)
}

// appendToCachedViews re-appends freshly committed writes to every cached
// view of the touched locators. Caller holds the commit lock, so versions
// arrive in order.
func (e *Engine) appendToCachedViews(writes []limbo.Write) {
	for _, w := range writes {
		if view, ok := e.cache.Get(fullKey(w.Record)); ok {
			if err := view.Append(w.Key, w.Value, w.Version, w.Action); err != nil {
				// A refresh raced us; drop the view rather than serve a
				// potentially stale merge.
				e.cache.Remove(fullKey(w.Record))
				e.log.Errorw("Evicting cached view after append conflict",
					"record", w.Record, "error", err)
			}
		}
		if view, ok := e.cache.Get(partialKey(w.Record, w.Key)); ok {
			if err := view.Append(w.Key, w.Value, w.Version, w.Action); err != nil {
				e.cache.Remove(partialKey(w.Record, w.Key))
				e.log.Errorw("Evicting cached partial view after append conflict",
					"record", w.Record, "key", w.Key, "error", err)
			}
		}
	}
}

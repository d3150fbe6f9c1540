// Package transport implements the background workers that drain limbo into
// segments. Each batch - one rotated page - becomes exactly one segment
// whose ordinal matches the batch ordinal; publication is strictly in batch
// order, and a failed seal or publish is retried from scratch so no partial
// segment is ever visible.
package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/limbo"
	"github.com/iamNilotpal/ember/internal/segment"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/options"
)

// wakeInterval bounds how long a missed rotation signal can delay transport.
const wakeInterval = 250 * time.Millisecond

// Transporter moves writes from limbo into sealed segments.
type Transporter struct {
	log   *zap.SugaredLogger
	opts  *options.Options
	limbo *limbo.Limbo
	store *segment.Store

	// drainMu serializes batch processing: ordering across batches is part
	// of the visibility contract, so extra workers only ever find the queue
	// empty, never reorder it.
	drainMu sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// Config holds the collaborators a transporter needs.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
	Limbo   *limbo.Limbo
	Store   *segment.Store
}

// New creates a transporter. Start must be called before batches move.
func New(config *Config) (*Transporter, error) {
	if config == nil || config.Options == nil || config.Logger == nil ||
		config.Limbo == nil || config.Store == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Transporter configuration is required",
		).WithField("config").WithRule("required")
	}

	return &Transporter{
		log:   config.Logger,
		opts:  config.Options,
		limbo: config.Limbo,
		store: config.Store,
		quit:  make(chan struct{}),
	}, nil
}

// Start launches the configured number of workers.
func (t *Transporter) Start() {
	for i := 0; i < t.opts.Transporters; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}
	t.log.Infow("Transporter started", "workers", t.opts.Transporters)
}

// Stop signals every worker and waits for in-flight batches to finish.
func (t *Transporter) Stop() {
	close(t.quit)
	t.wg.Wait()
	t.log.Infow("Transporter stopped")
}

func (t *Transporter) worker(id int) {
	defer t.wg.Done()

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-t.limbo.TransportSignal():
		case <-ticker.C:
		}

		// Drain everything eligible before sleeping again.
		for t.drainOne() {
			select {
			case <-t.quit:
				return
			default:
			}
		}
	}
}

// drainOne transports the oldest eligible batch. Returns true when a batch
// was published, false when nothing was eligible or the attempt failed and
// will be retried on the next wake.
func (t *Transporter) drainOne() bool {
	t.drainMu.Lock()
	defer t.drainMu.Unlock()

	batch, ok := t.limbo.NextBatch()
	if !ok {
		return false
	}

	started := time.Now()

	// Build + seal + publish as one retryable unit: a half-sealed triple is
	// rebuilt from scratch, never patched, so a crash or failure at any step
	// leaves nothing visible.
	operation := func() error {
		seg, err := t.buildSegment(batch)
		if err != nil {
			return err
		}

		var release func() error
		err = t.store.AppendLocked(seg, func() error {
			var confirmErr error
			release, confirmErr = t.limbo.Confirm(batch.Ordinal)
			return confirmErr
		})
		if err != nil {
			_ = seg.Close()
			return err
		}
		return release()
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, policy); err != nil {
		t.log.Errorw(
			"Failed to transport batch; will retry on next wake",
			"ordinal", batch.Ordinal,
			"writes", len(batch.Writes),
			"error", err,
		)
		return false
	}

	t.log.Infow(
		"Transported batch into segment",
		"ordinal", batch.Ordinal,
		"writes", len(batch.Writes),
		"elapsed", time.Since(started),
	)
	return true
}

// buildSegment expands every write of the batch into its table, index and
// corpus revisions and seals the triple.
func (t *Transporter) buildSegment(batch limbo.Batch) (*segment.Segment, error) {
	builder := segment.NewBuilder(batch.Ordinal, len(batch.Writes), t.opts.BloomFPP)

	for _, w := range batch.Writes {
		builder.Observe(w.Version)

		if err := builder.Table.Insert(chunk.TableRevision{
			Locator: w.Record,
			Key:     w.Key,
			Value:   w.Value,
			Version: w.Version,
			Action:  w.Action,
		}); err != nil {
			return nil, err
		}

		if err := builder.Index.Insert(chunk.IndexRevision{
			Locator: w.Key,
			Key:     w.Value,
			Value:   w.Record,
			Version: w.Version,
			Action:  w.Action,
		}); err != nil {
			return nil, err
		}

		if w.Value.IsTextual() {
			for i, token := range value.Tokenize(w.Value.StringValue()) {
				if err := builder.Corpus.Insert(chunk.CorpusRevision{
					Locator: w.Key,
					Key:     token,
					Value:   value.Position{Record: w.Record, Index: uint32(i)},
					Version: w.Version,
					Action:  w.Action,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	return builder.Seal(t.store.Dir())
}

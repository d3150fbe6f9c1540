// Package ember provides a versioned, transactional record store built on a
// log-structured, multi-index storage engine. Writes land in a durable
// append-only buffer that doubles as the write-ahead log and are
// immediately queryable; a background transporter indexes them into
// immutable on-disk segments supporting point, range, navigation and
// full-text queries at arbitrary historical versions.
//
// Instance is the primary entry point: it exposes the read surface
// (Select, Get, Find, Search, Browse, Verify and their historical
// variants), the write surface (Add, Remove) and snapshot-isolated atomic
// operations with optimistic retry.
package ember

import (
	"context"

	"github.com/iamNilotpal/ember/internal/engine"
	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/txn"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/logger"
	"github.com/iamNilotpal/ember/pkg/options"
)

// Re-exported core types so embedders work against one import path.
type (
	// Identifier is a record's primary key.
	Identifier = value.Identifier

	// Value is the tagged union a field can hold.
	Value = value.Value

	// Text is the canonical string type for keys and search terms.
	Text = value.Text

	// Atomic is a snapshot-isolated read/write set.
	Atomic = txn.Atomic

	// Transaction composes multiple atomics under one snapshot.
	Transaction = txn.Transaction

	// Routine is the body run by ExecuteWithRetry.
	Routine = txn.Routine

	// Criteria nodes for Find.
	Criteria = query.Node
	Leaf     = query.Leaf
	And      = query.And
	Or       = query.Or
	Not      = query.Not

	// Stats is the operator-facing health snapshot.
	Stats = engine.Stats
)

// Instance represents one open Ember database. It encapsulates the core
// engine responsible for data handling and the configuration options for
// this specific instance, and is safe for concurrent use.
type Instance struct {
	engine  *engine.Engine
	options *options.Options
}

// Open creates or recovers the database rooted at the configured data
// directory and starts its background workers.
func Open(ctx context.Context, service string, opts ...options.OptionFunc) (*Instance, error) {
	log := logger.New(service)

	defaultOpts := options.NewDefaultOptions()
	for _, opt := range opts {
		opt(&defaultOpts)
	}

	eng, err := engine.New(ctx, &engine.Config{Logger: log, Options: &defaultOpts})
	if err != nil {
		return nil, err
	}
	eng.Start()

	return &Instance{engine: eng, options: &defaultOpts}, nil
}

// Add commits a single ADD of (record, key, value) and returns its version.
func (i *Instance) Add(record Identifier, key Text, val Value) (uint64, error) {
	return i.engine.Add(record, key, val)
}

// Remove commits a single REMOVE of (record, key, value).
func (i *Instance) Remove(record Identifier, key Text, val Value) (uint64, error) {
	return i.engine.Remove(record, key, val)
}

// Set replaces every present value of (record, key) with val, atomically.
func (i *Instance) Set(ctx context.Context, record Identifier, key Text, val Value) error {
	return i.engine.ExecuteWithRetry(ctx, func(a *Atomic) error {
		current, err := a.Get(record, key)
		if err != nil {
			return err
		}
		for _, v := range current {
			if err := a.Remove(record, key, v); err != nil {
				return err
			}
		}
		return a.Add(record, key, val)
	})
}

// Get returns the present values of (record, key).
func (i *Instance) Get(record Identifier, key Text) ([]Value, error) {
	return i.engine.Get(record, key)
}

// GetAt returns the values of (record, key) as of a historical version.
func (i *Instance) GetAt(record Identifier, key Text, atVersion uint64) ([]Value, error) {
	return i.engine.GetAt(record, key, atVersion)
}

// Select returns every non-empty key of a record with its values.
func (i *Instance) Select(record Identifier) (map[Text][]Value, error) {
	return i.engine.Select(record)
}

// SelectAt is the historical variant of Select.
func (i *Instance) SelectAt(record Identifier, atVersion uint64) (map[Text][]Value, error) {
	return i.engine.SelectAt(record, atVersion)
}

// Describe returns the non-empty keys of a record.
func (i *Instance) Describe(record Identifier) ([]Text, error) {
	return i.engine.Describe(record)
}

// Verify reports whether (record, key, value) currently holds.
func (i *Instance) Verify(record Identifier, key Text, val Value) (bool, error) {
	return i.engine.Verify(record, key, val)
}

// VerifyAt is the historical variant of Verify.
func (i *Instance) VerifyAt(record Identifier, key Text, val Value, atVersion uint64) (bool, error) {
	return i.engine.VerifyAt(record, key, val, atVersion)
}

// Find evaluates a parsed criteria tree and returns the matching records.
func (i *Instance) Find(criteria Criteria) ([]Identifier, error) {
	return i.engine.Find(criteria)
}

// FindAt is the historical variant of Find.
func (i *Instance) FindAt(criteria Criteria, atVersion uint64) ([]Identifier, error) {
	return i.engine.FindAt(criteria, atVersion, nil)
}

// Search returns the records whose indexed text under key matches the query
// as an ordered infix of (sub)tokens.
func (i *Instance) Search(key Text, query string) ([]Identifier, error) {
	return i.engine.Search(key, query)
}

// Browse returns, for a key, every present value and the records holding
// it; navigation keys traverse link paths.
func (i *Instance) Browse(key string) (map[string][]Identifier, error) {
	return i.engine.Browse(key)
}

// Chronologize returns the value-set history of (record, key) in [from, to].
func (i *Instance) Chronologize(rec Identifier, key Text, from, to uint64) ([]record.VersionedValues, error) {
	return i.engine.Chronologize(rec, key, from, to)
}

// StartAtomic begins a snapshot-isolated atomic operation.
func (i *Instance) StartAtomic() (*Atomic, error) {
	return i.engine.StartAtomic()
}

// StartTransaction begins a multi-atomic transaction.
func (i *Instance) StartTransaction() (*Transaction, error) {
	return i.engine.StartTransaction()
}

// ExecuteWithRetry runs the routine inside an atomic, retrying on conflict
// until success, a non-retryable error, or context cancellation.
func (i *Instance) ExecuteWithRetry(ctx context.Context, routine Routine) error {
	return i.engine.ExecuteWithRetry(ctx, routine)
}

// Sync forces buffered writes to disk, independent of the fsync policy.
func (i *Instance) Sync() error {
	return i.engine.Sync()
}

// Stats returns current engine counters.
func (i *Instance) Stats() Stats {
	return i.engine.Stats()
}

// Close gracefully shuts the instance down: background workers stop,
// buffers flush, and mapped segments are released. Buffered writes remain
// durable for the next Open.
func (i *Instance) Close(ctx context.Context) error {
	return i.engine.Stop()
}

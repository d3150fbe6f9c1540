package engine

import (
	"sort"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/limbo"
	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/segment"
	"github.com/iamNilotpal/ember/internal/value"
)

// snapshotView runs fn over a consistent pairing of the segment list and
// the limbo overlay: the transporter swaps a batch between the two under
// the same lock, so a write is never seen twice or not at all.
func (e *Engine) snapshotView(fn func(segments []*segment.Segment, buffered []limbo.Write) error) error {
	return e.store.ReadView(func(segments []*segment.Segment) error {
		return fn(segments, e.limbo.Snapshot())
	})
}

// collectTable gathers every table revision of a locator (optionally one
// key) across segments and limbo, sorted by version: the input order record
// views require.
func (e *Engine) collectTable(locator value.Identifier, key value.Text, byKey bool, afterVersion uint64) ([]chunk.TableRevision, error) {
	var revs []chunk.TableRevision

	err := e.snapshotView(func(segments []*segment.Segment, buffered []limbo.Write) error {
		for _, seg := range segments {
			var (
				segRevs []chunk.TableRevision
				err     error
			)
			if byKey {
				segRevs, err = seg.Table.SeekKey(locator, key)
			} else {
				segRevs, err = seg.Table.Seek(locator)
			}
			if err != nil {
				return err
			}
			revs = append(revs, segRevs...)
		}

		for _, w := range buffered {
			if w.Record != locator {
				continue
			}
			if byKey && w.Key != key {
				continue
			}
			revs = append(revs, chunk.TableRevision{
				Locator: w.Record,
				Key:     w.Key,
				Value:   w.Value,
				Version: w.Version,
				Action:  w.Action,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if afterVersion > 0 {
		kept := revs[:0]
		for _, rev := range revs {
			if rev.Version > afterVersion {
				kept = append(kept, rev)
			}
		}
		revs = kept
	}

	sort.Slice(revs, func(i, j int) bool { return revs[i].Version < revs[j].Version })
	return revs, nil
}

// buildView materializes a fresh record view from storage.
func (e *Engine) buildView(locator value.Identifier, key value.Text, partial bool) (*record.Record, error) {
	var view *record.Record
	if partial {
		view = record.NewPartial(locator, key)
	} else {
		view = record.New(locator)
	}

	revs, err := e.collectTable(locator, key, partial, 0)
	if err != nil {
		return nil, err
	}
	for _, rev := range revs {
		if err := view.Append(rev.Key, rev.Value, rev.Version, rev.Action); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// refreshView appends revisions newer than the view's high-water mark.
func (e *Engine) refreshView(view *record.Record) error {
	partial := view.Shape() == record.ShapePartial
	revs, err := e.collectTable(view.Locator(), view.Key(), partial, view.MaxVersion())
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if err := view.Append(rev.Key, rev.Value, rev.Version, rev.Action); err != nil {
			return err
		}
	}
	return nil
}

// fullView returns the cached full view of a locator, refreshed to the
// present, building and caching one on miss. Promotion retires any partial
// entries for the locator.
func (e *Engine) fullView(locator value.Identifier) (*record.Record, error) {
	ck := fullKey(locator)
	if view, ok := e.cache.Get(ck); ok {
		if err := e.refreshView(view); err == nil {
			e.cacheHits.Add(1)
			return view, nil
		}
		// A concurrent commit raced the refresh; rebuild below.
		e.cache.Remove(ck)
	}
	e.cacheMiss.Add(1)

	view, err := e.buildView(locator, "", false)
	if err != nil {
		return nil, err
	}
	e.cache.Add(ck, view)

	// The full view supersedes any cached single-key slices of the record.
	for _, cached := range e.cache.Keys() {
		if len(cached) > 2 && cached[0] == 'p' {
			if partial, ok := e.cache.Peek(cached); ok && partial.Locator() == locator {
				e.cache.Remove(cached)
			}
		}
	}
	return view, nil
}

// keyView returns a view suitable for reading (locator, key): the cached
// full view when present, otherwise a cached-or-built partial view.
func (e *Engine) keyView(locator value.Identifier, key value.Text) (*record.Record, error) {
	if view, ok := e.cache.Get(fullKey(locator)); ok {
		if err := e.refreshView(view); err == nil {
			e.cacheHits.Add(1)
			return view, nil
		}
		e.cache.Remove(fullKey(locator))
	}

	ck := partialKey(locator, key)
	if view, ok := e.cache.Get(ck); ok {
		if err := e.refreshView(view); err == nil {
			e.cacheHits.Add(1)
			return view, nil
		}
		e.cache.Remove(ck)
	}
	e.cacheMiss.Add(1)

	view, err := e.buildView(locator, key, true)
	if err != nil {
		return nil, err
	}
	e.cache.Add(ck, view)
	return view, nil
}

// RecordValues implements query.Source and txn.Store: the present values of
// (record, key) at a version (zero means head).
func (e *Engine) RecordValues(locator value.Identifier, key value.Text, at uint64) ([]value.Value, error) {
	view, err := e.keyView(locator, key)
	if err != nil {
		return nil, err
	}
	return view.GetAt(key, at), nil
}

// indexEntry mirrors one index revision during merges.
type indexEntry struct {
	val     value.Value
	rec     value.Identifier
	version uint64
	action  chunk.Action
}

// collectIndex gathers every index revision for a key across segments and
// limbo, sorted by version.
func (e *Engine) collectIndex(key value.Text, at uint64) ([]indexEntry, error) {
	var entries []indexEntry

	err := e.snapshotView(func(segments []*segment.Segment, buffered []limbo.Write) error {
		for _, seg := range segments {
			revs, err := seg.Index.Seek(key)
			if err != nil {
				return err
			}
			for _, rev := range revs {
				entries = append(entries, indexEntry{
					val:     rev.Key,
					rec:     rev.Value,
					version: rev.Version,
					action:  rev.Action,
				})
			}
		}
		for _, w := range buffered {
			if w.Key != key {
				continue
			}
			entries = append(entries, indexEntry{
				val:     w.Value,
				rec:     w.Record,
				version: w.Version,
				action:  w.Action,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if at > 0 {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.version <= at {
				kept = append(kept, entry)
			}
		}
		entries = kept
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })
	return entries, nil
}

// KeyValues implements query.Source: parity-resolved (value, record) pairs
// for a key at a version.
func (e *Engine) KeyValues(key value.Text, at uint64) ([]query.Pair, error) {
	entries, err := e.collectIndex(key, at)
	if err != nil {
		return nil, err
	}

	type tally struct {
		pair  query.Pair
		count int
	}
	var order []string
	counts := make(map[string]*tally)

	for _, entry := range entries {
		ck := string(entry.val.Encode()) + "\x00" + string(value.EncodeIdentifier(entry.rec))
		t, ok := counts[ck]
		if !ok {
			t = &tally{pair: query.Pair{Value: entry.val, Record: entry.rec}}
			counts[ck] = t
			order = append(order, ck)
		}
		if entry.action == chunk.ActionAdd {
			t.count++
		} else {
			t.count--
		}
	}

	var pairs []query.Pair
	for _, ck := range order {
		if counts[ck].count > 0 {
			pairs = append(pairs, counts[ck].pair)
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if cmp := value.Compare(pairs[i].Value, pairs[j].Value); cmp != 0 {
			return cmp < 0
		}
		return pairs[i].Record < pairs[j].Record
	})
	return pairs, nil
}

// CorpusEntries implements query.Source: per record, the term present at
// each token position of the key's indexed text.
func (e *Engine) CorpusEntries(key value.Text, at uint64) (map[value.Identifier]map[uint32]value.Text, error) {
	type corpusRev struct {
		term    value.Text
		pos     value.Position
		version uint64
		action  chunk.Action
	}
	var revs []corpusRev

	err := e.snapshotView(func(segments []*segment.Segment, buffered []limbo.Write) error {
		for _, seg := range segments {
			segRevs, err := seg.Corpus.Seek(key)
			if err != nil {
				return err
			}
			for _, rev := range segRevs {
				revs = append(revs, corpusRev{
					term:    rev.Key,
					pos:     rev.Value,
					version: rev.Version,
					action:  rev.Action,
				})
			}
		}

		// Buffered textual writes expand to corpus revisions on the fly,
		// exactly as the transporter will expand them later.
		for _, w := range buffered {
			if w.Key != key || !w.Value.IsTextual() {
				continue
			}
			for i, token := range value.Tokenize(w.Value.StringValue()) {
				revs = append(revs, corpusRev{
					term:    token,
					pos:     value.Position{Record: w.Record, Index: uint32(i)},
					version: w.Version,
					action:  w.Action,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })

	// Parity per (term, position): a position can host different terms over
	// time as values are removed and re-added.
	type slot struct {
		term  value.Text
		pos   value.Position
		count int
	}
	counts := make(map[string]*slot)
	for _, rev := range revs {
		if at > 0 && rev.version > at {
			continue
		}
		ck := string(value.EncodePosition(rev.pos)) + string(rev.term)
		s, ok := counts[ck]
		if !ok {
			s = &slot{term: rev.term, pos: rev.pos}
			counts[ck] = s
		}
		if rev.action == chunk.ActionAdd {
			s.count++
		} else {
			s.count--
		}
	}

	out := make(map[value.Identifier]map[uint32]value.Text)
	for _, s := range counts {
		if s.count <= 0 {
			continue
		}
		if out[s.pos.Record] == nil {
			out[s.pos.Record] = make(map[uint32]value.Text)
		}
		out[s.pos.Record][s.pos.Index] = s.term
	}
	return out, nil
}

// Universe implements query.Source: every record holding at least one
// present value at the version.
func (e *Engine) Universe(at uint64) ([]value.Identifier, error) {
	type tally struct {
		locator value.Identifier
		count   int
	}
	counts := make(map[string]*tally)

	tallyRev := func(rev chunk.TableRevision) {
		if at > 0 && rev.Version > at {
			return
		}
		ck := string(value.EncodeIdentifier(rev.Locator)) + "\x00" +
			string(rev.Key) + "\x00" + string(rev.Value.Encode())
		t, ok := counts[ck]
		if !ok {
			t = &tally{locator: rev.Locator}
			counts[ck] = t
		}
		if rev.Action == chunk.ActionAdd {
			t.count++
		} else {
			t.count--
		}
	}

	err := e.snapshotView(func(segments []*segment.Segment, buffered []limbo.Write) error {
		for _, seg := range segments {
			if err := seg.Table.Iterate(func(rev chunk.TableRevision) error {
				tallyRev(rev)
				return nil
			}); err != nil {
				return err
			}
		}
		for _, w := range buffered {
			tallyRev(chunk.TableRevision{
				Locator: w.Record,
				Key:     w.Key,
				Value:   w.Value,
				Version: w.Version,
				Action:  w.Action,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[value.Identifier]bool)
	var out []value.Identifier
	for _, t := range counts {
		if t.count > 0 && !seen[t.locator] {
			seen[t.locator] = true
			out = append(out, t.locator)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

package engine

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/query"
	"github.com/iamNilotpal/ember/internal/record"
	"github.com/iamNilotpal/ember/internal/value"
)

// Select returns every non-empty key of a record with its present values.
func (e *Engine) Select(locator value.Identifier) (map[value.Text][]value.Value, error) {
	return e.SelectAt(locator, 0)
}

// SelectAt is the historical variant of Select; atVersion of zero means the
// present state.
func (e *Engine) SelectAt(locator value.Identifier, atVersion uint64) (map[value.Text][]value.Value, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	view, err := e.fullView(locator)
	if err != nil {
		return nil, err
	}
	return view.BrowseAt(atVersion), nil
}

// Get returns the present values of (record, key).
func (e *Engine) Get(locator value.Identifier, key value.Text) ([]value.Value, error) {
	return e.GetAt(locator, key, 0)
}

// GetAt is the historical variant of Get.
func (e *Engine) GetAt(locator value.Identifier, key value.Text, atVersion uint64) ([]value.Value, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.RecordValues(locator, key, atVersion)
}

// Verify reports whether (record, key, value) currently holds.
func (e *Engine) Verify(locator value.Identifier, key value.Text, val value.Value) (bool, error) {
	return e.VerifyAt(locator, key, val, 0)
}

// VerifyAt is the historical variant of Verify.
func (e *Engine) VerifyAt(locator value.Identifier, key value.Text, val value.Value, atVersion uint64) (bool, error) {
	if e.closed.Load() {
		return false, ErrEngineClosed
	}
	view, err := e.keyView(locator, key)
	if err != nil {
		return false, err
	}
	return view.Verify(key, val, atVersion), nil
}

// Describe returns the non-empty keys of a record.
func (e *Engine) Describe(locator value.Identifier) ([]value.Text, error) {
	return e.DescribeAt(locator, 0)
}

// DescribeAt is the historical variant of Describe; it also serves
// txn.Store.
func (e *Engine) DescribeAt(locator value.Identifier, atVersion uint64) ([]value.Text, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	view, err := e.fullView(locator)
	if err != nil {
		return nil, err
	}
	return view.DescribeAt(atVersion), nil
}

// Chronologize returns the value-set history of (record, key) across the
// version window [from, to]; zero bounds mean unbounded.
func (e *Engine) Chronologize(locator value.Identifier, key value.Text, from, to uint64) ([]record.VersionedValues, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	view, err := e.keyView(locator, key)
	if err != nil {
		return nil, err
	}
	return view.Chronologize(key, from, to), nil
}

// Browse returns, for a key, every present value and the records holding
// it. Navigation keys traverse link paths and group sources by leaf value.
func (e *Engine) Browse(key string) (map[string][]value.Identifier, error) {
	return e.BrowseAt(key, 0)
}

// BrowseAt is the historical variant of Browse.
func (e *Engine) BrowseAt(key string, atVersion uint64) (map[string][]value.Identifier, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	if query.IsNavigation(key) {
		browsed, err := query.BrowseNavigation(e, key, atVersion, nil)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]value.Identifier, len(browsed))
		for label, set := range browsed {
			out[label] = query.SortedIDs(set)
		}
		return out, nil
	}

	pairs, err := e.KeyValues(value.Intern(key), atVersion)
	if err != nil {
		return nil, err
	}

	// Stored variants of one equality class (18 and 18.0) render to the
	// same label; records are deduplicated under it.
	out := make(map[string][]value.Identifier)
	for _, pair := range pairs {
		label := pair.Value.String()
		ids := out[label]
		if n := len(ids); n == 0 || ids[n-1] != pair.Record {
			out[label] = append(ids, pair.Record)
		}
	}
	return out, nil
}

// Find evaluates a criteria tree against the present state and returns the
// matching records in ascending order.
func (e *Engine) Find(node query.Node) ([]value.Identifier, error) {
	return e.FindAt(node, 0, nil)
}

// FindAt is the historical variant of Find; it also serves txn.Store, with
// traversal reads reported to the tracker.
func (e *Engine) FindAt(node query.Node, atVersion uint64, tracker query.ReadTracker) ([]value.Identifier, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	set, err := query.Evaluate(e, node, atVersion, tracker)
	if err != nil {
		return nil, err
	}
	return query.SortedIDs(set), nil
}

// FindWithStrategy evaluates a navigation leaf under an explicit traversal
// strategy; the auto-selected, forward, reverse and ad-hoc answers must
// always agree.
func (e *Engine) FindWithStrategy(leaf query.Leaf, atVersion uint64, strategy query.Strategy) ([]value.Identifier, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	set, err := query.EvaluateWithStrategy(e, leaf, atVersion, nil, strategy)
	if err != nil {
		return nil, err
	}
	return query.SortedIDs(set), nil
}

// Search returns the records whose indexed text under key matches the query
// as an ordered infix of (sub)tokens.
func (e *Engine) Search(key value.Text, q string) ([]value.Identifier, error) {
	return e.SearchAt(key, q, 0)
}

// SearchAt is the historical variant of Search; it also serves txn.Store.
func (e *Engine) SearchAt(key value.Text, q string, atVersion uint64) ([]value.Identifier, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	set, err := query.Search(e, key, q, atVersion)
	if err != nil {
		return nil, err
	}
	return query.SortedIDs(set), nil
}

// Inventory returns every record in the database.
func (e *Engine) Inventory() ([]value.Identifier, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.Universe(0)
}

// ResultSet converts a sorted identifier slice back into a set, for callers
// composing further set algebra.
func ResultSet(ids []value.Identifier) mapset.Set[value.Identifier] {
	set := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

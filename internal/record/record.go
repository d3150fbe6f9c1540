// Package record implements the on-demand materialized views the engine
// serves reads from: for one locator, the merge of its segment-derived
// revisions with the limbo overlay.
//
// A view holds a monotonically growing sorted multiset of revisions keyed
// by (key, value, version). Appends must arrive in strictly increasing
// version order - segment revisions first, then the limbo overlay in
// insertion order - and a violation fails fast rather than being reordered.
// Presence is ADD/REMOVE parity: a value is present iff its ADD count
// exceeds its REMOVE count.
package record

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

const btreeDegree = 8

// entry is one revision projected onto a single record: the locator is
// implicit. class is the exact encoded value, tag preserved, so 18 and 18.0
// alternate independently while still being reported together by reads that
// collapse tags.
type entry struct {
	key     value.Text
	class   string
	val     value.Value
	version uint64
	action  chunk.Action
}

func entryLess(a, b entry) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	if a.class != b.class {
		return a.class < b.class
	}
	return a.version < b.version
}

// Shape distinguishes the two cache units: a Full view holds every key of
// its locator, a Partial view holds exactly one.
type Shape uint8

const (
	ShapeFull Shape = iota
	ShapePartial
)

// Record is a materialized view over one locator's revisions.
type Record struct {
	locator value.Identifier
	key     value.Text // populated for partial views
	shape   Shape

	mu         sync.RWMutex
	tree       *btree.BTreeG[entry]
	maxVersion uint64
}

// New creates an empty full view for the locator.
func New(locator value.Identifier) *Record {
	return &Record{
		locator: locator,
		shape:   ShapeFull,
		tree:    btree.NewG(btreeDegree, entryLess),
	}
}

// NewPartial creates an empty single-key view for the locator.
func NewPartial(locator value.Identifier, key value.Text) *Record {
	return &Record{
		locator: locator,
		key:     key,
		shape:   ShapePartial,
		tree:    btree.NewG(btreeDegree, entryLess),
	}
}

// Locator returns the record's identifier.
func (r *Record) Locator() value.Identifier { return r.locator }

// Shape returns whether the view is full or partial.
func (r *Record) Shape() Shape { return r.shape }

// Key returns the key a partial view is bound to.
func (r *Record) Key() value.Text { return r.key }

// MaxVersion returns the newest version appended so far.
func (r *Record) MaxVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxVersion
}

// Len returns the number of revisions held.
func (r *Record) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// Append adds one revision to the view. Versions must be strictly greater
// than anything already present; a partial view only accepts its own key.
func (r *Record) Append(key value.Text, val value.Value, version uint64, action chunk.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shape == ShapePartial && key != r.key {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Partial record view received a foreign key",
		).WithDetail("locator", r.locator).
			WithDetail("viewKey", string(r.key)).
			WithDetail("appendKey", string(key))
	}
	if version <= r.maxVersion {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Record view append out of version order",
		).WithDetail("locator", r.locator).
			WithDetail("version", version).
			WithDetail("maxVersion", r.maxVersion)
	}

	r.tree.ReplaceOrInsert(entry{
		key:     key,
		class:   string(val.Encode()),
		val:     val,
		version: version,
		action:  action,
	})
	r.maxVersion = version
	return nil
}

// ascendKey walks every entry of one key in (class, version) order.
func (r *Record) ascendKey(key value.Text, fn func(entry) bool) {
	r.tree.AscendGreaterOrEqual(entry{key: key}, func(e entry) bool {
		if e.key != key {
			return false
		}
		return fn(e)
	})
}

// present accumulates ADD/REMOVE parity per exact value class for one key,
// honoring the version ceiling (zero means no ceiling), and returns the
// values whose ADD count exceeds their REMOVE count.
func (r *Record) present(key value.Text, atVersion uint64) []value.Value {
	type tally struct {
		val   value.Value
		count int
	}
	var order []string
	counts := make(map[string]*tally)

	r.ascendKey(key, func(e entry) bool {
		if atVersion != 0 && e.version > atVersion {
			return true
		}
		t, ok := counts[e.class]
		if !ok {
			t = &tally{val: e.val}
			counts[e.class] = t
			order = append(order, e.class)
		}
		if e.action == chunk.ActionAdd {
			t.count++
		} else {
			t.count--
		}
		return true
	})

	var out []value.Value
	for _, class := range order {
		if counts[class].count > 0 {
			out = append(out, counts[class].val)
		}
	}
	return out
}

// Get returns the values present for the key after applying all actions.
func (r *Record) Get(key value.Text) []value.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.present(key, 0)
}

// GetAt is the historical variant of Get, considering only revisions with
// version at or below atVersion.
func (r *Record) GetAt(key value.Text, atVersion uint64) []value.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.present(key, atVersion)
}

// Verify reports whether val is present for the key, under tag-collapsed
// equality. atVersion of zero means present state.
func (r *Record) Verify(key value.Text, val value.Value, atVersion uint64) bool {
	for _, present := range r.GetAt(key, atVersion) {
		if value.EqualsIgnoreType(present, val) {
			return true
		}
	}
	return false
}

// keysLocked returns the distinct keys with at least one revision, sorted.
func (r *Record) keysLocked() []value.Text {
	var out []value.Text
	var last value.Text
	first := true
	r.tree.Ascend(func(e entry) bool {
		if first || e.key != last {
			out = append(out, e.key)
			last = e.key
			first = false
		}
		return true
	})
	return out
}

// Describe returns the keys that are non-empty after applying all actions.
func (r *Record) Describe() []value.Text {
	return r.DescribeAt(0)
}

// DescribeAt is the historical variant of Describe.
func (r *Record) DescribeAt(atVersion uint64) []value.Text {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []value.Text
	for _, key := range r.keysLocked() {
		if len(r.present(key, atVersion)) > 0 {
			out = append(out, key)
		}
	}
	return out
}

// Browse returns the mapping key -> present values.
func (r *Record) Browse() map[value.Text][]value.Value {
	return r.BrowseAt(0)
}

// BrowseAt is the historical variant of Browse.
func (r *Record) BrowseAt(atVersion uint64) map[value.Text][]value.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[value.Text][]value.Value)
	for _, key := range r.keysLocked() {
		if values := r.present(key, atVersion); len(values) > 0 {
			out[key] = values
		}
	}
	return out
}

// VersionedValues is one step of a chronology: the value set materialized
// immediately after the revision committed at Version.
type VersionedValues struct {
	Version uint64
	Values  []value.Value
}

// Chronologize returns the ordered value-set history of a key across
// [from, to]. Revisions before the window establish the initial state;
// every revision inside the window contributes one step.
func (r *Record) Chronologize(key value.Text, from, to uint64) []VersionedValues {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Gather the key's revisions in version order.
	var revs []entry
	r.ascendKey(key, func(e entry) bool {
		revs = append(revs, e)
		return true
	})
	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })

	counts := make(map[string]*struct {
		val   value.Value
		count int
	})
	var order []string

	apply := func(e entry) {
		t, ok := counts[e.class]
		if !ok {
			t = &struct {
				val   value.Value
				count int
			}{val: e.val}
			counts[e.class] = t
			order = append(order, e.class)
		}
		if e.action == chunk.ActionAdd {
			t.count++
		} else {
			t.count--
		}
	}

	snapshot := func() []value.Value {
		var out []value.Value
		for _, class := range order {
			if counts[class].count > 0 {
				out = append(out, counts[class].val)
			}
		}
		return out
	}

	var steps []VersionedValues
	for _, e := range revs {
		if to != 0 && e.version > to {
			break
		}
		apply(e)
		if e.version >= from {
			steps = append(steps, VersionedValues{Version: e.version, Values: snapshot()})
		}
	}
	return steps
}

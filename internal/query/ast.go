// Package query implements the declarative query engine: evaluation of
// already-parsed criteria trees over a snapshot, navigation-key traversal
// across record links, and infix token search over the corpus.
//
// The engine never touches storage directly; it reads through the Source
// interface, which the database implements by merging sealed segments with
// the limbo overlay. Results are identifier sets with deterministic sorted
// extraction.
package query

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/value"
)

// Operator enumerates the leaf predicates the engine evaluates.
type Operator uint8

const (
	Equals Operator = iota
	NotEquals
	GreaterThan
	GreaterThanOrEquals
	LessThan
	LessThanOrEquals
	Between // left-inclusive, right-exclusive
	Regex
	NotRegex
	Like
	NotLike
	Contains
	NotContains
	LinksTo
)

// String names the operator for logs and error details.
func (op Operator) String() string {
	switch op {
	case Equals:
		return "EQUALS"
	case NotEquals:
		return "NOT_EQUALS"
	case GreaterThan:
		return "GREATER_THAN"
	case GreaterThanOrEquals:
		return "GREATER_THAN_OR_EQUALS"
	case LessThan:
		return "LESS_THAN"
	case LessThanOrEquals:
		return "LESS_THAN_OR_EQUALS"
	case Between:
		return "BETWEEN"
	case Regex:
		return "REGEX"
	case NotRegex:
		return "NOT_REGEX"
	case Like:
		return "LIKE"
	case NotLike:
		return "NOT_LIKE"
	case Contains:
		return "CONTAINS"
	case NotContains:
		return "NOT_CONTAINS"
	case LinksTo:
		return "LINKS_TO"
	}
	return "UNKNOWN"
}

// Node is a node of a parsed criteria tree.
type Node interface {
	isNode()
}

// Leaf is a key/operator/values predicate. A key containing '.' is a
// navigation path.
type Leaf struct {
	Key    string
	Op     Operator
	Values []value.Value
}

// And is the conjunction of its children.
type And struct {
	Children []Node
}

// Or is the disjunction of its children.
type Or struct {
	Children []Node
}

// Not is the complement of its child within the snapshot's universe.
type Not struct {
	Child Node
}

func (Leaf) isNode() {}
func (And) isNode()  {}
func (Or) isNode()   {}
func (Not) isNode()  {}

// Pair is one parity-resolved index entry: the record holds the value under
// some key at the queried version.
type Pair struct {
	Value  value.Value
	Record value.Identifier
}

// Source is the snapshot the engine reads through.
type Source interface {
	// KeyValues returns every present (value, record) pair for the key at
	// the given version (zero means present state), parity already applied.
	KeyValues(key value.Text, at uint64) ([]Pair, error)

	// RecordValues returns the present values of (record, key).
	RecordValues(record value.Identifier, key value.Text, at uint64) ([]value.Value, error)

	// CorpusEntries returns, per record, the term at each token position of
	// the key's indexed text at the given version.
	CorpusEntries(key value.Text, at uint64) (map[value.Identifier]map[uint32]value.Text, error)

	// Universe returns every record that holds any data at the version.
	Universe(at uint64) ([]value.Identifier, error)
}

// ReadTracker observes every (record, key) a traversal touches, so atomic
// operations can fold intermediate navigation reads into their read sets.
// Implementations must tolerate concurrent calls.
type ReadTracker interface {
	TrackRead(record value.Identifier, key value.Text)
}

// IsNavigation reports whether the key is a dotted traversal path.
func IsNavigation(key string) bool {
	return strings.Contains(key, ".")
}

// SplitPath breaks a navigation key into its hops.
func SplitPath(key string) []value.Text {
	parts := strings.Split(key, ".")
	out := make([]value.Text, len(parts))
	for i, p := range parts {
		out[i] = value.Intern(p)
	}
	return out
}

// SortedIDs extracts a set into a deterministic ascending slice.
func SortedIDs(set mapset.Set[value.Identifier]) []value.Identifier {
	out := set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

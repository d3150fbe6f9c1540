package query

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// Strategy selects how a navigation leaf is traversed.
type Strategy uint8

const (
	// StrategyAuto picks between forward and reverse on estimated
	// selectivity.
	StrategyAuto Strategy = iota

	// StrategyForward walks breadth-first from the source records down the
	// link chain, testing the predicate at the leaves.
	StrategyForward

	// StrategyReverse resolves the leaf predicate through the index first,
	// then walks link inverses back to the sources.
	StrategyReverse

	// StrategyAdHocIndex materializes a temporary source-to-leaf mapping and
	// filters it; the correctness baseline and fallback.
	StrategyAdHocIndex
)

// reverseAdvantage is how many times smaller the leaf match set must be
// than the source set before the reverse walk wins: each inverse hop costs
// a full index scan of that hop's key.
const reverseAdvantage = 4

// evaluateNavigation resolves a dotted-path leaf under the given strategy.
func evaluateNavigation(src Source, leaf Leaf, at uint64, tracker ReadTracker, strategy Strategy) (mapset.Set[value.Identifier], error) {
	path := SplitPath(leaf.Key)
	if len(path) < 2 {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Navigation key needs at least two hops",
		).WithField("key").WithProvided(leaf.Key)
	}

	matcher, err := valueMatcher(Leaf{Key: string(path[len(path)-1]), Op: leaf.Op, Values: leaf.Values})
	if err != nil {
		return nil, err
	}
	if matcher == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Operator cannot be applied through a navigation key",
		).WithField("operator").WithProvided(leaf.Op.String())
	}

	if strategy == StrategyAuto {
		strategy, err = chooseStrategy(src, path, matcher, at)
		if err != nil {
			return nil, err
		}
	}

	switch strategy {
	case StrategyForward:
		return navigateForward(src, path, matcher, at, tracker)
	case StrategyReverse:
		return navigateReverse(src, path, matcher, at, tracker)
	default:
		return navigateAdHoc(src, path, matcher, at, tracker)
	}
}

// chooseStrategy estimates selectivity from the two index endpoints: the
// population of the first hop (forward cost) and the leaf predicate's match
// count (reverse cost).
func chooseStrategy(src Source, path []value.Text, matcher func(value.Value) bool, at uint64) (Strategy, error) {
	sources, err := sourceRecords(src, path[0], at)
	if err != nil {
		return StrategyForward, err
	}

	leafPairs, err := src.KeyValues(path[len(path)-1], at)
	if err != nil {
		return StrategyForward, err
	}
	leafMatches := 0
	for _, pair := range leafPairs {
		if matcher(pair.Value) {
			leafMatches++
		}
	}

	if leafMatches*reverseAdvantage < sources.Cardinality() {
		return StrategyReverse, nil
	}
	return StrategyForward, nil
}

// sourceRecords returns every record holding a value for the first hop.
func sourceRecords(src Source, key value.Text, at uint64) (mapset.Set[value.Identifier], error) {
	pairs, err := src.KeyValues(key, at)
	if err != nil {
		return nil, err
	}
	out := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, pair := range pairs {
		out.Add(pair.Record)
	}
	return out, nil
}

// leafValues walks the link chain from one source record and returns the
// values found at the leaf key. Every intermediate (record, key) read is
// reported to the tracker.
func leafValues(src Source, start value.Identifier, path []value.Text, at uint64, tracker ReadTracker) ([]value.Value, error) {
	frontier := mapset.NewThreadUnsafeSet(start)

	for _, hop := range path[:len(path)-1] {
		next := mapset.NewThreadUnsafeSet[value.Identifier]()
		for _, rec := range SortedIDs(frontier) {
			if tracker != nil {
				tracker.TrackRead(rec, hop)
			}
			values, err := src.RecordValues(rec, hop, at)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				if v.IsLink() {
					next.Add(v.LinkValue())
				}
			}
		}
		frontier = next
		if frontier.Cardinality() == 0 {
			return nil, nil
		}
	}

	leaf := path[len(path)-1]
	var out []value.Value
	for _, rec := range SortedIDs(frontier) {
		if tracker != nil {
			tracker.TrackRead(rec, leaf)
		}
		values, err := src.RecordValues(rec, leaf, at)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return out, nil
}

func navigateForward(src Source, path []value.Text, matcher func(value.Value) bool, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	sources, err := sourceRecords(src, path[0], at)
	if err != nil {
		return nil, err
	}

	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, source := range SortedIDs(sources) {
		values, err := leafValues(src, source, path, at, tracker)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if matcher(v) {
				result.Add(source)
				break
			}
		}
	}
	return result, nil
}

func navigateReverse(src Source, path []value.Text, matcher func(value.Value) bool, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	// Resolve the leaf predicate through the index.
	leafPairs, err := src.KeyValues(path[len(path)-1], at)
	if err != nil {
		return nil, err
	}
	current := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, pair := range leafPairs {
		if tracker != nil {
			tracker.TrackRead(pair.Record, path[len(path)-1])
		}
		if matcher(pair.Value) {
			current.Add(pair.Record)
		}
	}

	// Walk the link inverses back to the sources: at each hop, keep the
	// records whose hop value links into the current set.
	for i := len(path) - 2; i >= 0; i-- {
		if current.Cardinality() == 0 {
			return current, nil
		}
		pairs, err := src.KeyValues(path[i], at)
		if err != nil {
			return nil, err
		}
		prev := mapset.NewThreadUnsafeSet[value.Identifier]()
		for _, pair := range pairs {
			if tracker != nil {
				tracker.TrackRead(pair.Record, path[i])
			}
			if pair.Value.IsLink() && current.Contains(pair.Value.LinkValue()) {
				prev.Add(pair.Record)
			}
		}
		current = prev
	}
	return current, nil
}

// navigateAdHoc builds a temporary mapping from every source record to its
// leaf values, then filters it. Slower than either directed strategy but
// structurally independent of both, which is what makes it a useful
// equivalence check and fallback.
func navigateAdHoc(src Source, path []value.Text, matcher func(value.Value) bool, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	sources, err := sourceRecords(src, path[0], at)
	if err != nil {
		return nil, err
	}

	index := make(map[value.Identifier][]value.Value)
	for _, source := range SortedIDs(sources) {
		values, err := leafValues(src, source, path, at, tracker)
		if err != nil {
			return nil, err
		}
		index[source] = values
	}

	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for source, values := range index {
		for _, v := range values {
			if matcher(v) {
				result.Add(source)
				break
			}
		}
	}
	return result, nil
}

// EvaluateWithStrategy resolves a navigation leaf under an explicit
// strategy. Exposed so equivalence across strategies can be asserted.
func EvaluateWithStrategy(src Source, leaf Leaf, at uint64, tracker ReadTracker, strategy Strategy) (mapset.Set[value.Identifier], error) {
	return evaluateNavigation(src, leaf, at, tracker, strategy)
}

// BrowseNavigation computes value -> set of records whose path ends at that
// value, by traversing from every record holding the first hop.
func BrowseNavigation(src Source, key string, at uint64, tracker ReadTracker) (map[string]mapset.Set[value.Identifier], error) {
	path := SplitPath(key)
	sources, err := sourceRecords(src, path[0], at)
	if err != nil {
		return nil, err
	}

	out := make(map[string]mapset.Set[value.Identifier])
	for _, source := range SortedIDs(sources) {
		values, err := leafValues(src, source, path, at, tracker)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			label := v.String()
			if _, ok := out[label]; !ok {
				out[label] = mapset.NewThreadUnsafeSet[value.Identifier]()
			}
			out[label].Add(source)
		}
	}
	return out, nil
}

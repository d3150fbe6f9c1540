package query

import (
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/value"
	"github.com/iamNilotpal/ember/pkg/errors"
)

// Evaluate resolves a criteria tree into the set of identifiers satisfying
// it at the given version. tracker may be nil.
func Evaluate(src Source, node Node, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	switch n := node.(type) {
	case Leaf:
		return evaluateLeaf(src, n, at, tracker)
	case *Leaf:
		return evaluateLeaf(src, *n, at, tracker)
	case And:
		return evaluateAnd(src, n.Children, at, tracker)
	case *And:
		return evaluateAnd(src, n.Children, at, tracker)
	case Or:
		return evaluateOr(src, n.Children, at, tracker)
	case *Or:
		return evaluateOr(src, n.Children, at, tracker)
	case Not:
		return evaluateNot(src, n.Child, at, tracker)
	case *Not:
		return evaluateNot(src, n.Child, at, tracker)
	}
	return nil, errors.NewValidationError(
		nil, errors.ErrorCodeInvalidInput, "Unknown criteria node",
	).WithField("node").WithProvided(node)
}

func evaluateAnd(src Source, children []Node, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	if len(children) == 0 {
		return mapset.NewThreadUnsafeSet[value.Identifier](), nil
	}
	result, err := Evaluate(src, children[0], at, tracker)
	if err != nil {
		return nil, err
	}
	for _, child := range children[1:] {
		if result.Cardinality() == 0 {
			return result, nil
		}
		next, err := Evaluate(src, child, at, tracker)
		if err != nil {
			return nil, err
		}
		result = result.Intersect(next)
	}
	return result, nil
}

func evaluateOr(src Source, children []Node, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, child := range children {
		next, err := Evaluate(src, child, at, tracker)
		if err != nil {
			return nil, err
		}
		result = result.Union(next)
	}
	return result, nil
}

func evaluateNot(src Source, child Node, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	matched, err := Evaluate(src, child, at, tracker)
	if err != nil {
		return nil, err
	}
	universe, err := src.Universe(at)
	if err != nil {
		return nil, err
	}
	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, id := range universe {
		if !matched.Contains(id) {
			result.Add(id)
		}
	}
	return result, nil
}

func evaluateLeaf(src Source, leaf Leaf, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	if IsNavigation(leaf.Key) {
		return evaluateNavigation(src, leaf, at, tracker, StrategyAuto)
	}
	return evaluateFlatLeaf(src, leaf, at, tracker)
}

func evaluateFlatLeaf(src Source, leaf Leaf, at uint64, tracker ReadTracker) (mapset.Set[value.Identifier], error) {
	key := value.Intern(leaf.Key)

	matcher, err := valueMatcher(leaf)
	if err != nil {
		return nil, err
	}

	switch leaf.Op {
	case Contains, NotContains:
		return evaluateContains(src, leaf, at)
	}

	pairs, err := src.KeyValues(key, at)
	if err != nil {
		return nil, err
	}

	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, pair := range pairs {
		if tracker != nil {
			tracker.TrackRead(pair.Record, key)
		}
		if matcher(pair.Value) {
			result.Add(pair.Record)
		}
	}
	return result, nil
}

// evaluateContains resolves CONTAINS through the corpus search path;
// NOT_CONTAINS complements it against the records holding any value for
// the key.
func evaluateContains(src Source, leaf Leaf, at uint64) (mapset.Set[value.Identifier], error) {
	if len(leaf.Values) != 1 || !leaf.Values[0].IsTextual() {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "CONTAINS requires a single textual operand",
		).WithField("values").WithProvided(len(leaf.Values))
	}

	key := value.Intern(leaf.Key)
	matched, err := Search(src, key, leaf.Values[0].StringValue(), at)
	if err != nil {
		return nil, err
	}
	if leaf.Op == Contains {
		return matched, nil
	}

	pairs, err := src.KeyValues(key, at)
	if err != nil {
		return nil, err
	}
	result := mapset.NewThreadUnsafeSet[value.Identifier]()
	for _, pair := range pairs {
		if !matched.Contains(pair.Record) {
			result.Add(pair.Record)
		}
	}
	return result, nil
}

// valueMatcher compiles a leaf's operator and operands into a predicate
// over a single stored value.
func valueMatcher(leaf Leaf) (func(value.Value) bool, error) {
	requireOperands := func(n int) error {
		if len(leaf.Values) != n {
			return errors.NewValidationError(
				nil, errors.ErrorCodeInvalidInput, "Operator operand count mismatch",
			).WithField("values").
				WithDetail("operator", leaf.Op.String()).
				WithProvided(len(leaf.Values)).
				WithExpected(n)
		}
		return nil
	}

	switch leaf.Op {
	case Equals, LinksTo:
		if err := requireOperands(1); err != nil {
			return nil, err
		}
		target := leaf.Values[0]
		return func(v value.Value) bool { return value.EqualsIgnoreType(v, target) }, nil

	case NotEquals:
		if err := requireOperands(1); err != nil {
			return nil, err
		}
		target := leaf.Values[0]
		return func(v value.Value) bool { return !value.EqualsIgnoreType(v, target) }, nil

	case GreaterThan, GreaterThanOrEquals, LessThan, LessThanOrEquals:
		if err := requireOperands(1); err != nil {
			return nil, err
		}
		target := leaf.Values[0]
		op := leaf.Op
		return func(v value.Value) bool {
			cmp := value.Compare(v, target)
			switch op {
			case GreaterThan:
				return cmp > 0
			case GreaterThanOrEquals:
				return cmp >= 0
			case LessThan:
				return cmp < 0
			default:
				return cmp <= 0
			}
		}, nil

	case Between:
		if err := requireOperands(2); err != nil {
			return nil, err
		}
		low, high := leaf.Values[0], leaf.Values[1]
		return func(v value.Value) bool {
			return value.Compare(v, low) >= 0 && value.Compare(v, high) < 0
		}, nil

	case Regex, NotRegex:
		if err := requireOperands(1); err != nil {
			return nil, err
		}
		pattern, err := compileOperandPattern(leaf.Values[0], false)
		if err != nil {
			return nil, err
		}
		negate := leaf.Op == NotRegex
		return func(v value.Value) bool {
			return v.IsTextual() && pattern.MatchString(v.StringValue()) != negate
		}, nil

	case Like, NotLike:
		if err := requireOperands(1); err != nil {
			return nil, err
		}
		pattern, err := compileOperandPattern(leaf.Values[0], true)
		if err != nil {
			return nil, err
		}
		negate := leaf.Op == NotLike
		return func(v value.Value) bool {
			return v.IsTextual() && pattern.MatchString(v.StringValue()) != negate
		}, nil

	case Contains, NotContains:
		// Resolved through the corpus path before matchers are consulted.
		return nil, nil
	}

	return nil, errors.NewValidationError(
		nil, errors.ErrorCodeInvalidInput, "Unknown operator",
	).WithField("operator").WithProvided(leaf.Op)
}

// compileOperandPattern turns a textual operand into a regexp. LIKE
// patterns translate % to .* and _ to . with everything else quoted.
func compileOperandPattern(operand value.Value, like bool) (*regexp.Regexp, error) {
	if !operand.IsTextual() {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Pattern operand must be textual",
		).WithField("values").WithProvided(operand.Tag())
	}

	raw := operand.StringValue()
	if like {
		var b strings.Builder
		b.WriteString("^")
		for _, r := range raw {
			switch r {
			case '%':
				b.WriteString(".*")
			case '_':
				b.WriteString(".")
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		b.WriteString("$")
		raw = b.String()
	}

	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, errors.NewValidationError(
			err, errors.ErrorCodeInvalidInput, "Malformed pattern operand",
		).WithField("values").WithProvided(operand.StringValue())
	}
	return pattern, nil
}

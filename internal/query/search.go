package query

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iamNilotpal/ember/internal/value"
)

// Search returns the records whose indexed text under key matches the query
// as an infix: every query token must match the stored term at its relative
// position, where a token matches a term if it is a substring of it.
//
//	stored:  "barfoobar foobarfoo"
//	query:   "f bar"     -> matches ("f" in "barfoobar", "bar" in "foobarfoo")
//	query:   "zzz"       -> no match
//
// Query and corpus are tokenized identically, so positions always line up.
func Search(src Source, key value.Text, query string, at uint64) (mapset.Set[value.Identifier], error) {
	result := mapset.NewThreadUnsafeSet[value.Identifier]()

	tokens := value.Tokenize(query)
	if len(tokens) == 0 {
		return result, nil
	}

	entries, err := src.CorpusEntries(key, at)
	if err != nil {
		return nil, err
	}

	for record, terms := range entries {
		if matchesInfix(terms, tokens) {
			result.Add(record)
		}
	}
	return result, nil
}

// matchesInfix slides the query over the record's term positions and tests
// the per-position substring rule.
func matchesInfix(terms map[uint32]value.Text, tokens []value.Text) bool {
	for start := range terms {
		matched := true
		for i, token := range tokens {
			term, ok := terms[start+uint32(i)]
			if !ok || !strings.Contains(string(term), string(token)) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

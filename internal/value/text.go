package value

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Text is the canonical UTF-8 string type used for field names and tokenized
// search terms.
type Text string

// interningCacheSize bounds the hot-text cache. Field names repeat across
// millions of revisions; interning keeps one backing array per hot name.
const interningCacheSize = 8192

// interned caches canonical Text instances. The LRU is safe for concurrent
// use; eviction only costs a future allocation and never changes equality,
// since Text compares by content.
var interned, _ = lru.New[string, Text](interningCacheSize)

// Intern returns the canonical Text for s, serving hot names from the cache.
func Intern(s string) Text {
	if t, ok := interned.Get(s); ok {
		return t
	}
	t := Text(s)
	interned.Add(s, t)
	return t
}

// Tokenize splits textual content into the lowercased whitespace-delimited
// terms used by the corpus index. The exact same function runs over stored
// values and over search queries, so both sides always agree on positions.
func Tokenize(s string) []Text {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return nil
	}
	tokens := make([]Text, len(fields))
	for i, f := range fields {
		tokens[i] = Intern(f)
	}
	return tokens
}

// CompareText orders texts lexicographically by byte content.
func CompareText(a, b Text) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

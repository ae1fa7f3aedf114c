package retrieve

import (
	"strings"

	"github.com/manifold/convomem/internal/vectorindex"
)

// firstPersonMarkers is the curated set of tokens that make a short chunk
// worth keeping even when it has few words.
var firstPersonMarkers = map[string]bool{
	"i": true, "i'm": true, "i've": true, "i'll": true, "i'd": true,
	"my": true, "mine": true, "myself": true, "me": true,
}

// RelevanceFilter narrows a similarity-search result set to chunks worth
// expanding into context. Left pluggable so callers can swap in a
// model-scored filter later without touching Retrieve's control flow.
type RelevanceFilter interface {
	Filter(chunks []vectorindex.Chunk) []vectorindex.Chunk
}

// RelevanceFilterFunc adapts a plain function to RelevanceFilter.
type RelevanceFilterFunc func([]vectorindex.Chunk) []vectorindex.Chunk

func (f RelevanceFilterFunc) Filter(chunks []vectorindex.Chunk) []vectorindex.Chunk { return f(chunks) }

// DefaultRelevanceFilter keeps chunks whose
// trimmed text is longer than 10 characters and either contain a
// first-person marker or have more than 3 whitespace-separated tokens; cap
// to 5 survivors; if the filter would empty a non-empty input, keep the
// single top (first) chunk instead.
var DefaultRelevanceFilter RelevanceFilterFunc = defaultRelevanceFilter

func defaultRelevanceFilter(chunks []vectorindex.Chunk) []vectorindex.Chunk {
	var kept []vectorindex.Chunk
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if len(text) <= 10 {
			continue
		}
		if !hasFirstPersonMarker(text) && wordCount(text) <= 3 {
			continue
		}
		kept = append(kept, c)
		if len(kept) >= 5 {
			break
		}
	}
	if len(kept) == 0 && len(chunks) > 0 {
		return chunks[:1]
	}
	return kept
}

func hasFirstPersonMarker(text string) bool {
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if firstPersonMarkers[strings.Trim(tok, ".,!?;:")] {
			return true
		}
	}
	return false
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

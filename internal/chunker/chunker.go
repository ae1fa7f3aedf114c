// Package chunker splits message text into overlapping, token-bounded
// pieces suitable for embedding and similarity search.
package chunker

import "strings"

const (
	minTokens = 50
	maxTokens = 1000

	// defaultTargetTokens and defaultOverlapTokens are the documented
	// chunking defaults.
	defaultTargetTokens  = 256
	defaultOverlapTokens = 50

	// charsPerToken approximates token count as ceil(len(text)/4).
	charsPerToken = 4

	// boundarySearchWindow is how far (in characters) either side of the
	// target cut point we search for a natural sentence/word boundary.
	boundarySearchWindow = 100
)

// Piece is a single produced piece of a message.
type Piece struct {
	Index int
	Text  string
}

// sentenceTerminators are checked, in order, before falling back to any
// whitespace boundary.
var sentenceTerminators = []byte{'.', '!', '?', '\n'}

// Chunk splits text into chunks of approximately targetTokens tokens with
// overlapTokens of overlap between consecutive chunks when useOverlap is
// true. Parameters are clamped to their supported ranges; zero/negative values fall
// back to the documented defaults.
func Chunk(text string, targetTokens, overlapTokens int, useOverlap bool) []Piece {
	if targetTokens <= 0 {
		targetTokens = defaultTargetTokens
	}
	if overlapTokens <= 0 && useOverlap {
		overlapTokens = defaultOverlapTokens
	}
	targetTokens = clamp(targetTokens, minTokens, maxTokens)
	maxOverlap := targetTokens / 2
	overlapTokens = clamp(overlapTokens, 0, maxOverlap)
	if !useOverlap {
		overlapTokens = 0
	}

	targetChars := targetTokens * charsPerToken
	overlapChars := overlapTokens * charsPerToken

	var out []Piece
	start := 0
	idx := 0
	n := len(text)
	overlapActive := useOverlap

	for start < n {
		targetEnd := start + targetChars
		var end int
		if targetEnd >= n {
			end = n
		} else {
			end = findCut(text, start, targetEnd, n)
		}

		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			out = append(out, Piece{Index: idx, Text: piece})
			idx++
		}

		if end >= n {
			break
		}

		next := end
		if overlapActive && overlapChars > 0 {
			candidate := end - overlapChars
			if candidate > start {
				next = candidate
			}
		}
		if next <= start {
			next = start + 1 // guarantee progress
			if overlapActive {
				overlapActive = false
			}
		}
		start = next
	}
	return out
}

// findCut searches within ±boundarySearchWindow of targetEnd for, in
// priority order, a sentence terminator followed by whitespace or
// end-of-text, then any whitespace. Falls back to targetEnd itself.
func findCut(text string, start, targetEnd, n int) int {
	lo := targetEnd - boundarySearchWindow
	if lo < start {
		lo = start
	}
	hi := targetEnd + boundarySearchWindow
	if hi > n {
		hi = n
	}

	if cut, ok := findSentenceBoundary(text, lo, hi, n); ok {
		return cut
	}
	if cut, ok := findWhitespaceBoundary(text, lo, hi); ok {
		return cut
	}
	if targetEnd > n {
		return n
	}
	return targetEnd
}

func findSentenceBoundary(text string, lo, hi, n int) (int, bool) {
	bestDist := -1
	best := -1
	for i := lo; i < hi; i++ {
		if !isSentenceTerminator(text[i]) {
			continue
		}
		cut := i + 1
		if cut < n && !isWhitespace(text[cut]) {
			continue
		}
		dist := abs(cut - hi + boundarySearchWindow)
		if best == -1 || dist < bestDist {
			best = cut
			bestDist = dist
		}
	}
	return best, best != -1
}

func findWhitespaceBoundary(text string, lo, hi int) (int, bool) {
	bestDist := -1
	best := -1
	mid := lo + (hi-lo)/2
	for i := lo; i < hi; i++ {
		if !isWhitespace(text[i]) {
			continue
		}
		dist := abs(i - mid)
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best, best != -1
}

func isSentenceTerminator(b byte) bool {
	for _, t := range sentenceTerminators {
		if b == t {
			return true
		}
	}
	return false
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

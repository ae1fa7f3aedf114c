package chunker

import (
	"strings"
	"testing"
)

func genText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
		if i%10 == 9 {
			b.WriteString(".")
		}
	}
	return b.String()
}

func TestChunkShortTextIsSingleChunk(t *testing.T) {
	text := "hello there, this is short."
	chunks := Chunk(text, 256, 50, true)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Fatalf("expected chunk to equal input, got %q", chunks[0].Text)
	}
}

func TestChunkLongTextProducesMultipleChunksWithOverlap(t *testing.T) {
	text := genText(2000)
	chunks := Chunk(text, 100, 20, true)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	maxLen := 1000 * charsPerToken
	for i, c := range chunks {
		if c.Text == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		if len(c.Text) > maxLen {
			t.Fatalf("chunk %d exceeds max length: %d", i, len(c.Text))
		}
		if c.Index != i {
			t.Fatalf("chunk %d has wrong index %d", i, c.Index)
		}
	}
}

func TestChunkNoOverlapWhenDisabled(t *testing.T) {
	text := genText(2000)
	chunks := Chunk(text, 100, 20, false)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Without overlap, concatenated chunk starts should strictly advance
	// past each chunk's own text (no shared prefix/suffix asserted here,
	// just that chunking still terminates and covers the text).
	var total int
	for _, c := range chunks {
		total += len(c.Text)
	}
	if total == 0 {
		t.Fatal("expected non-zero total chunked text")
	}
}

func TestChunkParametersAreClamped(t *testing.T) {
	text := genText(3000)
	// targetTokens below minimum should clamp to 50, not panic or loop forever.
	chunks := Chunk(text, 1, 1, true)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	// targetTokens above maximum should clamp to 1000.
	chunks2 := Chunk(text, 100000, 10, true)
	if len(chunks2) == 0 {
		t.Fatal("expected at least one chunk for oversized target")
	}
}

func TestChunkEmptyInputProducesNoChunks(t *testing.T) {
	chunks := Chunk("", 256, 50, true)
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestChunkSkipsEmptyPieces(t *testing.T) {
	text := "   " + genText(500)
	chunks := Chunk(text, 50, 10, true)
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			t.Fatal("found an empty chunk")
		}
	}
}

func TestChunkTerminatesOnPathologicalInput(t *testing.T) {
	// A long run of non-whitespace, non-terminator characters gives the
	// boundary search nothing to latch onto; chunking must still make
	// progress and terminate.
	text := strings.Repeat("x", 5000)
	chunks := Chunk(text, 50, 25, true)
	if len(chunks) == 0 {
		t.Fatal("expected chunks for pathological input")
	}
	var rebuilt strings.Builder
	for _, c := range chunks {
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.Len() == 0 {
		t.Fatal("expected non-empty rebuilt text")
	}
}

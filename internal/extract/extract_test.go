package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/manifold/convomem/internal/store"
)

type stubGenerator struct {
	text string
	err  error
	n    int
}

func (s *stubGenerator) Generate(_ context.Context, _ string) (string, error) {
	s.n++
	return s.text, s.err
}

func TestExtractParsesJSONFromGenerator(t *testing.T) {
	gen := &stubGenerator{text: `some preamble {"entities":["Bob"],"keyFacts":["likes coffee"],"userIntent":"ask","sentiment":"positive","urgency":"low"} trailing`}
	ex := New(gen, 2)
	info := ex.Extract(context.Background(), store.Message{ID: "m1", Content: "hi"}, "s1")
	if len(info.Entities) != 1 || info.Entities[0] != "Bob" {
		t.Fatalf("expected parsed entities, got %+v", info)
	}
	if info.UserIntent != "ask" {
		t.Fatalf("expected parsed userIntent, got %q", info.UserIntent)
	}
}

func TestExtractCachesByMessageID(t *testing.T) {
	gen := &stubGenerator{text: `{"sentiment":"neutral"}`}
	ex := New(gen, 2)
	msg := store.Message{ID: "m1", Content: "hi"}
	ex.Extract(context.Background(), msg, "s1")
	ex.Extract(context.Background(), msg, "s1")
	if gen.n != 1 {
		t.Fatalf("expected generator called once due to caching, called %d times", gen.n)
	}
}

func TestExtractFallsBackOnGeneratorError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("boom")}
	ex := New(gen, 2)
	info := ex.Extract(context.Background(), store.Message{ID: "m1", Content: "Hello Bob, nice to meet you"}, "s1")
	if info.Sentiment != "neutral" || info.Urgency != "medium" {
		t.Fatalf("expected lexical fallback defaults, got %+v", info)
	}
	if len(info.Entities) == 0 {
		t.Fatalf("expected capitalized tokens extracted as entities, got %+v", info)
	}
}

func TestExtractFallsBackOnUnparseableJSON(t *testing.T) {
	gen := &stubGenerator{text: "no braces here at all"}
	ex := New(gen, 2)
	info := ex.Extract(context.Background(), store.Message{ID: "m1", Content: "plain message"}, "s1")
	if len(info.KeyFacts) != 1 {
		t.Fatalf("expected fallback keyFact, got %+v", info)
	}
}

func TestExtractBatchPreservesOrder(t *testing.T) {
	gen := &stubGenerator{text: `{"userIntent":"x"}`}
	ex := New(gen, 2)
	messages := []store.Message{
		{ID: "m1", Content: "one"},
		{ID: "m2", Content: "two"},
		{ID: "m3", Content: "three"},
	}
	results := ex.ExtractBatch(context.Background(), messages, "s1")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.UserIntent != "x" {
			t.Fatalf("expected every result populated, got %+v", r)
		}
	}
}

func TestInformationIsEmpty(t *testing.T) {
	if !(Information{}).IsEmpty() {
		t.Fatal("expected zero-value Information to be empty")
	}
	if (Information{UserIntent: "x"}).IsEmpty() {
		t.Fatal("expected non-empty field to make IsEmpty false")
	}
}

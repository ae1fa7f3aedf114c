package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/manifold/convomem/internal/vectorindex"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vec, s.err
}

func strPtr(s string) *string { return &s }

func TestValidateRejectsOutOfRangeParameters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSimilar = 21
	if !errors.Is(Validate(cfg), ErrValidation) {
		t.Fatal("expected ErrValidation for maxSimilar out of range")
	}
}

func TestRetrieveDegradesToEmptyOnEmbedderFailure(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	r := New(stubEmbedder{err: errors.New("boom")}, idx, nil)

	groups, err := r.Retrieve(ctx, "hello", "s1", nil, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("expected no error (degraded result), got %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected empty result on embedder failure, got %+v", groups)
	}
	stats := r.Metrics.Snapshot("s1")
	if stats.ErrorCount != 1 {
		t.Fatalf("expected one recorded error, got %+v", stats)
	}
}

func TestRetrieveExcludesGivenMessageAndWindowIDs(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	_ = idx.StoreChunksForMessage(ctx, "m-exclude", "s1", []string{"I really enjoy working on this project"}, [][]float32{{1, 0}})
	_ = idx.StoreChunksForMessage(ctx, "m-window", "s1", []string{"I think this plan works well for everyone"}, [][]float32{{1, 0}})
	_ = idx.StoreChunksForMessage(ctx, "m-keep", "s1", []string{"I believe this approach solves the problem nicely"}, [][]float32{{1, 0}})

	r := New(stubEmbedder{vec: []float32{1, 0}}, idx, nil)
	cfg := DefaultConfig()
	cfg.Strategy = Fixed
	cfg.SimilarityThreshold = 0.0

	groups, err := r.Retrieve(ctx, "hello", "s1", strPtr("m-exclude"), []string{"m-window"}, cfg)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, g := range groups {
		if g.MessageID == "m-exclude" || g.MessageID == "m-window" {
			t.Fatalf("expected exclusion set to be honored, got group for %s", g.MessageID)
		}
	}
	found := false
	for _, g := range groups {
		if g.MessageID == "m-keep" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected m-keep to survive filtering and exclusion")
	}
}

func TestIntelligentSearchDedupesByMessageIDFirstSeen(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	_ = idx.StoreChunksForMessage(ctx, "m1", "s1", []string{"I am very confident about this particular plan"}, [][]float32{{1, 0}})

	r := New(stubEmbedder{vec: []float32{1, 0}}, idx, nil)
	cfg := DefaultConfig()
	cfg.Strategy = Intelligent

	groups, err := r.Retrieve(ctx, "hello", "s1", nil, nil, cfg)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	seen := map[string]int{}
	for _, g := range groups {
		seen[g.MessageID]++
	}
	for id, count := range seen {
		if count > 1 {
			t.Fatalf("expected messageId %s to appear once, appeared %d times", id, count)
		}
	}
}

func TestDefaultRelevanceFilterDropsJunkAndKeepsTopOnEmpty(t *testing.T) {
	chunks := []vectorindex.Chunk{
		{MessageID: "m1", Text: "."},
		{MessageID: "m2", Text: "ok"},
	}
	out := defaultRelevanceFilter(chunks)
	if len(out) != 1 || out[0].MessageID != "m1" {
		t.Fatalf("expected to retain the single top chunk when all fail the filter, got %+v", out)
	}
}

func TestDefaultRelevanceFilterKeepsLongOrFirstPersonChunks(t *testing.T) {
	chunks := []vectorindex.Chunk{
		{MessageID: "m1", Text: "I really love this particular approach to the problem"},
		{MessageID: "m2", Text: "short frag"},
	}
	out := defaultRelevanceFilter(chunks)
	if len(out) != 1 || out[0].MessageID != "m1" {
		t.Fatalf("expected only the first-person/long chunk to survive, got %+v", out)
	}
}

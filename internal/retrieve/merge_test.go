package retrieve

import (
	"testing"
	"time"

	"github.com/manifold/convomem/internal/vectorindex"
)

func TestMergeCombinesOverlappingGroupsBySameMessageID(t *testing.T) {
	base := time.Now()
	groups := []TimestampedGroup{
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m1", Chunks: []vectorindex.Chunk{{MessageID: "m1", ChunkIndex: 0, Text: "hello world"}}},
			Timestamp:          base,
			Role:               "USER",
		},
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m1", Chunks: []vectorindex.Chunk{{MessageID: "m1", ChunkIndex: 1, Text: "more text"}}},
			Timestamp:          base.Add(time.Millisecond),
			Role:               "USER",
		},
	}
	merged := NewMerger().Merge(groups)
	if len(merged) != 1 {
		t.Fatalf("expected same-messageId groups to merge into one, got %d", len(merged))
	}
	if len(merged[0].Chunks) != 2 {
		t.Fatalf("expected merged group to union both chunks, got %d", len(merged[0].Chunks))
	}
}

func TestMergeKeepsDistantNonOverlappingGroupsSeparate(t *testing.T) {
	base := time.Now()
	groups := []TimestampedGroup{
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m1", Chunks: []vectorindex.Chunk{{MessageID: "m1", Text: "completely different topic about gardening"}}},
			Timestamp:          base,
		},
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m2", Chunks: []vectorindex.Chunk{{MessageID: "m2", Text: "totally unrelated subject regarding finance"}}},
			Timestamp:          base.Add(time.Hour),
		},
	}
	merged := NewMerger().Merge(groups)
	if len(merged) != 2 {
		t.Fatalf("expected distant non-overlapping groups to stay separate, got %d", len(merged))
	}
}

func TestMergeCombinesCloseTimestampsWithHighJaccard(t *testing.T) {
	base := time.Now()
	text := "the quick brown fox jumps over the lazy dog today"
	groups := []TimestampedGroup{
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m1", Chunks: []vectorindex.Chunk{{MessageID: "m1", Text: text}}},
			Timestamp:          base,
		},
		{
			ExpandedChunkGroup: ExpandedChunkGroup{MessageID: "m2", Chunks: []vectorindex.Chunk{{MessageID: "m2", Text: text}}},
			Timestamp:          base.Add(500 * time.Millisecond),
		},
	}
	merged := NewMerger().Merge(groups)
	if len(merged) != 1 {
		t.Fatalf("expected overlapping-timestamp, high-similarity groups to merge, got %d", len(merged))
	}
	if merged[0].MessageID != "m1" {
		t.Fatalf("expected merged group to adopt the earliest messageId, got %s", merged[0].MessageID)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	if got := jaccard("a b c", "a b c"); got != 1 {
		t.Fatalf("expected identical token sets to score 1, got %f", got)
	}
	if got := jaccard("a b c", "x y z"); got != 0 {
		t.Fatalf("expected disjoint token sets to score 0, got %f", got)
	}
}

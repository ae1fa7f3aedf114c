package retrieve

import (
	"context"
	"sort"
	"time"

	"github.com/manifold/convomem/internal/vectorindex"
)

// ExpandedChunkGroup is messageId plus its chunks that survived expansion,
// sorted by chunkIndex.
type ExpandedChunkGroup struct {
	MessageID string
	Chunks    []vectorindex.Chunk
}

// Embedder is the subset of embedclient.Embedder the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever answers context-retrieval requests against a vector index.
type Retriever struct {
	Embedder Embedder
	Index    vectorindex.Index
	Filter   RelevanceFilter
	Metrics  *Metrics
}

// New constructs a Retriever with the default relevance filter.
func New(embedder Embedder, index vectorindex.Index, metrics *Metrics) *Retriever {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Retriever{Embedder: embedder, Index: index, Filter: DefaultRelevanceFilter, Metrics: metrics}
}

// Retrieve runs the configured retrieval strategy. On any failure during the retrieval
// itself (embedding or index errors), it records the failure in Metrics
// and returns an empty, error-free result — the turn proceeds without
// historical context. Config validation failures are the one case
// reported synchronously, before any I/O.
func (r *Retriever) Retrieve(ctx context.Context, userMessage, sessionID string, excludeMessageID *string, recentWindowIDs []string, cfg Config) ([]ExpandedChunkGroup, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	start := time.Now()
	groups, err := r.retrieveInternal(ctx, userMessage, sessionID, excludeMessageID, recentWindowIDs, cfg)
	dur := time.Since(start)
	if err != nil {
		r.Metrics.RecordError(sessionID, dur)
		return nil, nil
	}
	r.Metrics.RecordSuccess(sessionID, dur)
	return groups, nil
}

func (r *Retriever) retrieveInternal(ctx context.Context, userMessage, sessionID string, excludeMessageID *string, recentWindowIDs []string, cfg Config) ([]ExpandedChunkGroup, error) {
	queryEmbedding, err := r.Embedder.Embed(ctx, userMessage)
	if err != nil {
		return nil, err
	}

	var candidates []vectorindex.Chunk
	switch cfg.Strategy {
	case Fixed:
		candidates, err = r.similarWithParams(ctx, queryEmbedding, sessionID, cfg.MaxSimilar, cfg.SimilarityThreshold)
		if err != nil {
			return nil, err
		}
	case Adaptive:
		candidates, err = r.adaptiveSearch(ctx, queryEmbedding, sessionID, cfg)
		if err != nil {
			return nil, err
		}
	case Intelligent:
		candidates, err = r.intelligentSearch(ctx, queryEmbedding, sessionID, cfg)
		if err != nil {
			return nil, err
		}
	}

	exclude := toExclusionSet(excludeMessageID, recentWindowIDs)
	candidates = excludeByMessageID(candidates, exclude)

	filter := r.Filter
	if filter == nil {
		filter = DefaultRelevanceFilter
	}
	candidates = filter.Filter(candidates)

	return r.expand(ctx, candidates, cfg)
}

func (r *Retriever) similarWithParams(ctx context.Context, query []float32, sessionID string, maxSimilar int, threshold float64) ([]vectorindex.Chunk, error) {
	sid := &sessionID
	chunks, err := r.Index.FindSimilarWithinThreshold(ctx, query, sid, threshold)
	if err != nil {
		return nil, err
	}
	if len(chunks) > maxSimilar {
		chunks = chunks[:maxSimilar]
	}
	return chunks, nil
}

// adaptiveSearch implements the ADAPTIVE strategy: start narrow
// and widen after each empty result, over at most 3 attempts in all.
func (r *Retriever) adaptiveSearch(ctx context.Context, query []float32, sessionID string, cfg Config) ([]vectorindex.Chunk, error) {
	maxSimilar := min(cfg.MaxSimilar, 3)
	threshold := max(cfg.SimilarityThreshold, 0.5)

	for attempt := 0; attempt < 3; attempt++ {
		chunks, err := r.similarWithParams(ctx, query, sessionID, maxSimilar, threshold)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			return chunks, nil
		}
		maxSimilar = int(min(float64(maxSimilar)*1.5, 10.0))
		threshold = max(threshold*0.8, 0.1)
	}
	return nil, nil
}

// intelligentSearch implements the INTELLIGENT strategy: run at
// three fixed thresholds and union first-seen, deduplicated by messageId.
func (r *Retriever) intelligentSearch(ctx context.Context, query []float32, sessionID string, cfg Config) ([]vectorindex.Chunk, error) {
	var out []vectorindex.Chunk
	seen := map[string]bool{}
	for _, threshold := range []float64{0.8, 0.6, 0.4} {
		chunks, err := r.similarWithParams(ctx, query, sessionID, cfg.MaxSimilar, threshold)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if seen[c.MessageID] {
				continue
			}
			seen[c.MessageID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func toExclusionSet(excludeMessageID *string, recentWindowIDs []string) map[string]bool {
	set := make(map[string]bool, len(recentWindowIDs)+1)
	if excludeMessageID != nil {
		set[*excludeMessageID] = true
	}
	for _, id := range recentWindowIDs {
		set[id] = true
	}
	return set
}

func excludeByMessageID(chunks []vectorindex.Chunk, exclude map[string]bool) []vectorindex.Chunk {
	out := chunks[:0:0]
	for _, c := range chunks {
		if exclude[c.MessageID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// expand fetches each surviving chunk's siblings, clamps a window of
// chunksBefore/chunksAfter around it, and deduplicates by messageId,
// preserving insertion (first-seen) order.
func (r *Retriever) expand(ctx context.Context, candidates []vectorindex.Chunk, cfg Config) ([]ExpandedChunkGroup, error) {
	var groups []ExpandedChunkGroup
	seen := map[string]bool{}
	for _, c := range candidates {
		if seen[c.MessageID] {
			continue
		}
		seen[c.MessageID] = true

		siblings, err := r.Index.GetChunksForMessage(ctx, c.MessageID)
		if err != nil {
			continue
		}
		sort.SliceStable(siblings, func(i, j int) bool { return siblings[i].ChunkIndex < siblings[j].ChunkIndex })

		lo := c.ChunkIndex - cfg.ChunksBefore
		hi := c.ChunkIndex + cfg.ChunksAfter
		var windowed []vectorindex.Chunk
		for _, s := range siblings {
			if s.ChunkIndex >= lo && s.ChunkIndex <= hi {
				windowed = append(windowed, s)
			}
		}
		if len(windowed) == 0 {
			windowed = []vectorindex.Chunk{c}
		}
		groups = append(groups, ExpandedChunkGroup{MessageID: c.MessageID, Chunks: windowed})
	}
	return groups, nil
}

package vectorindex

import (
	"context"
	"sort"
	"sync"
)

// NewMemory returns a brute-force, cosine-similarity Index held entirely
// in process memory: chunks keyed by message id, scoped by session.
func NewMemory() Index {
	return &memoryIndex{
		byMessage: map[string][]Chunk{},
		bySession: map[string][]string{}, // sessionID -> message ids, insertion order
	}
}

type memoryIndex struct {
	mu        sync.RWMutex
	byMessage map[string][]Chunk
	bySession map[string][]string
	seq       int64
}

func (m *memoryIndex) StoreChunksForMessage(_ context.Context, messageID, sessionID string, chunkTexts []string, embeddings [][]float32) error {
	if len(chunkTexts) != len(embeddings) {
		return ErrIndexing
	}
	if len(chunkTexts) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	for _, e := range embeddings {
		if len(e) != dim {
			return ErrIndexing
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := make([]Chunk, len(chunkTexts))
	for i := range chunkTexts {
		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		m.seq++
		chunks[i] = Chunk{
			MessageID:  messageID,
			SessionID:  sessionID,
			ChunkIndex: i,
			Text:       chunkTexts[i],
			Vector:     vec,
			CreatedAt:  m.seq,
		}
	}
	if _, exists := m.byMessage[messageID]; !exists {
		m.bySession[sessionID] = append(m.bySession[sessionID], messageID)
	}
	m.byMessage[messageID] = chunks
	return nil
}

func (m *memoryIndex) GetChunksForMessage(_ context.Context, messageID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byMessage[messageID]
	out := make([]Chunk, len(src))
	copy(out, src)
	return out, nil
}

func (m *memoryIndex) GetChunksForSession(_ context.Context, sessionID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Chunk
	for _, msgID := range m.bySession[sessionID] {
		out = append(out, m.byMessage[msgID]...)
	}
	return out, nil
}

func (m *memoryIndex) allCandidates(sessionID *string) []Chunk {
	var out []Chunk
	if sessionID != nil {
		for _, msgID := range m.bySession[*sessionID] {
			out = append(out, m.byMessage[msgID]...)
		}
		return out
	}
	for _, chunks := range m.byMessage {
		out = append(out, chunks...)
	}
	return out
}

func (m *memoryIndex) FindSimilar(_ context.Context, queryEmbedding []float32, sessionID *string, limit int) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := m.allCandidates(sessionID)
	scored := scoreAndSort(candidates, queryEmbedding)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return toChunks(scored), nil
}

func (m *memoryIndex) FindSimilarWithinThreshold(_ context.Context, queryEmbedding []float32, sessionID *string, threshold float64) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := m.allCandidates(sessionID)
	scored := scoreAndSort(candidates, queryEmbedding)
	cut := 0
	for ; cut < len(scored); cut++ {
		if scored[cut].score < threshold {
			break
		}
	}
	return toChunks(scored[:cut]), nil
}

func (m *memoryIndex) DeleteChunksForMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byMessage, messageID)
	for sid, ids := range m.bySession {
		m.bySession[sid] = removeString(ids, messageID)
	}
	return nil
}

func (m *memoryIndex) DeleteChunksForSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgID := range m.bySession[sessionID] {
		delete(m.byMessage, msgID)
	}
	delete(m.bySession, sessionID)
	return nil
}

func (m *memoryIndex) Statistics(_ context.Context) (Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Statistics{UniqueMessages: len(m.byMessage), UniqueSessions: len(m.bySession)}
	for _, chunks := range m.byMessage {
		stats.TotalChunks += len(chunks)
	}
	return stats, nil
}

type scoredChunk struct {
	chunk Chunk
	score float64
	order int
}

// scoreAndSort scores every candidate against queryEmbedding and sorts by
// descending cosine similarity, breaking ties by original (insertion)
// order for stability. Chunks with a missing or wrong-dimensional stored
// embedding are skipped entirely rather than scored.
func scoreAndSort(candidates []Chunk, query []float32) []scoredChunk {
	scored := make([]scoredChunk, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) == 0 || len(c.Vector) != len(query) {
			continue
		}
		scored = append(scored, scoredChunk{chunk: c, score: Cosine(query, c.Vector), order: len(scored)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].order < scored[j].order
	})
	return scored
}

func toChunks(scored []scoredChunk) []Chunk {
	out := make([]Chunk, len(scored))
	for i, s := range scored {
		out[i] = s.chunk
	}
	return out
}

func removeString(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

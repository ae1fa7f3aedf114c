// Package orchestrator drives one full chat turn: persist the user
// message, index it, gather window/key-info/historical context, build the
// prompt, call the generator, and persist the assistant message.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifold/convomem/internal/chain"
	"github.com/manifold/convomem/internal/chunker"
	"github.com/manifold/convomem/internal/config"
	"github.com/manifold/convomem/internal/extract"
	"github.com/manifold/convomem/internal/observability"
	"github.com/manifold/convomem/internal/prompt"
	"github.com/manifold/convomem/internal/retrieve"
	"github.com/manifold/convomem/internal/store"
	"github.com/manifold/convomem/internal/summary"
	"github.com/manifold/convomem/internal/vectorindex"
	"github.com/manifold/convomem/internal/window"
)

// Generator is the subset of genclient.Generator the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder is the subset of embedclient.Embedder the orchestrator needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Clock abstracts time to make turn handling testable.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Deps are the external collaborators the Service is composed from. The
// window manager, extractor, retriever, and prompt builder are constructed
// internally from cfg.
type Deps struct {
	Messages  store.MessageStore
	Chunks    store.ChunkStore
	Index     vectorindex.Index
	Embedder  Embedder
	Generator Generator

	// WindowCache optionally mirrors per-session activity to an external
	// backend; nil selects the in-process cache.
	WindowCache window.EvictionCache
}

// Service implements the end-to-end turn pipeline.
type Service struct {
	cfg       config.Config
	messages  store.MessageStore
	chunks    store.ChunkStore
	index     vectorindex.Index
	embedder  Embedder
	generator Generator

	windows   *window.Manager
	extractor *extract.Extractor
	retriever *retrieve.Retriever
	merger    *retrieve.Merger
	builder   *prompt.Builder

	clock Clock

	// embedDim is the discovered embedding dimension: the first
	// successful embedder response sets it, and later responses of a
	// different length are rejected as unindexable.
	dimMu    sync.Mutex
	embedDim int

	// stampMu guards lastStamp, which enforces strictly increasing
	// per-session timestamps so parent links never need tie-breaking.
	stampMu   sync.Mutex
	lastStamp map[string]time.Time

	indexing sync.WaitGroup
}

// Option configures the Service during construction.
type Option func(*Service)

// WithClock sets a custom clock implementation.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithRelevanceFilter replaces the retriever's content-based relevance
// filter.
func WithRelevanceFilter(f retrieve.RelevanceFilter) Option {
	return func(s *Service) { s.retriever.Filter = f }
}

// New constructs a Service from cfg and deps, wiring up the window
// manager, summary service, extractor, retriever, and prompt builder.
func New(cfg config.Config, deps Deps, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		messages:  deps.Messages,
		chunks:    deps.Chunks,
		index:     deps.Index,
		embedder:  deps.Embedder,
		generator: deps.Generator,
		clock:     SystemClock{},
		lastStamp: map[string]time.Time{},
	}
	summarizer := summary.New(deps.Generator)
	s.windows = window.New(cfg.Window.Size, summarizer, deps.WindowCache)
	s.extractor = extract.New(deps.Generator, cfg.Extract.MaxConcurrentRequests)
	s.retriever = retrieve.New(deps.Embedder, deps.Index, nil)
	s.merger = retrieve.NewMerger()
	s.builder = prompt.New(cfg.Prompt.MaxLength, cfg.Prompt.EnableTruncation)
	for _, o := range opts {
		o(s)
	}
	return s
}

// stamp returns the next timestamp for sessionID, strictly after any
// stamp previously handed out for it. This keeps parent selection and
// chain acyclicity independent of clock resolution.
func (s *Service) stamp(sessionID string) time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.clock.Now()
	if last, ok := s.lastStamp[sessionID]; ok && !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	s.lastStamp[sessionID] = now
	return now
}

// HandleUserTurn runs one complete turn and returns the persisted
// assistant message. Generator failure and failure to persist the user or
// assistant message surface as errors; every other failure degrades the
// context sections and is logged.
func (s *Service) HandleUserTurn(ctx context.Context, text, sessionID string) (store.Message, error) {
	tUser := s.stamp(sessionID)

	parentID, err := s.lastMessageID(ctx, sessionID)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session", sessionID).Msg("parent lookup failed; persisting as root")
		parentID = nil
	}

	userMsg := store.Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            store.RoleUser,
		Content:         text,
		Timestamp:       tUser,
		ParentMessageID: parentID,
		Metadata:        map[string]any{"messageType": "chat"},
	}
	if err := s.messages.Save(ctx, userMsg); err != nil {
		return store.Message{}, fmt.Errorf("orchestrator: persist user message: %w", err)
	}

	s.indexAsync(userMsg)

	// Snapshot the window before admitting the new message so the
	// "Recent Conversation" section carries only prior turns; the current
	// message gets its own section.
	convo := s.windows.GetConversationContext(sessionID)
	s.windows.AddMessage(ctx, sessionID, userMsg)

	keyInfo := s.extractor.Extract(ctx, userMsg, sessionID)
	groups := s.retrieveContext(ctx, text, sessionID, userMsg.ID)

	p := s.builder.Build(text, convo, keyInfo, groups, sessionID)

	response, err := s.generator.Generate(ctx, p)
	if err != nil {
		return store.Message{}, fmt.Errorf("orchestrator: generate: %w", err)
	}
	tAssistant := s.stamp(sessionID)

	assistantMsg := store.Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            store.RoleAssistant,
		Content:         response,
		Timestamp:       tAssistant,
		ParentMessageID: &userMsg.ID,
		Metadata: map[string]any{
			"model":          s.cfg.Generator.Model,
			"responseTimeMs": tAssistant.Sub(tUser).Milliseconds(),
		},
	}
	if err := s.messages.Save(ctx, assistantMsg); err != nil {
		return store.Message{}, fmt.Errorf("orchestrator: persist assistant message: %w", err)
	}

	s.indexAsync(assistantMsg)
	s.windows.AddMessage(ctx, sessionID, assistantMsg)

	return assistantMsg, nil
}

// lastMessageID selects the parent for a new message: the most recent
// message in the session by (timestamp, has-parent tie-breaker, id).
func (s *Service) lastMessageID(ctx context.Context, sessionID string) (*string, error) {
	msgs, err := s.messages.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if (a.ParentMessageID != nil) != (b.ParentMessageID != nil) {
			return a.ParentMessageID != nil
		}
		return a.ID > b.ID
	})
	id := msgs[0].ID
	return &id, nil
}

func (s *Service) retrieveContext(ctx context.Context, text, sessionID, excludeID string) []retrieve.ExpandedChunkGroup {
	cfg := retrieve.Config{
		ChunksBefore:        s.cfg.Retrieval.ChunksBefore,
		ChunksAfter:         s.cfg.Retrieval.ChunksAfter,
		MaxSimilar:          s.cfg.Retrieval.MaxSimilar,
		SimilarityThreshold: s.cfg.Retrieval.SimilarityThreshold,
		Strategy:            retrieve.Strategy(s.cfg.Retrieval.Strategy),
	}
	recent := s.windows.RecentMessageIDs(sessionID)
	groups, err := s.retriever.Retrieve(ctx, text, sessionID, &excludeID, recent, cfg)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session", sessionID).Msg("retrieval rejected; proceeding without historical context")
		return nil
	}
	return s.mergeGroups(ctx, groups)
}

// mergeGroups time-orders the retrieved groups and coalesces any that
// describe the same conversational moment, so the prompt's historical
// section reads chronologically.
func (s *Service) mergeGroups(ctx context.Context, groups []retrieve.ExpandedChunkGroup) []retrieve.ExpandedChunkGroup {
	if len(groups) < 2 {
		return groups
	}
	stamped := make([]retrieve.TimestampedGroup, 0, len(groups))
	for _, g := range groups {
		tg := retrieve.TimestampedGroup{ExpandedChunkGroup: g}
		if m, err := s.messages.FindByID(ctx, g.MessageID); err == nil {
			tg.Timestamp = m.Timestamp
			tg.Role = string(m.Role)
		}
		stamped = append(stamped, tg)
	}
	merged := s.merger.Merge(stamped)
	out := make([]retrieve.ExpandedChunkGroup, len(merged))
	for i, tg := range merged {
		out[i] = tg.ExpandedChunkGroup
	}
	return out
}

// indexAsync chunks, embeds, and stores msg in the chunk store and vector
// index on a background goroutine. Indexing failures are logged, never
// surfaced to the turn.
func (s *Service) indexAsync(msg store.Message) {
	s.indexing.Add(1)
	go func() {
		defer s.indexing.Done()
		timeout := time.Duration(s.cfg.Timeouts.EmbedMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.indexMessage(ctx, msg); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("message", msg.ID).Msg("indexing failed; message left unindexed")
		}
	}()
}

func (s *Service) indexMessage(ctx context.Context, msg store.Message) error {
	pieces := chunker.Chunk(msg.Content, s.cfg.Chunker.TargetTokens, s.cfg.Chunker.OverlapTokens, true)
	if len(pieces) == 0 {
		return nil
	}

	texts := make([]string, len(pieces))
	embeddings := make([][]float32, len(pieces))
	for i, p := range pieces {
		vec, err := s.embedder.Embed(ctx, p.Text)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		if err := s.checkDimension(vec); err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		texts[i] = p.Text
		embeddings[i] = vec
	}

	if err := s.index.StoreChunksForMessage(ctx, msg.ID, msg.SessionID, texts, embeddings); err != nil {
		return fmt.Errorf("store in vector index: %w", err)
	}

	records := make([]store.ChunkEmbedding, len(pieces))
	createdAt := s.clock.Now()
	for i := range pieces {
		records[i] = store.ChunkEmbedding{
			MessageID:       msg.ID,
			SessionID:       msg.SessionID,
			ChunkIndex:      i,
			ChunkText:       texts[i],
			EmbeddingVector: embeddings[i],
			CreatedAt:       createdAt,
		}
	}
	if err := s.chunks.SaveAll(ctx, records); err != nil {
		return fmt.Errorf("persist chunk embeddings: %w", err)
	}
	return nil
}

// checkDimension records the first successful embedding length as the
// canonical dimension and rejects later vectors that differ.
func (s *Service) checkDimension(vec []float32) error {
	s.dimMu.Lock()
	defer s.dimMu.Unlock()
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding")
	}
	if s.embedDim == 0 {
		s.embedDim = len(vec)
		return nil
	}
	if len(vec) != s.embedDim {
		return fmt.Errorf("embedding dimension %d does not match discovered dimension %d", len(vec), s.embedDim)
	}
	return nil
}

// WaitForIndexing blocks until every async indexing task kicked off so
// far has finished. Intended for tests and graceful shutdown.
func (s *Service) WaitForIndexing() {
	s.indexing.Wait()
}

// ValidateChain reports the structural health of sessionID's message chain.
func (s *Service) ValidateChain(ctx context.Context, sessionID string) (chain.ValidationResult, error) {
	return chain.Validate(ctx, s.messages, sessionID)
}

// RepairChain attempts to heal broken parent references in sessionID's
// chain.
func (s *Service) RepairChain(ctx context.Context, sessionID string) (chain.RepairResult, error) {
	return chain.Repair(ctx, s.messages, sessionID)
}

// ReconstructChain returns sessionID's messages in chain order.
func (s *Service) ReconstructChain(ctx context.Context, sessionID string) ([]store.Message, error) {
	return chain.Reconstruct(ctx, s.messages, sessionID)
}

// ClearSession drops sessionID's window, chunk records, and vector-index
// entries. Persisted messages are retained; the message store contract
// only supports a global clear.
func (s *Service) ClearSession(ctx context.Context, sessionID string) error {
	s.windows.ClearHistory(sessionID)
	if err := s.chunks.DeleteBySessionID(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: clear session chunks: %w", err)
	}
	if err := s.index.DeleteChunksForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("orchestrator: clear session index: %w", err)
	}
	s.stampMu.Lock()
	delete(s.lastStamp, sessionID)
	s.stampMu.Unlock()
	return nil
}

// ClearAll drops every window, every message, every chunk record, and the
// extraction cache.
func (s *Service) ClearAll(ctx context.Context) error {
	s.windows.ClearAll()
	s.extractor.ClearCache()
	msgs, err := s.messages.FindAll(ctx)
	if err == nil {
		for _, m := range msgs {
			if derr := s.index.DeleteChunksForMessage(ctx, m.ID); derr != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(derr).Str("message", m.ID).Msg("failed to drop indexed chunks")
			}
			if derr := s.chunks.DeleteByMessageID(ctx, m.ID); derr != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(derr).Str("message", m.ID).Msg("failed to drop chunk records")
			}
		}
	}
	if err := s.messages.DeleteAll(ctx); err != nil {
		return fmt.Errorf("orchestrator: clear messages: %w", err)
	}
	s.stampMu.Lock()
	s.lastStamp = map[string]time.Time{}
	s.stampMu.Unlock()
	return nil
}

// Statistics is the administrative view over the service's moving parts.
type Statistics struct {
	Index             vectorindex.Statistics
	ActiveWindows     int
	CachedExtractions int
}

// Stats returns current counters for the vector index, window manager,
// and extraction cache.
func (s *Service) Stats(ctx context.Context) (Statistics, error) {
	idx, err := s.index.Statistics(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("orchestrator: index statistics: %w", err)
	}
	return Statistics{
		Index:             idx,
		ActiveWindows:     s.windows.WindowCount(),
		CachedExtractions: s.extractor.CacheSize(),
	}, nil
}

// RetrievalStats returns sessionID's accumulated retrieval counters.
func (s *Service) RetrievalStats(sessionID string) retrieve.SessionStats {
	return s.retriever.Metrics.Snapshot(sessionID)
}

// StartCleanup runs the idle-window eviction scan on the configured
// cadence until ctx is cancelled.
func (s *Service) StartCleanup(ctx context.Context) {
	interval := time.Duration(s.cfg.Window.CleanupIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := s.windows.EvictIdle(s.cfg.Window.RetentionHours)
				if len(evicted) > 0 {
					observability.LoggerWithTrace(ctx).Info().Int("count", len(evicted)).Msg("evicted idle conversation windows")
				}
			}
		}
	}()
}

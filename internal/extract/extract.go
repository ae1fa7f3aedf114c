// Package extract pulls structured key information (entities, facts,
// intent, action items) out of a single message via the configured
// generator, with a lexical fallback when the generator is unavailable
// or its output can't be parsed.
package extract

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/manifold/convomem/internal/store"
)

// Generator is the subset of genclient.Generator the extractor needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Information is the structured result of extracting a single message.
type Information struct {
	Entities       []string `json:"entities"`
	KeyFacts       []string `json:"keyFacts"`
	UserIntent     string   `json:"userIntent"`
	ActionItems    []string `json:"actionItems"`
	ContextualInfo string   `json:"contextualInfo"`
	Sentiment      string   `json:"sentiment"`
	Urgency        string   `json:"urgency"`
}

// IsEmpty reports whether every field of an Information is unset, used to
// decide whether a prompt-builder section should be omitted entirely.
func (i Information) IsEmpty() bool {
	return len(i.Entities) == 0 && len(i.KeyFacts) == 0 && i.UserIntent == "" &&
		len(i.ActionItems) == 0 && i.ContextualInfo == "" && i.Sentiment == "" && i.Urgency == ""
}

// Extractor turns a message into structured key information, caching one
// result per message id.
type Extractor struct {
	Generator             Generator
	MaxConcurrentRequests int
	FallbackEnabled        bool

	mu    sync.Mutex
	cache map[string]Information
}

// New constructs an Extractor. maxConcurrent <= 0 falls back to 5, matching
// extraction.max-concurrent-requests's documented default.
func New(generator Generator, maxConcurrent int) *Extractor {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Extractor{
		Generator:              generator,
		MaxConcurrentRequests:  maxConcurrent,
		FallbackEnabled:        true,
		cache:                  map[string]Information{},
	}
}

// Extract returns the cached result for message.ID if present, otherwise
// runs the generator-backed extraction (falling back lexically on
// failure) and caches the outcome.
func (e *Extractor) Extract(ctx context.Context, message store.Message, sessionID string) Information {
	if cached, ok := e.cachedLookup(message.ID); ok {
		return cached
	}

	info := e.extractUncached(ctx, message, sessionID)

	e.mu.Lock()
	e.cache[message.ID] = info
	e.mu.Unlock()
	return info
}

func (e *Extractor) cachedLookup(messageID string) (Information, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.cache[messageID]
	return info, ok
}

func (e *Extractor) extractUncached(ctx context.Context, message store.Message, sessionID string) Information {
	if e.Generator == nil {
		return e.fallback(message)
	}

	prompt := extractionPrompt(message)
	raw, err := e.Generator.Generate(ctx, prompt)
	if err != nil {
		return e.fallback(message)
	}

	jsonBody := extractJSONObject(raw)
	if jsonBody == "" {
		return e.fallback(message)
	}

	var info Information
	if err := json.Unmarshal([]byte(jsonBody), &info); err != nil {
		return e.fallback(message)
	}
	return info
}

// CacheSize reports how many messages currently have a cached extraction,
// for administrative statistics.
func (e *Extractor) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// ClearCache drops every cached extraction.
func (e *Extractor) ClearCache() {
	e.mu.Lock()
	e.cache = map[string]Information{}
	e.mu.Unlock()
}

// ExtractBatch runs Extract over messages with parallelism bounded by
// MaxConcurrentRequests, preserving input order in the result.
func (e *Extractor) ExtractBatch(ctx context.Context, messages []store.Message, sessionID string) []Information {
	results := make([]Information, len(messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.MaxConcurrentRequests)

	for i, m := range messages {
		i, m := i, m
		g.Go(func() error {
			results[i] = e.Extract(gctx, m, sessionID)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func extractionPrompt(message store.Message) string {
	var sb strings.Builder
	sb.WriteString("Extract structured information from the following message as a strict JSON object ")
	sb.WriteString("with fields entities, keyFacts, userIntent, actionItems, contextualInfo, sentiment, urgency:\n\n")
	sb.WriteString(message.Content)
	return sb.String()
}

// extractJSONObject returns the substring from the first '{' to the last
// '}', or "" if no such bracketed region exists.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var capitalizedWord = regexp.MustCompile(`\b[A-Z][a-zA-Z]*\b`)

// fallback is the lexical extractor used when the generator path fails:
// capitalized tokens become entities, the message (truncated) becomes a
// single key fact, and sentiment/urgency get fixed neutral defaults.
func (e *Extractor) fallback(message store.Message) Information {
	if !e.FallbackEnabled {
		return Information{}
	}

	entities := capitalizedWord.FindAllString(message.Content, -1)
	fact := message.Content
	if len(fact) > 200 {
		fact = fact[:200] + "..."
	}

	return Information{
		Entities:  dedupeStrings(entities),
		KeyFacts:  []string{fact},
		Sentiment: "neutral",
		Urgency:   "medium",
	}
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Package window holds the per-session rolling conversation buffer: a
// fixed-size recent-message list plus an accumulating summary, trimmed
// via the configured Summarizer when it overflows.
package window

import (
	"context"
	"sync"
	"time"

	"github.com/manifold/convomem/internal/store"
	"github.com/manifold/convomem/internal/summary"
)

// Summarizer is the subset of the summary service the window needs.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []store.Message, sessionID string) (string, bool)
	UpdateSummary(ctx context.Context, existing string, newMessages []store.Message, sessionID string) string
}

// ConversationContext is a snapshot of one session's window.
type ConversationContext struct {
	RecentMessages []store.Message
	Summary        *string
}

// Window is one session's rolling buffer.
type Window struct {
	mu           sync.Mutex
	Messages     []store.Message
	Summary      *string
	LastActivity time.Time
}

// Manager holds one Window per session behind a top-level map mutex.
type Manager struct {
	mu         sync.Mutex
	windows    map[string]*Window
	maxSize    int
	summarizer Summarizer
	cache      EvictionCache
}

// New constructs a Manager. maxSize is conversation.window.size; a
// non-positive value falls back to the documented default of 10.
func New(maxSize int, summarizer Summarizer, cache EvictionCache) *Manager {
	if maxSize <= 0 {
		maxSize = 10
	}
	if cache == nil {
		cache = NewInProcessEvictionCache()
	}
	return &Manager{windows: map[string]*Window{}, maxSize: maxSize, summarizer: summarizer, cache: cache}
}

func (m *Manager) windowFor(sessionID string) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[sessionID]
	if !ok {
		// A session another instance (or this one, before a restart)
		// already touched keeps its recorded idle clock; only a truly
		// unseen session starts fresh.
		last, seen := m.cache.Peek(sessionID)
		if !seen {
			last = time.Now()
		}
		w = &Window{LastActivity: last}
		m.windows[sessionID] = w
	}
	return w
}

// AddMessage appends message to sessionID's window, updates lastActivity,
// and triggers summarization if the window now exceeds maxSize.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, message store.Message) {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	w.Messages = append(w.Messages, message)
	w.LastActivity = time.Now()
	overflow := len(w.Messages) > m.maxSize
	snapshot := append([]store.Message(nil), w.Messages...)
	existingSummary := w.Summary
	w.mu.Unlock()

	m.cache.Touch(sessionID, w.LastActivity)

	if !overflow {
		return
	}
	m.summarize(ctx, sessionID, w, snapshot, existingSummary)
}

// minKeep is max(3, maxWindowSize/2), the post-summarization floor.
func (m *Manager) minKeep() int {
	half := m.maxSize / 2
	if half < 3 {
		return 3
	}
	return half
}

func (m *Manager) summarize(ctx context.Context, sessionID string, w *Window, allMessages []store.Message, existingSummary *string) {
	keep := m.minKeep()
	var toSummarize []store.Message
	if keep < len(allMessages) {
		toSummarize = allMessages[:len(allMessages)-keep]
	}

	var newSummary string
	var ok bool
	if m.summarizer == nil {
		ok = false
	} else if existingSummary == nil || *existingSummary == "" {
		newSummary, ok = m.summarizer.GenerateSummary(ctx, toSummarize, sessionID)
	} else {
		newSummary = m.summarizer.UpdateSummary(ctx, summary.Decode(*existingSummary), toSummarize, sessionID)
		ok = newSummary != ""
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if keep < len(w.Messages) {
		w.Messages = append([]store.Message(nil), w.Messages[len(w.Messages)-keep:]...)
	}
	if ok {
		// Stored in the summary envelope so the in-window shape matches
		// what a future persistence layer would carry.
		enc := summary.Encode(newSummary)
		w.Summary = &enc
	}
	// On summarization failure, just trim; keep prior summary untouched.
}

// GetConversationContext returns a snapshot of sessionID's window.
func (m *Manager) GetConversationContext(sessionID string) ConversationContext {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	cc := ConversationContext{
		RecentMessages: append([]store.Message(nil), w.Messages...),
	}
	if w.Summary != nil {
		plain := summary.Decode(*w.Summary)
		cc.Summary = &plain
	}
	return cc
}

// RecentMessageIDs returns the ids of messages currently held in
// sessionID's recent-message list, for the retriever's exclusion set.
func (m *Manager) RecentMessageIDs(sessionID string) []string {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.Messages))
	for i, msg := range w.Messages {
		ids[i] = msg.ID
	}
	return ids
}

// ClearHistory drops sessionID's window entirely.
func (m *Manager) ClearHistory(sessionID string) {
	m.mu.Lock()
	delete(m.windows, sessionID)
	m.mu.Unlock()
	m.cache.Forget(sessionID)
}

// ClearAll drops every window.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.windows = map[string]*Window{}
	m.mu.Unlock()
	m.cache.ForgetAll()
}

// EvictIdle drops every window whose lastActivity is older than
// retentionHours, called on the cleanupIntervalMinutes cadence.
func (m *Manager) EvictIdle(retentionHours int) []string {
	horizon := time.Duration(retentionHours) * time.Hour
	cutoff := time.Now().Add(-horizon)

	var evicted []string
	m.mu.Lock()
	for sessionID, w := range m.windows {
		w.mu.Lock()
		stale := w.LastActivity.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(m.windows, sessionID)
			evicted = append(evicted, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range evicted {
		m.cache.Forget(sessionID)
	}
	return evicted
}

// WindowCount reports how many sessions currently have an active window,
// for administrative statistics.
func (m *Manager) WindowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

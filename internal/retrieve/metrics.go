package retrieve

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionStats accumulates retrieval counters for one session: retrieval
// count, total duration, error count.
type SessionStats struct {
	RetrievalCount int64
	TotalDuration  time.Duration
	ErrorCount     int64
}

// Metrics accumulates SessionStats per session.
type Metrics struct {
	sessions sync.Map // sessionID -> *sessionCounters
}

type sessionCounters struct {
	retrievalCount int64
	totalDurNanos  int64
	errorCount     int64
}

// NewMetrics constructs an empty Metrics accumulator.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) counters(sessionID string) *sessionCounters {
	v, _ := m.sessions.LoadOrStore(sessionID, &sessionCounters{})
	return v.(*sessionCounters)
}

// RecordSuccess records one completed retrieval attempt.
func (m *Metrics) RecordSuccess(sessionID string, dur time.Duration) {
	c := m.counters(sessionID)
	atomic.AddInt64(&c.retrievalCount, 1)
	atomic.AddInt64(&c.totalDurNanos, int64(dur))
}

// RecordError records a failed retrieval attempt.
func (m *Metrics) RecordError(sessionID string, dur time.Duration) {
	c := m.counters(sessionID)
	atomic.AddInt64(&c.retrievalCount, 1)
	atomic.AddInt64(&c.totalDurNanos, int64(dur))
	atomic.AddInt64(&c.errorCount, 1)
}

// Snapshot returns the current counters for sessionID (zero value if none
// have been recorded yet).
func (m *Metrics) Snapshot(sessionID string) SessionStats {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return SessionStats{}
	}
	c := v.(*sessionCounters)
	return SessionStats{
		RetrievalCount: atomic.LoadInt64(&c.retrievalCount),
		TotalDuration:  time.Duration(atomic.LoadInt64(&c.totalDurNanos)),
		ErrorCount:     atomic.LoadInt64(&c.errorCount),
	}
}

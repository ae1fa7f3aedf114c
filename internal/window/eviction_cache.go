package window

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EvictionCache tracks per-session last-activity timestamps. With an
// out-of-process backend (Redis), a restarted instance can resume its
// idle-eviction schedule instead of treating every session as freshly
// active; the default in-process backend does not survive a restart.
type EvictionCache interface {
	Touch(sessionID string, at time.Time)
	// Peek reports the last activity recorded for sessionID, false if the
	// cache holds none.
	Peek(sessionID string) (time.Time, bool)
	Forget(sessionID string)
	ForgetAll()
}

// inProcessEvictionCache is the default backend: a plain map, adequate for
// a single-instance deployment or tests.
type inProcessEvictionCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInProcessEvictionCache returns the default in-memory EvictionCache.
func NewInProcessEvictionCache() EvictionCache {
	return &inProcessEvictionCache{seen: map[string]time.Time{}}
}

func (c *inProcessEvictionCache) Touch(sessionID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[sessionID] = at
}

func (c *inProcessEvictionCache) Peek(sessionID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[sessionID]
	return at, ok
}

func (c *inProcessEvictionCache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, sessionID)
}

func (c *inProcessEvictionCache) ForgetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = map[string]time.Time{}
}

// redisEvictionCache keeps the same per-session state as the in-process
// cache, but in Redis with a per-entry TTL (second precision), so multiple
// memoryd instances sharing a Redis see a
// consistent idle clock per session.
type redisEvictionCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisEvictionCache wires a redis.Client as the EvictionCache backend.
// ttl should comfortably exceed the configured retentionHours window.
func NewRedisEvictionCache(client *redis.Client, keyPrefix string, ttl time.Duration) EvictionCache {
	if keyPrefix == "" {
		keyPrefix = "convomem:window:activity:"
	}
	return &redisEvictionCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *redisEvictionCache) key(sessionID string) string {
	return c.keyPrefix + sessionID
}

func (c *redisEvictionCache) Touch(sessionID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.client.Set(ctx, c.key(sessionID), at.Unix(), c.ttl)
}

func (c *redisEvictionCache) Peek(sessionID string) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unix, err := c.client.Get(ctx, c.key(sessionID)).Int64()
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

func (c *redisEvictionCache) Forget(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.client.Del(ctx, c.key(sessionID))
}

func (c *redisEvictionCache) ForgetAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}

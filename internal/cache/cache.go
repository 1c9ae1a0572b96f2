// Package cache provides the in-process read-through cache for the hot
// state-store read paths: assistant-by-id, tools-for-assistant, and
// global settings.
//
// Coherence contract: every successful mutating call the core issues
// against a cached resource must invalidate the matching key pattern
// before returning, so a read that follows a write always observes the
// post-mutation value.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Key patterns for the cached read paths.
const (
	KeyPrefixAssistant = "assistant:"
	KeyPrefixTools     = "tools:"
	KeySettings        = "settings:global"
)

// DefaultTTL bounds staleness for values that are never invalidated
// explicitly (for example, mutations issued by the external CRUD layer
// that the core cannot observe).
const DefaultTTL = 5 * time.Minute

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL cache with pattern invalidation. Values are swapped
// atomically under the lock; readers never observe a partially
// refreshed entry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures the cache.
type Option func(*Cache)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache with the given TTL (DefaultTTL when zero).
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// InvalidatePattern removes every key matching pattern. A trailing '*'
// matches any suffix; without it the match is exact.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		removed := 0
		for key := range c.entries {
			if strings.HasPrefix(key, prefix) {
				delete(c.entries, key)
				removed++
			}
		}
		return removed
	}
	if _, ok := c.entries[pattern]; ok {
		delete(c.entries, pattern)
		return 1
	}
	return 0
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size returns the number of live entries, expired ones included until
// their next read.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value or runs load, caching its result.
// Concurrent loads of the same key may race; last write wins, which is
// acceptable because all loads read the same source of truth.
func GetOrLoad[T any](c *Cache, key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	value, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, value)
	return value, nil
}

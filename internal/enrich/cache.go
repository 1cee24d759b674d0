package enrich

import (
	"sync"
	"time"
)

// staleFraction is the portion of an entry's TTL after which it is served
// with a staleness marker while still being valid.
const staleFraction = 0.75

// Entry is a cached value with its freshness bookkeeping.
type Entry[V any] struct {
	Value    V
	CachedAt time.Time
	TTL      time.Duration
}

// Age returns how long ago the entry was cached.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Stale reports whether the entry has passed the staleness threshold but is
// still within its TTL.
func (e Entry[V]) Stale(now time.Time) bool {
	return float64(e.Age(now)) > staleFraction*float64(e.TTL)
}

// Expired reports whether the entry has outlived its TTL.
func (e Entry[V]) Expired(now time.Time) bool {
	return e.Age(now) > e.TTL
}

// Cache is a TTL cache keyed by string. Expired entries are never returned:
// Get evicts lazily, and a sweeper can reclaim untouched entries in the
// background. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]Entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption[V any] func(*Cache[V])

// WithClock overrides the cache's time source.
func WithClock[V any](now func() time.Time) CacheOption[V] {
	return func(c *Cache[V]) { c.now = now }
}

// NewCache creates a cache whose entries live for ttl.
func NewCache[V any](ttl time.Duration, opts ...CacheOption[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]Entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live entry for key. An expired entry is evicted on the
// spot and reported as a miss.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	if entry.Expired(c.now()) {
		delete(c.entries, key)
		return Entry[V]{}, false
	}
	return entry, true
}

// Put stores value under key with the cache's TTL, replacing any previous
// entry.
func (c *Cache[V]) Put(key string, value V) Entry[V] {
	entry := Entry[V]{Value: value, CachedAt: c.now(), TTL: c.ttl}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry
}

// Sweep removes every expired entry and returns how many were evicted.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper runs Sweep every interval until stop is closed.
func (c *Cache[V]) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

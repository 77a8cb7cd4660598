package search

import (
	"sync"
	"time"
)

type memEntry struct {
	result   *QueryResult
	expireAt time.Time
}

// memoryCache is the ephemeral first cache tier: a time-boxed map from
// normalized query to QueryResult. Pure performance optimisation layered
// in front of the persistent store; never consulted for staleness
// decisions across process restarts.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time // injectable for tests
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	return &memoryCache{
		entries: make(map[string]memEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached result for key, or nil on miss or expiry.
// Expired entries are removed lazily on the next Get.
func (c *memoryCache) Get(key string) *QueryResult {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if c.now().After(e.expireAt) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have
		// refreshed the entry between the unlock and here.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expireAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil
	}
	return e.result
}

// Put stores the result, overwriting unconditionally and resetting the TTL.
func (c *memoryCache) Put(key string, r *QueryResult) {
	c.mu.Lock()
	c.entries[key] = memEntry{result: r, expireAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len reports the number of live entries, counting expired ones not yet
// swept. For introspection only.
func (c *memoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

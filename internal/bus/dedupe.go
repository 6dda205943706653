package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so webhook retries and double-taps
// do not trigger duplicate turns. Entries expire after the TTL; when the
// cache is full the oldest entries are evicted.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache creates a cache with the given TTL and size bound.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
	}
}

// IsDuplicate records the key and reports whether it was already seen within
// the TTL.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = now
	return false
}

// evictLocked drops expired entries, then oldest entries until under bound.
func (c *DedupeCache) evictLocked(now time.Time) {
	for k, seen := range c.entries {
		if now.Sub(seen) >= c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.max {
		var oldestKey string
		var oldest time.Time
		for k, seen := range c.entries {
			if oldestKey == "" || seen.Before(oldest) {
				oldestKey, oldest = k, seen
			}
		}
		delete(c.entries, oldestKey)
	}
}

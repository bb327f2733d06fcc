package toolindex

import (
	"sync"
	"time"
)

// exampleCache caches mined examples per tool with a TTL.
type exampleCache struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	examples  []Example
	timestamp time.Time
}

func newExampleCache(maxSize int, ttl time.Duration) *exampleCache {
	return &exampleCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *exampleCache) get(toolName string) ([]Example, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[toolName]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > c.ttl {
		return nil, false
	}
	return entry.examples, true
}

func (c *exampleCache) set(toolName string, examples []Example) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[toolName] = &cacheEntry{
		examples:  examples,
		timestamp: time.Now(),
	}
}

func (c *exampleCache) invalidate(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, toolName)
}

func (c *exampleCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

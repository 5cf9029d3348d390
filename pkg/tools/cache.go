package tools

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is one stored tool result with its storage time.
type cacheEntry struct {
	result   *Result
	storedAt time.Time
}

// ResultCache is a per-process, thread-safe cache of tool results. TTL is
// supplied per lookup because it comes from the active skill's per-tool
// policy. A TTL of zero means session-only: the entry never ages out and is
// discarded only when the owning instance's cache is dropped.
type ResultCache struct {
	entries *lru.Cache[string, cacheEntry]
	now     func() time.Time
}

// NewResultCache creates a cache bounded to size entries with LRU eviction.
func NewResultCache(size int) (*ResultCache, error) {
	if size <= 0 {
		size = 256
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: entries, now: time.Now}, nil
}

// Get returns the cached result when its age is within ttl. Expired entries
// are removed on lookup.
func (c *ResultCache) Get(key string, ttl time.Duration) (*Result, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if ttl > 0 && c.now().Sub(entry.storedAt) > ttl {
		c.entries.Remove(key)
		return nil, false
	}
	return entry.result, true
}

// Set stores a result under the key.
func (c *ResultCache) Set(key string, result *Result) {
	c.entries.Add(key, cacheEntry{result: result, storedAt: c.now()})
}

// Purge drops every entry. Called when the owning instance terminates.
func (c *ResultCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

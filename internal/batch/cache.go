package batch

import (
	"context"
	"sync"
)

// MemoryCache is a thread-safe LRU cache of terminal job statuses.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]JobStatus
	order   []string // oldest first
}

// NewMemoryCache creates a cache with the given maximum number of entries.
// If maxSize <= 0, it defaults to 1024.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryCache{
		maxSize: maxSize,
		entries: make(map[string]JobStatus),
	}
}

// Get returns the cached status for handle.
func (c *MemoryCache) Get(_ context.Context, handle string) (JobStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[handle]
	if !ok {
		return "", false
	}
	c.moveToEnd(handle)
	return st, true
}

// Put stores a status, evicting the least recently used entry if full.
func (c *MemoryCache) Put(_ context.Context, handle string, st JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[handle]; ok {
		c.entries[handle] = st
		c.moveToEnd(handle)
		return
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[handle] = st
	c.order = append(c.order, handle)
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) moveToEnd(handle string) {
	for i, k := range c.order {
		if k == handle {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, handle)
			return
		}
	}
}

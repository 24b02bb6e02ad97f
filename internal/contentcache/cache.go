// Package contentcache remembers the latest known content of every message the
// client has seen, across rooms, so edits start from fresh text.
package contentcache

import (
	"sync"
	"time"
)

// Entry is the latest known content for a key.
type Entry struct {
	Content   string
	UpdatedAt time.Time
}

// Cache maps message id to its latest known content. A write only lands if
// it is at least as new as the stored one.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Put stores content for key unless a strictly newer entry is already held.
// It reports whether the entry was written.
func (c *Cache) Put(key, content string, updatedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[key]; ok && cur.UpdatedAt.After(updatedAt) {
		return false
	}
	c.entries[key] = Entry{Content: content, UpdatedAt: updatedAt}
	return true
}

// Get returns the latest content for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

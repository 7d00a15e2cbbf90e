package offline

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	typeTag   string
	expiresAt time.Time
}

// MemoryCache is a process-local, volatile Cache backend. Used for short-TTL
// hot data and in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get implements Cache. An expired entry is deleted on read.
func (c *MemoryCache) Get(_ context.Context, key, typeTag string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) || !tagMatches(e.typeTag, typeTag) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have replaced it.
		if cur, ok := c.entries[key]; ok && (time.Now().After(cur.expiresAt) || !tagMatches(cur.typeTag, typeTag)) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.payload, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key, typeTag string, payload []byte, ttl time.Duration) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.mu.Lock()
	c.entries[key] = memoryEntry{
		payload:   cp,
		typeTag:   typeTag,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Remove implements Cache.
func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }

// Len reports the number of live entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

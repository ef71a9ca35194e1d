// shared/db.go
package shared

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ResultCache maps (url, format_id) to a Telegram file_id. Insert is first-writer-wins:
// it returns false without error when the key already exists. Uniqueness is enforced by
// the storage backend.
type ResultCache interface {
	Lookup(ctx context.Context, url, formatID string) (string, error)
	Insert(ctx context.Context, url, formatID, fileID string) (bool, error)
}

// CacheAdmin adds the manual cleanup surface used by the admin gateway
type CacheAdmin interface {
	ResultCache
	List(ctx context.Context, limit int) ([]CacheEntry, error)
	Delete(ctx context.Context, url, formatID string) (bool, error)
}

type cacheKey struct {
	url      string
	formatID string
}

// InMemoryCache implements CacheAdmin using an in-memory map
type InMemoryCache struct {
	entries map[cacheKey]CacheEntry
	mu      sync.RWMutex
}

// NewInMemoryCache creates a new in-memory cache instance
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[cacheKey]CacheEntry),
	}
}

func (c *InMemoryCache) Lookup(ctx context.Context, url, formatID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey{url, formatID}]
	if !ok {
		return "", ErrCacheMiss
	}
	return e.FileID, nil
}

func (c *InMemoryCache) Insert(ctx context.Context, url, formatID, fileID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{url, formatID}
	if _, exists := c.entries[k]; exists {
		return false, nil
	}
	c.entries[k] = CacheEntry{URL: url, FormatID: formatID, FileID: fileID, CreatedAt: time.Now()}
	return true, nil
}

// List returns entries newest first
func (c *InMemoryCache) List(ctx context.Context, limit int) ([]CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, url, formatID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{url, formatID}
	if _, exists := c.entries[k]; !exists {
		return false, nil
	}
	delete(c.entries, k)
	return true, nil
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/music-popularity-service/internal/models"
)

// Cache defines the interface for popularity leaderboard caching implementations.
// Get returns a cached ranking if present and not expired, Set stores one with TTL.
// The cache is a pure optimization, never a correctness dependency: a failing
// backend must not fail a read, callers fall through to the counter store.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.TrackRef, bool, error)
	Set(ctx context.Context, key string, value []models.TrackRef, ttl time.Duration) error
}

// TopTracksKey derives the cache key for a top-N lookup. Distinct limits are
// distinct entries; no normalization or merging.
func TopTracksKey(limit int) string {
	return fmt.Sprintf("top_tracks:%d", limit)
}

// InMemoryCache implements Cache using an in-memory map with TTL-based
// expiration. Expired entries are removed on access. Safe for concurrent use
// by request workers; concurrent writes to the same key resolve to last write
// wins, with staleness bounded by the TTL.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

// cacheEntry stores a cached ranking with its expiration timestamp.
type cacheEntry struct {
	value     []models.TrackRef
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves the cached ranking for the key if present and not expired.
// Returns (value, true, nil) on cache hit, (nil, false, nil) on miss or
// expiration. Expired entries are removed on access.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]models.TrackRef, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores a ranking with the specified TTL duration. The entry expires
// after the TTL elapses and is removed on the next Get access.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []models.TrackRef, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

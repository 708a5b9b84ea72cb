// Package cache provides the bounded hot tier for remote-primary
// collections: an LRU of segment index handles with single-flight loads.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aifocal/akidb/internal/index"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the default number of cached segment handles.
const DefaultCapacity = 256

// Loader fetches and builds the index handle for a segment on cache miss.
type Loader func(ctx context.Context, segmentID uuid.UUID) (index.Handle, error)

// Cache is a bounded LRU keyed by segment UUID. Handles are immutable once
// published, so entries are shared freely between concurrent readers; the
// garbage collector reclaims an evicted handle when the last reader drops
// it. Concurrent misses for the same key coalesce into a single load.
type Cache struct {
	entries *lru.Cache[uuid.UUID, index.Handle]
	group   singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding up to capacity handles.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[uuid.UUID, index.Handle](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// GetOrLoad returns the cached handle for a segment, loading it at most
// once across concurrent callers on miss.
func (c *Cache) GetOrLoad(ctx context.Context, segmentID uuid.UUID, load Loader) (index.Handle, error) {
	if h, ok := c.entries.Get(segmentID); ok {
		c.hits.Add(1)
		return h, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(segmentID.String(), func() (any, error) {
		// Double-check: a concurrent load may have landed while queued.
		if h, ok := c.entries.Get(segmentID); ok {
			return h, nil
		}
		h, err := load(ctx, segmentID)
		if err != nil {
			return nil, err
		}
		c.entries.Add(segmentID, h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(index.Handle), nil
}

// Put inserts a freshly built handle, e.g. right after sealing, so the
// first reader does not pay a load.
func (c *Cache) Put(segmentID uuid.UUID, h index.Handle) {
	c.entries.Add(segmentID, h)
}

// Peek returns the cached handle without affecting recency or counters.
func (c *Cache) Peek(segmentID uuid.UUID) (index.Handle, bool) {
	return c.entries.Peek(segmentID)
}

// Invalidate drops a segment from the cache (after tombstoning).
func (c *Cache) Invalidate(segmentID uuid.UUID) {
	c.entries.Remove(segmentID)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached handles.
func (c *Cache) Len() int { return c.entries.Len() }

// Hits returns the cumulative hit count.
func (c *Cache) Hits() uint64 { return c.hits.Load() }

// Misses returns the cumulative miss count.
func (c *Cache) Misses() uint64 { return c.misses.Load() }

// HitRate returns hits / (hits + misses), 0 when idle.
func (c *Cache) HitRate() float64 {
	h, m := c.Hits(), c.Misses()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

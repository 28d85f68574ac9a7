package shipping

import (
	"context"
	"sync"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

// MemoryCache is an in-process quote cache. Readers never block each other.
// Concurrent misses on one key may both populate it; the last write wins.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]Quote
	now     func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[Key]Quote),
		now:     time.Now,
	}
}

// Get returns the quote for key if it has not expired.
func (c *MemoryCache) Get(_ context.Context, key Key) (Quote, bool, error) {
	c.mu.RLock()
	q, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !q.LiveAt(c.now()) {
		return Quote{}, false, nil
	}
	return q, true, nil
}

// Set stores q under key, replacing any previous entry.
func (c *MemoryCache) Set(_ context.Context, key Key, q Quote) error {
	c.mu.Lock()
	c.entries[key] = q
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries that expired before now and returns how many were removed.
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, q := range c.entries {
		if !q.LiveAt(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a goroutine that calls Sweep every interval until ctx
// is cancelled. Reads stay correct without it; it only reclaims memory.
func (c *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.Sweep(now)
			}
		}
	}()
}

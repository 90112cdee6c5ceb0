package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sourcehound/harvester/internal/harvest"
)

// DetailCache stores fetched detail records for reuse inside a freshness
// window. Entries older than the window are invisible to GetMany.
type DetailCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   harvest.Clock
}

type cacheEntry struct {
	rec      harvest.DetailRecord
	storedAt time.Time
}

// NewDetailCache constructs a cache with the given freshness window.
func NewDetailCache(ttl time.Duration, clock harvest.Clock) *DetailCache {
	return &DetailCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// GetMany returns the still-fresh records among fingerprints.
func (c *DetailCache) GetMany(_ context.Context, fingerprints []string) (map[string]harvest.DetailRecord, error) {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]harvest.DetailRecord)
	for _, fp := range fingerprints {
		entry, ok := c.entries[fp]
		if !ok {
			continue
		}
		if c.ttl > 0 && now.Sub(entry.storedAt) > c.ttl {
			continue
		}
		out[fp] = entry.rec
	}
	return out, nil
}

// PutMany stores freshly fetched records, resetting their freshness.
func (c *DetailCache) PutMany(_ context.Context, recs []harvest.DetailRecord) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		rec.FromCache = false
		c.entries[rec.Fingerprint] = cacheEntry{rec: rec, storedAt: now}
	}
	return nil
}

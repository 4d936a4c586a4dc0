// Package cache memoises per-window cohort metric grids. State never
// outlives the process; entries expire by TTL or explicit invalidation.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// ErrMiss signals that a grid was not cached (absent or expired).
var ErrMiss = errors.New("cohort cache miss")

type entry struct {
	grid      []models.CohortMetrics
	expiresAt time.Time
}

// CohortCache stores computed cohort grids keyed by window and slicing
// parameters.
type CohortCache struct {
	mu   sync.RWMutex
	data map[string]entry
	ttl  time.Duration
}

// New creates a cache whose entries live for ttl; non-positive ttl defaults
// to five minutes.
func New(ttl time.Duration) *CohortCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CohortCache{data: make(map[string]entry), ttl: ttl}
}

// Key builds the canonical cache key for a window and slicing parameters.
func Key(start, end time.Time, dims []string, minOrders int) string {
	d := dims
	if d == nil {
		d = models.CohortDimensions
	}
	return fmt.Sprintf("%d|%d|%s|%d", start.UnixNano(), end.UnixNano(), strings.Join(d, ","), minOrders)
}

// Get returns the cached grid or ErrMiss. Expired entries are dropped on
// read.
func (c *CohortCache) Get(key string) ([]models.CohortMetrics, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, ErrMiss
	}
	return e.grid, nil
}

// Set stores a grid under the key for the cache TTL.
func (c *CohortCache) Set(key string, grid []models.CohortMetrics) {
	c.mu.Lock()
	c.data[key] = entry{grid: grid, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every entry, e.g. after new data is loaded.
func (c *CohortCache) Invalidate() {
	c.mu.Lock()
	c.data = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the live entry count (expired entries may still be counted
// until read).
func (c *CohortCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

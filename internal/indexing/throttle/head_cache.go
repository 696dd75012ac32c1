package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/reducer/internal/indexing/metrics"
)

// HeadSource reports the latest block number of the chain.
type HeadSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// HeadCache caches the chain head to avoid a lookup per reduced event.
// It satisfies reduce.Clock.
type HeadCache struct {
	source HeadSource
	ttl    time.Duration

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(source HeadSource, ttl time.Duration) *HeadCache {
	return &HeadCache{
		source: source,
		ttl:    ttl,
	}
}

// CurrentBlockHead returns the cached chain head if within TTL, otherwise fetches fresh.
func (c *HeadCache) CurrentBlockHead(ctx context.Context) (uint64, error) {
	// Check cache first
	c.mu.RLock()
	if time.Since(c.cachedAt) < c.ttl && c.cached > 0 {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	// Cache miss or expired - fetch fresh
	head, err := c.source.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}

	c.Observe(head)
	return head, nil
}

// Observe records a head pushed by a subscription. Older heads are ignored.
func (c *HeadCache) Observe(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if head < c.cached && time.Since(c.cachedAt) < c.ttl {
		return
	}
	c.cached = head
	c.cachedAt = time.Now()
	metrics.ChainHead.Set(float64(head))
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

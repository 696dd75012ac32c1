package throttle

import (
	"context"
	"testing"
	"time"
)

// mockSource implements HeadSource for testing
type mockSource struct {
	latestBlock uint64
	callCount   int
}

func (m *mockSource) LatestBlock(ctx context.Context) (uint64, error) {
	m.callCount++
	return m.latestBlock, nil
}

func TestHeadCache_CachesResult(t *testing.T) {
	source := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(source, 3*time.Second)

	ctx := context.Background()

	// First call - should hit source
	result1, err := cache.CurrentBlockHead(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result1 != 1000 {
		t.Errorf("expected 1000, got %d", result1)
	}

	// Second call within TTL - should use cache
	result2, _ := cache.CurrentBlockHead(ctx)
	if result2 != 1000 {
		t.Errorf("expected 1000, got %d", result2)
	}
	if source.callCount != 1 {
		t.Errorf("expected still 1 source call (cached), got %d", source.callCount)
	}
}

func TestHeadCache_ExpiresAfterTTL(t *testing.T) {
	source := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(source, 100*time.Millisecond)

	ctx := context.Background()

	if _, err := cache.CurrentBlockHead(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wait for TTL to expire
	time.Sleep(150 * time.Millisecond)
	source.latestBlock = 1001

	result, err := cache.CurrentBlockHead(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1001 {
		t.Errorf("expected fresh value 1001, got %d", result)
	}
	if source.callCount != 2 {
		t.Errorf("expected 2 source calls, got %d", source.callCount)
	}
}

func TestHeadCache_Invalidate(t *testing.T) {
	source := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(source, 3*time.Second)

	ctx := context.Background()
	_, _ = cache.CurrentBlockHead(ctx)

	cache.Invalidate()
	source.latestBlock = 1001

	result, _ := cache.CurrentBlockHead(ctx)
	if result != 1001 {
		t.Errorf("expected fresh value 1001 after invalidate, got %d", result)
	}
	if source.callCount != 2 {
		t.Errorf("expected 2 source calls, got %d", source.callCount)
	}
}

func TestHeadCache_Observe(t *testing.T) {
	source := &mockSource{latestBlock: 1}
	cache := NewHeadCache(source, time.Minute)
	ctx := context.Background()

	cache.Observe(500)
	cache.Observe(499) // stale push is ignored

	head, _ := cache.CurrentBlockHead(ctx)
	if head != 500 {
		t.Errorf("expected pushed head 500, got %d", head)
	}
	if source.callCount != 0 {
		t.Errorf("expected no source call after a push, got %d", source.callCount)
	}
}

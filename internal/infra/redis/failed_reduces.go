package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reducer/internal/core/domain"
)

// FailedReduceRepo implements storage.FailedReduceRepository using Redis.
type FailedReduceRepo struct {
	client *Client
	rdb    *redis.Client
	ttl    time.Duration
}

// NewFailedReduceRepo creates a new Redis-backed failed reduce repository.
// Records expire after ttl so an abandoned entry cannot pin the queue.
func NewFailedReduceRepo(client *Client, ttl time.Duration) *FailedReduceRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FailedReduceRepo{
		client: client,
		rdb:    client.rdb,
		ttl:    ttl,
	}
}

// Key helpers
func (r *FailedReduceRepo) queueKey() string {
	return r.client.key("failed_reduces")
}

func (r *FailedReduceRepo) recordKey(id string) string {
	return r.client.key("failed_reduce", id)
}

// Add adds a failed reduce to the queue.
func (r *FailedReduceRepo) Add(ctx context.Context, f *domain.FailedReduce) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal failed reduce: %w", err)
	}

	// Store the data
	if err := r.rdb.Set(ctx, r.recordKey(f.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set failed reduce: %w", err)
	}

	// Add to sorted set (score = retry count for priority, lower = retry first)
	if err := r.rdb.ZAdd(ctx, r.queueKey(), redis.Z{
		Score:  float64(f.RetryCount),
		Member: f.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}

	return nil
}

// GetNext retrieves the next failed reduce to retry.
func (r *FailedReduceRepo) GetNext(ctx context.Context) (*domain.FailedReduce, error) {
	// Get the first member (lowest retry count)
	results, err := r.rdb.ZRange(ctx, r.queueKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	id := results[0]

	// Get the data
	data, err := r.rdb.Get(ctx, r.recordKey(id)).Bytes()
	if err == redis.Nil {
		// Data expired but ID still in queue, remove it
		r.rdb.ZRem(ctx, r.queueKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed reduce: %w", err)
	}

	var f domain.FailedReduce
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed reduce: %w", err)
	}

	return &f, nil
}

// IncrementRetry increments retry count and updates last attempt.
func (r *FailedReduceRepo) IncrementRetry(ctx context.Context, id string) error {
	// Get current data
	data, err := r.rdb.Get(ctx, r.recordKey(id)).Bytes()
	if err != nil {
		return fmt.Errorf("failed to get failed reduce: %w", err)
	}

	var f domain.FailedReduce
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal failed reduce: %w", err)
	}

	// Update
	f.RetryCount++
	f.LastAttempt = time.Now()

	// Save
	newData, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal failed reduce: %w", err)
	}

	if err := r.rdb.Set(ctx, r.recordKey(id), newData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set failed reduce: %w", err)
	}

	// Update score in queue (higher retry count = lower priority)
	if err := r.rdb.ZAdd(ctx, r.queueKey(), redis.Z{
		Score:  float64(f.RetryCount),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}

	return nil
}

// MarkResolved removes a failed reduce (successfully retried).
func (r *FailedReduceRepo) MarkResolved(ctx context.Context, id string) error {
	// Remove from queue
	if err := r.rdb.ZRem(ctx, r.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}

	// Delete data
	if err := r.rdb.Del(ctx, r.recordKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete failed reduce: %w", err)
	}

	return nil
}

// GetAll retrieves all failed reduces.
func (r *FailedReduceRepo) GetAll(ctx context.Context) ([]*domain.FailedReduce, error) {
	// Get all IDs
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]*domain.FailedReduce, 0, len(ids))
	for _, id := range ids {
		data, err := r.rdb.Get(ctx, r.recordKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get failed reduce: %w", err)
		}

		var f domain.FailedReduce
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		out = append(out, &f)
	}

	return out, nil
}

// Count returns the count of failed reduces.
func (r *FailedReduceRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reducer/internal/core/domain"
)

// ReindexTask asks for a full reduce of every entity of a family whose id
// starts with Prefix.
type ReindexTask struct {
	Family domain.Family `json:"family"`
	Prefix string        `json:"prefix"`
}

func (t ReindexTask) member() string {
	data, _ := json.Marshal(t)
	return string(data)
}

// ParseReindexTask decodes a queue member.
func ParseReindexTask(s string) (ReindexTask, error) {
	var t ReindexTask
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, fmt.Errorf("invalid reindex task %q: %w", s, err)
	}
	if t.Family == "" {
		return t, fmt.Errorf("invalid reindex task %q: missing family", s)
	}
	return t, nil
}

func (c *Client) reindexQueueKey() string {
	return c.key("reindex", "queue")
}

func (c *Client) reindexProgressKey(t ReindexTask) string {
	return c.key("reindex", "progress", string(t.Family), t.Prefix)
}

// PushReindex queues a task. Queueing the same task twice keeps one entry.
func (c *Client) PushReindex(ctx context.Context, t ReindexTask) error {
	z := redis.Z{Score: float64(time.Now().UnixMilli()), Member: t.member()}
	if err := c.rdb.ZAddNX(ctx, c.reindexQueueKey(), z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopReindex removes and returns the oldest task.
func (c *Client) PopReindex(ctx context.Context) (ReindexTask, bool, error) {
	results, err := c.rdb.ZPopMin(ctx, c.reindexQueueKey(), 1).Result()
	if err != nil {
		return ReindexTask{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return ReindexTask{}, false, nil
	}
	member, _ := results[0].Member.(string)
	t, err := ParseReindexTask(member)
	if err != nil {
		return ReindexTask{}, false, err
	}
	return t, true, nil
}

// PendingReindex returns all queued tasks, oldest first.
func (c *Client) PendingReindex(ctx context.Context) ([]ReindexTask, error) {
	members, err := c.rdb.ZRange(ctx, c.reindexQueueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	tasks := make([]ReindexTask, 0, len(members))
	for _, m := range members {
		if t, err := ParseReindexTask(m); err == nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetReindexProgress returns the last entity id reduced for a task, or ""
// when the task has not started.
func (c *Client) GetReindexProgress(ctx context.Context, t ReindexTask) (string, error) {
	val, err := c.rdb.Get(ctx, c.reindexProgressKey(t)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

// SetReindexProgress records the last entity id reduced for a task.
func (c *Client) SetReindexProgress(ctx context.Context, t ReindexTask, lastID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.reindexProgressKey(t), lastID, ttl).Err()
}

// ClearReindexProgress removes progress tracking for a task.
func (c *Client) ClearReindexProgress(ctx context.Context, t ReindexTask) error {
	return c.rdb.Del(ctx, c.reindexProgressKey(t)).Err()
}

// RemoveReindex drops queued tasks.
func (c *Client) RemoveReindex(ctx context.Context, tasks ...ReindexTask) error {
	if len(tasks) == 0 {
		return nil
	}
	members := make([]any, 0, len(tasks))
	for _, t := range tasks {
		members = append(members, t.member())
	}
	if err := c.rdb.ZRem(ctx, c.reindexQueueKey(), members...).Err(); err != nil {
		return fmt.Errorf("zrem failed: %w", err)
	}
	return nil
}

package emitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/reducer/internal/infra/redis"
)

// RedisNotifier publishes changes as JSON on one channel per family.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) OnEntityChanged(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change for %s: %w", c.EntityID, err)
	}
	return n.client.Publish(ctx, string(c.Family), payload)
}

// Close is a no-op; the client is owned by the caller.
func (n *RedisNotifier) Close() error { return nil }

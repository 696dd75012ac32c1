package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reducer/internal/core/domain"
)

// StreamConfig configures the consumer group that reads raw logs.
type StreamConfig struct {
	Stream   string        `yaml:"stream"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Count    int64         `yaml:"count"`
	Block    time.Duration `yaml:"block"`
	// ClaimIdle is how long an entry must sit unacked under another
	// consumer before this one claims it.
	ClaimIdle time.Duration `yaml:"claim_idle"` // default: 1m
}

// StreamSource reads raw logs from a Redis stream through a consumer group.
// Each entry carries one JSON encoded log in its "log" field. Entries are
// delivered at least once: they stay pending until Ack and are read again
// after a restart or a call to Redeliver.
type StreamSource struct {
	client *Client
	cfg    StreamConfig
	logger *slog.Logger

	// replay makes the next reads drain the pending list before new entries.
	replay atomic.Bool
}

// NewStreamSource creates the consumer group if it does not exist.
func NewStreamSource(ctx context.Context, client *Client, cfg StreamConfig) (*StreamSource, error) {
	if cfg.Stream == "" {
		cfg.Stream = client.key("logs")
	}
	if cfg.Group == "" {
		cfg.Group = "reducer"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "reducer-" + uuid.NewString()
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}

	err := client.rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	s := &StreamSource{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "log_stream", "consumer", cfg.Consumer),
	}
	s.replay.Store(true)
	return s, nil
}

// Redeliver makes the next Next calls return the entries read but not yet
// acknowledged, before any new entry.
func (s *StreamSource) Redeliver() {
	s.replay.Store(true)
}

// Next blocks until logs are available or the block timeout elapses, in
// which case it returns no logs. Pending entries are returned first. The
// returned ack acknowledges every entry read, including undecodable ones.
func (s *StreamSource) Next(ctx context.Context) ([]domain.RawLog, func(context.Context) error, error) {
	if s.replay.Load() {
		msgs, err := s.readPending(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(msgs) > 0 {
			return s.decode(msgs)
		}
		s.replay.Store(false)
	}

	res, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.Count,
		Block:    s.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, noAck, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var msgs []redis.XMessage
	for _, stream := range res {
		msgs = append(msgs, stream.Messages...)
	}
	return s.decode(msgs)
}

// readPending claims entries left idle by other consumers, then returns the
// oldest entries pending on this consumer.
func (s *StreamSource) readPending(ctx context.Context) ([]redis.XMessage, error) {
	claimed, _, err := s.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    s.cfg.Count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if len(claimed) > 0 {
		s.logger.Info("Claimed idle log entries", "count", len(claimed))
	}

	res, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, "0"},
		Count:    s.cfg.Count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup pending failed: %w", err)
	}
	var msgs []redis.XMessage
	for _, stream := range res {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

func (s *StreamSource) decode(msgs []redis.XMessage) ([]domain.RawLog, func(context.Context) error, error) {
	var (
		logs []domain.RawLog
		ids  []string
	)
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		raw, _ := msg.Values["log"].(string)
		var l domain.RawLog
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			s.logger.Warn("Dropping undecodable log entry", "id", msg.ID, "error", err)
			continue
		}
		logs = append(logs, l)
	}
	return logs, func(ctx context.Context) error { return s.ack(ctx, ids) }, nil
}

func noAck(context.Context) error { return nil }

func (s *StreamSource) ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	return nil
}

// Append writes logs to the stream. Used by producers and tests.
func (s *StreamSource) Append(ctx context.Context, logs ...domain.RawLog) error {
	for _, l := range logs {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to marshal log: %w", err)
		}
		if err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.Stream,
			Values: map[string]any{"log": string(data)},
		}).Err(); err != nil {
			return fmt.Errorf("xadd failed: %w", err)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// EventRepo implements storage.EventRepository using PostgreSQL.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new PostgreSQL event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Save upserts events in a single transaction. The update is skipped when it
// would move an on-chain record back to a pending status.
func (r *EventRepo) Save(ctx context.Context, events []domain.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO event_log (family, entity_id, tx_hash, log_index, minor_log_index, status, block_number, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (family, entity_id, tx_hash, log_index, minor_log_index) DO UPDATE
		SET status = EXCLUDED.status,
		    block_number = EXCLUDED.block_number,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()
		WHERE NOT (
		    event_log.status IN ('CONFIRMED', 'REVERTED')
		    AND EXCLUDED.status NOT IN ('CONFIRMED', 'REVERTED')
		)
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.Key(), err)
		}
		var block any
		if ev.BlockNumber != nil {
			block = int64(*ev.BlockNumber)
		}
		if _, err := tx.ExecContext(ctx, query,
			ev.Family,
			ev.EntityID,
			ev.TxHash,
			ev.LogIndex,
			ev.MinorLogIndex,
			ev.Status,
			block,
			payload,
		); err != nil {
			return fmt.Errorf("failed to save event %s: %w", ev.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// ListByEntity returns the events of one entity in history order.
func (r *EventRepo) ListByEntity(
	ctx context.Context,
	family domain.Family,
	entityID string,
) ([]domain.ChainEvent, error) {
	query := `SELECT payload FROM event_log WHERE family = $1 AND entity_id = $2`

	var payloads [][]byte
	if err := r.db.SelectContext(ctx, &payloads, query, family, entityID); err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", entityID, err)
	}

	events := make([]domain.ChainEvent, 0, len(payloads))
	for _, p := range payloads {
		var ev domain.ChainEvent
		if err := json.Unmarshal(p, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event for %s: %w", entityID, err)
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return domain.Less(events[i], events[j]) })
	return events, nil
}

// EntityIDs returns distinct entity ids in ascending order.
func (r *EventRepo) EntityIDs(ctx context.Context, q storage.IDQuery) ([]string, error) {
	query := `
		SELECT DISTINCT entity_id
		FROM event_log
		WHERE family = $1 AND starts_with(entity_id, $2) AND entity_id > $3
		ORDER BY entity_id
		LIMIT $4
	`
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, q.Family, q.Prefix, q.AfterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list entity ids: %w", err)
	}
	return ids, nil
}

// PruneInactive deletes inactive records last written before the given instant.
func (r *EventRepo) PruneInactive(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM event_log
		WHERE status IN ('REVERTED', 'DROPPED', 'INACTIVE') AND updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

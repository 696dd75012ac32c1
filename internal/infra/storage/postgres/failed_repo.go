package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
)

// FailedReduceRepo implements storage.FailedReduceRepository using PostgreSQL.
type FailedReduceRepo struct {
	db *DB
}

// NewFailedReduceRepo creates a new PostgreSQL failed reduce repository.
func NewFailedReduceRepo(db *DB) *FailedReduceRepo {
	return &FailedReduceRepo{db: db}
}

type failedReduceRow struct {
	ID          string    `db:"id"`
	Family      string    `db:"family"`
	EntityID    string    `db:"entity_id"`
	FailureType string    `db:"failure_type"`
	ErrorMsg    string    `db:"error_msg"`
	RetryCount  int       `db:"retry_count"`
	LastAttempt time.Time `db:"last_attempt"`
	CreatedAt   time.Time `db:"created_at"`
}

func (row failedReduceRow) toDomain() *domain.FailedReduce {
	return &domain.FailedReduce{
		ID:          row.ID,
		Family:      domain.Family(row.Family),
		EntityID:    row.EntityID,
		FailureType: domain.FailureType(row.FailureType),
		Error:       row.ErrorMsg,
		RetryCount:  row.RetryCount,
		LastAttempt: row.LastAttempt,
		CreatedAt:   row.CreatedAt,
	}
}

// Add adds a failed reduce. Re-adding an id refreshes the error.
func (r *FailedReduceRepo) Add(ctx context.Context, f *domain.FailedReduce) error {
	query := `
		INSERT INTO failed_reduces (id, family, entity_id, failure_type, error_msg, retry_count, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET failure_type = EXCLUDED.failure_type, error_msg = EXCLUDED.error_msg
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		f.ID,
		f.Family,
		f.EntityID,
		f.FailureType,
		f.Error,
		f.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed reduce: %w", err)
	}
	return nil
}

// GetNext returns the least retried failed reduce.
func (r *FailedReduceRepo) GetNext(ctx context.Context) (*domain.FailedReduce, error) {
	query := `
		SELECT id, family, entity_id, failure_type, error_msg, retry_count, last_attempt, created_at
		FROM failed_reduces
		ORDER BY retry_count ASC, last_attempt ASC
		LIMIT 1
	`

	var dest failedReduceRow
	err := r.db.GetContext(ctx, &dest, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Nothing queued
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed reduce: %w", err)
	}
	return dest.toDomain(), nil
}

// IncrementRetry increments retry count and updates timestamp.
func (r *FailedReduceRepo) IncrementRetry(ctx context.Context, id string) error {
	query := `
		UPDATE failed_reduces
		SET retry_count = retry_count + 1, last_attempt = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// MarkResolved removes a failed reduce.
func (r *FailedReduceRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_reduces WHERE id = $1`, id)
	return err
}

// GetAll returns all failed reduces (for debugging/monitoring).
func (r *FailedReduceRepo) GetAll(ctx context.Context) ([]*domain.FailedReduce, error) {
	query := `
		SELECT id, family, entity_id, failure_type, error_msg, retry_count, last_attempt, created_at
		FROM failed_reduces
		ORDER BY retry_count ASC, created_at ASC
	`

	var rows []failedReduceRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get all failed reduces: %w", err)
	}

	out := make([]*domain.FailedReduce, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Count returns the number of failed reduces.
func (r *FailedReduceRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_reduces`); err != nil {
		return 0, fmt.Errorf("failed to count failed reduces: %w", err)
	}
	return count, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/reducer/internal/core/domain"
)

// JobStateRepo implements storage.JobStateRepository using PostgreSQL.
type JobStateRepo struct {
	db *DB
}

// NewJobStateRepo creates a new PostgreSQL job state repository.
func NewJobStateRepo(db *DB) *JobStateRepo {
	return &JobStateRepo{db: db}
}

// Get returns the state of a job, or nil when the job never ran.
func (r *JobStateRepo) Get(ctx context.Context, job string) (*domain.JobState, error) {
	query := `SELECT continuation, latest_checked FROM job_states WHERE job = $1`

	var dest struct {
		Continuation  string       `db:"continuation"`
		LatestChecked sql.NullTime `db:"latest_checked"`
	}
	err := r.db.GetContext(ctx, &dest, query, job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}
	return &domain.JobState{
		Continuation:  dest.Continuation,
		LatestChecked: dest.LatestChecked.Time,
	}, nil
}

// Save overwrites the state of a job.
func (r *JobStateRepo) Save(ctx context.Context, job string, state *domain.JobState) error {
	query := `
		INSERT INTO job_states (job, continuation, latest_checked)
		VALUES ($1, $2, $3)
		ON CONFLICT (job) DO UPDATE
		SET continuation = EXCLUDED.continuation, latest_checked = EXCLUDED.latest_checked
	`
	if _, err := r.db.ExecContext(ctx, query, job, state.Continuation, state.LatestChecked); err != nil {
		return fmt.Errorf("failed to save job state: %w", err)
	}
	return nil
}

// Delete clears the state so the next run starts over.
func (r *JobStateRepo) Delete(ctx context.Context, job string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM job_states WHERE job = $1`, job)
	return err
}

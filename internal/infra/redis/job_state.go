package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reducer/internal/core/domain"
)

// JobStateRepo implements storage.JobStateRepository using Redis.
type JobStateRepo struct {
	client *Client
}

// NewJobStateRepo creates a new Redis-backed job state repository.
func NewJobStateRepo(client *Client) *JobStateRepo {
	return &JobStateRepo{client: client}
}

func (r *JobStateRepo) stateKey(job string) string {
	return r.client.key("job", job)
}

// Get returns the state of a job, or nil when the job never ran.
func (r *JobStateRepo) Get(ctx context.Context, job string) (*domain.JobState, error) {
	data, err := r.client.rdb.Get(ctx, r.stateKey(job)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}
	var state domain.JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job state: %w", err)
	}
	return &state, nil
}

// Save overwrites the state of a job.
func (r *JobStateRepo) Save(ctx context.Context, job string, state *domain.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}
	if err := r.client.rdb.Set(ctx, r.stateKey(job), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set job state: %w", err)
	}
	return nil
}

// Delete clears the state so the next run starts over.
func (r *JobStateRepo) Delete(ctx context.Context, job string) error {
	return r.client.rdb.Del(ctx, r.stateKey(job)).Err()
}

// Package rescan runs queued reindex tasks: a full reduce of every entity of
// a family under an id prefix, resumable across restarts.
package rescan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
)

// Queue is the task queue with progress tracking and locks.
type Queue interface {
	PushReindex(ctx context.Context, t redisclient.ReindexTask) error
	PopReindex(ctx context.Context) (redisclient.ReindexTask, bool, error)
	PendingReindex(ctx context.Context) ([]redisclient.ReindexTask, error)
	RemoveReindex(ctx context.Context, tasks ...redisclient.ReindexTask) error

	GetReindexProgress(ctx context.Context, t redisclient.ReindexTask) (string, error)
	SetReindexProgress(ctx context.Context, t redisclient.ReindexTask, lastID string, ttl time.Duration) error
	ClearReindexProgress(ctx context.Context, t redisclient.ReindexTask) error

	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	RefreshLock(ctx context.Context, name string, ttl time.Duration) error
}

// WorkerConfig holds configuration for the reindex worker.
type WorkerConfig struct {
	LockTTL      time.Duration `yaml:"lock_ttl"`      // Lock TTL (default: 60s)
	ProgressTTL  time.Duration `yaml:"progress_ttl"`  // Progress TTL (default: 24h)
	EmptySleep   time.Duration `yaml:"empty_sleep"`   // Sleep when queue empty (default: 10s)
	ChunkTimeout time.Duration `yaml:"chunk_timeout"` // Time reduced between progress saves (default: 30s)
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		LockTTL:      60 * time.Second,
		ProgressTTL:  24 * time.Hour,
		EmptySleep:   10 * time.Second,
		ChunkTimeout: 30 * time.Second,
	}
}

// Worker processes reindex tasks from the queue.
type Worker struct {
	cfg      WorkerConfig
	queue    Queue
	reducers map[domain.Family]reducer.FullReducer
	owner    string
	log      *slog.Logger
}

// NewWorker creates a new reindex worker.
func NewWorker(cfg WorkerConfig, queue Queue, reducers []reducer.FullReducer) *Worker {
	byFamily := make(map[domain.Family]reducer.FullReducer, len(reducers))
	for _, r := range reducers {
		byFamily[r.Family()] = r
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		reducers: byFamily,
		owner:    uuid.NewString(),
		log:      slog.Default().With("component", "rescan"),
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting reindex worker", "owner", w.owner)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Reindex worker stopped")
			return nil
		default:
		}

		if err := w.collapseQueue(ctx); err != nil {
			w.log.Warn("Failed to collapse queue", "error", err)
		}

		found, err := w.ProcessNext(ctx)
		if err != nil {
			w.log.Error("Failed to process task", "error", err)
		}
		if !found || err != nil {
			w.sleep(ctx)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.EmptySleep):
	}
}

// ProcessNext pops one task and runs it. A failed or interrupted task is
// queued again and resumes from its saved progress.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, found, err := w.queue.PopReindex(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pop task: %w", err)
	}
	if !found {
		return false, nil
	}

	if err := w.processTask(ctx, task); err != nil {
		if requeueErr := w.queue.PushReindex(context.WithoutCancel(ctx), task); requeueErr != nil {
			w.log.Error("Failed to re-queue task", "task", task, "error", requeueErr)
		}
		if errors.Is(err, context.Canceled) {
			return true, nil
		}
		return true, err
	}
	return true, nil
}

func lockName(t redisclient.ReindexTask) string {
	return "reindex:" + string(t.Family) + ":" + t.Prefix
}

func (w *Worker) processTask(ctx context.Context, task redisclient.ReindexTask) error {
	full, ok := w.reducers[task.Family]
	if !ok {
		w.log.Error("No reducer for family, dropping task", "family", task.Family, "prefix", task.Prefix)
		return nil
	}

	name := lockName(task)
	locked, err := w.queue.AcquireLock(ctx, name, w.owner, w.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		w.log.Debug("Task already locked by another worker", "task", name)
		return nil
	}
	defer func() {
		if err := w.queue.ReleaseLock(context.WithoutCancel(ctx), name, w.owner); err != nil {
			w.log.Warn("Failed to release lock", "error", err)
		}
	}()

	from, err := w.queue.GetReindexProgress(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to get progress: %w", err)
	}
	w.log.Info("Processing task", "family", task.Family, "prefix", task.Prefix, "resumeFrom", from)

	var total reducer.Stats
	for {
		chunkCtx, cancel := context.WithTimeout(ctx, w.cfg.ChunkTimeout)
		stats, err := full.ReduceAll(chunkCtx, from, task.Prefix)
		cancel()

		total.Checked += stats.Checked
		total.Written += stats.Written
		total.Failed += stats.Failed
		total.Throttled += stats.Throttled
		advanced := stats.LastID != from
		from = stats.LastID

		if err == nil {
			break
		}
		if advanced {
			if perr := w.queue.SetReindexProgress(context.WithoutCancel(ctx), task, from, w.cfg.ProgressTTL); perr != nil {
				w.log.Warn("Failed to update progress", "error", perr)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !advanced {
			return fmt.Errorf("no progress within %s after %q", w.cfg.ChunkTimeout, from)
		}
		if err := w.queue.RefreshLock(ctx, name, w.cfg.LockTTL); err != nil {
			w.log.Warn("Failed to refresh lock", "error", err)
		}
	}

	if err := w.queue.ClearReindexProgress(ctx, task); err != nil {
		w.log.Warn("Failed to clear progress", "error", err)
	}
	w.log.Info("Task completed",
		"family", task.Family,
		"prefix", task.Prefix,
		"checked", total.Checked,
		"written", total.Written,
		"failed", total.Failed,
	)
	return nil
}

// collapseQueue removes queued tasks covered by a broader one.
func (w *Worker) collapseQueue(ctx context.Context) error {
	pending, err := w.queue.PendingReindex(ctx)
	if err != nil {
		return err
	}
	if len(pending) <= 1 {
		return nil
	}
	_, dropped := Collapse(pending)
	if len(dropped) == 0 {
		return nil
	}
	w.log.Info("Collapsed reindex queue", "before", len(pending), "dropped", len(dropped))
	return w.queue.RemoveReindex(ctx, dropped...)
}

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// Handler processes the failed reduce queue.
type Handler struct {
	repo     storage.FailedReduceRepository
	reducers map[domain.Family]reducer.FullReducer
	strategy RetryStrategy
	log      *slog.Logger
}

// NewHandler creates a new failed reduce handler.
func NewHandler(
	repo storage.FailedReduceRepository,
	reducers []reducer.FullReducer,
	strategy RetryStrategy,
) *Handler {
	byFamily := make(map[domain.Family]reducer.FullReducer, len(reducers))
	for _, r := range reducers {
		byFamily[r.Family()] = r
	}
	return &Handler{
		repo:     repo,
		reducers: byFamily,
		strategy: strategy,
		log:      slog.Default().With("component", "recovery"),
	}
}

// Run drains ready records every interval until ctx is cancelled.
func (h *Handler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			processed, err := h.ProcessNext(ctx)
			if err != nil {
				h.log.Warn("Failed to process failed reduce", "error", err)
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
		if n, err := h.repo.Count(ctx); err == nil {
			metrics.FailedReduceQueue.Set(float64(n))
		}
	}
}

// ProcessNext picks the next failed reduce and retries it if backoff allows.
// It reports whether a record was attempted.
func (h *Handler) ProcessNext(ctx context.Context) (bool, error) {
	failed, err := h.repo.GetNext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get next failed reduce: %w", err)
	}
	if failed == nil {
		return false, nil
	}

	delay := h.strategy.GetDelay(failed.RetryCount)
	if time.Now().Before(failed.LastAttempt.Add(delay)) {
		return false, nil
	}

	full, ok := h.reducers[failed.Family]
	if !ok {
		h.log.Error("No reducer for family, dropping record", "family", failed.Family, "entity", failed.EntityID)
		return true, h.repo.MarkResolved(ctx, failed.ID)
	}

	_, reduceErr := full.Reduce(ctx, failed.EntityID)
	if reduceErr == nil {
		h.log.Info("Recovered entity", "family", failed.Family, "entity", failed.EntityID, "retries", failed.RetryCount)
		if err := h.repo.MarkResolved(ctx, failed.ID); err != nil {
			return true, fmt.Errorf("failed to resolve %s: %w", failed.ID, err)
		}
		return true, nil
	}
	if errors.Is(reduceErr, context.Canceled) {
		return true, nil
	}

	if !h.strategy.ShouldRetry(reduceErr, failed.RetryCount+1) {
		h.log.Error("Giving up on entity",
			"family", failed.Family,
			"entity", failed.EntityID,
			"retries", failed.RetryCount,
			"error", reduceErr,
		)
		return true, h.repo.MarkResolved(ctx, failed.ID)
	}

	if err := h.repo.IncrementRetry(ctx, failed.ID); err != nil {
		return true, fmt.Errorf("failed to increment retry: %w", err)
	}
	return true, nil
}

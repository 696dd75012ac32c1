package reducer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
)

// RetryConfig bounds the optimistic concurrency loop.
type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, Delay: 20 * time.Millisecond}
}

// saveWithRetry runs attempt until it succeeds, fails with a non-conflict
// error, or the retries are exhausted. Each attempt must reload the entity,
// so a conflict is resolved by reducing again on fresh state.
func saveWithRetry(
	ctx context.Context,
	cfg RetryConfig,
	family domain.Family,
	id string,
	attempt func(ctx context.Context) error,
) error {
	backoff := retry.WithMaxRetries(cfg.MaxRetries, retry.NewConstant(max(cfg.Delay, time.Millisecond)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := attempt(ctx)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			metrics.ConcurrencyConflicts.WithLabelValues(string(family)).Inc()
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %s after %d retries: %w", domain.ErrEntityReduceFailed, id, cfg.MaxRetries, err)
	}
	return err
}

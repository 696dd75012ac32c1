package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/entity"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/indexing/emitter"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/indexing/throttle"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const defaultPageSize = 500

// Result is the outcome of a full reduce of one entity.
type Result struct {
	EntityID string
	// Written is true when the stored entity was replaced.
	Written bool
	// Changed is true when the replacement is externally visible.
	Changed bool
}

// Stats summarises a ReduceAll run.
type Stats struct {
	Checked   int
	Written   int
	Failed    int
	Throttled int
	// LastID is the last id fully handled, usable as the next continuation.
	LastID string
}

// FullReducer is the family-agnostic view of a Full service.
type FullReducer interface {
	Family() domain.Family
	Reduce(ctx context.Context, id string) (Result, error)
	Rewrite(ctx context.Context, id string) (Result, error)
	ReduceAll(ctx context.Context, from, prefix string) (Stats, error)
	// StoredIDs pages through ids of stored entities, including ids with no history.
	StoredIDs(ctx context.Context, prefix, after string, limit int) ([]string, error)
}

// Full rebuilds entities of one family from their complete event history.
type Full[E reduce.Entity[E]] struct {
	model    entity.Model[E]
	reducer  *reduce.StatusReducer[E]
	store    storage.EntityStore[E]
	events   storage.EventRepository
	notifier emitter.Notifier
	throttle *throttle.LowTraffic
	opts     Options
	pageSize int
	logger   *slog.Logger
}

// NewFull creates the service. notifier and lowTraffic may be nil.
func NewFull[E reduce.Entity[E]](
	model entity.Model[E],
	reducer *reduce.StatusReducer[E],
	store storage.EntityStore[E],
	events storage.EventRepository,
	notifier emitter.Notifier,
	lowTraffic *throttle.LowTraffic,
	opts Options,
) *Full[E] {
	return &Full[E]{
		model:    model,
		reducer:  reducer,
		store:    store,
		events:   events,
		notifier: notifier,
		throttle: lowTraffic,
		opts:     opts,
		pageSize: defaultPageSize,
		logger:   slog.Default().With("component", "full_reducer", "family", model.Family),
	}
}

func (f *Full[E]) Family() domain.Family { return f.model.Family }

// Reduce folds the full history of id and writes the result only when it
// differs from the stored entity.
func (f *Full[E]) Reduce(ctx context.Context, id string) (Result, error) {
	return f.reduce(ctx, id, false)
}

// Rewrite folds the full history of id and writes the result even when it
// equals the stored entity.
func (f *Full[E]) Rewrite(ctx context.Context, id string) (Result, error) {
	return f.reduce(ctx, id, true)
}

func (f *Full[E]) reduce(ctx context.Context, id string, force bool) (Result, error) {
	res := Result{EntityID: id}

	history, err := f.events.ListByEntity(ctx, f.model.Family, id)
	if err != nil {
		return res, fmt.Errorf("failed to load history of %s: %w", id, err)
	}

	err = saveWithRetry(ctx, f.opts.Retry, f.model.Family, id, func(ctx context.Context) error {
		res.Written, res.Changed = false, false

		template, err := f.reducer.Template(id)
		if err != nil {
			return err
		}
		computed, err := f.reducer.ReduceAll(ctx, template, history)
		if err != nil {
			return err
		}

		stored, err := f.store.Load(ctx, id)
		found := err == nil
		if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
			return err
		}
		if !found {
			if len(history) == 0 {
				return nil
			}
			stored = template
		}

		if found && !force && f.model.Equal(stored, computed) {
			return nil
		}

		computed.Meta().Version = stored.Meta().Version
		saved, err := f.store.Save(ctx, computed)
		if err != nil {
			return err
		}
		res.Written = true
		res.Changed = f.model.Changed(stored, saved)
		if res.Changed {
			notify(ctx, f.notifier, f.logger, f.model.Family, saved)
		}
		return nil
	})
	if err != nil {
		metrics.ReduceFailures.WithLabelValues(string(f.model.Family), string(classify(err))).Inc()
		return res, err
	}
	if res.Written {
		metrics.FullReduceWrites.WithLabelValues(string(f.model.Family)).Inc()
	}
	return res, nil
}

// ReduceAll runs Reduce for every id with history, in id order, starting
// after from and restricted to prefix. It stops between ids when ctx is
// cancelled and returns the stats gathered so far with the context error.
func (f *Full[E]) ReduceAll(ctx context.Context, from, prefix string) (Stats, error) {
	stats := Stats{LastID: from}
	for {
		ids, err := f.events.EntityIDs(ctx, storage.IDQuery{
			Family:  f.model.Family,
			Prefix:  prefix,
			AfterID: stats.LastID,
			Limit:   f.pageSize,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to list ids: %w", err)
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			if f.throttle.Skip(id) {
				stats.Throttled++
				stats.LastID = id
				continue
			}

			res, err := f.Reduce(ctx, id)
			if err != nil && ctx.Err() != nil {
				// Not handled; the next run starts with this id again.
				return stats, ctx.Err()
			}
			stats.Checked++
			stats.LastID = id
			if err != nil {
				stats.Failed++
				f.logger.Warn("Full reduce failed", "entity", id, "error", err)
				continue
			}
			if res.Written {
				stats.Written++
			}
		}

		if len(ids) < f.pageSize {
			return stats, nil
		}
	}
}

// StoredIDs pages through ids of stored entities.
func (f *Full[E]) StoredIDs(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	entities, err := f.store.Scan(ctx, storage.ScanQuery{Prefix: prefix, AfterID: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID())
	}
	return ids, nil
}

// Package reducer applies chain events to persisted entities, either
// incrementally as events arrive or by folding an entity's full history.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/entity"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/indexing/emitter"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// Options configures the reduce services.
type Options struct {
	// Workers bounds the number of entities reduced in parallel.
	Workers int `yaml:"workers"`
	// SkipOversized drops entities that exceed the store size limit for this
	// batch instead of failing them.
	SkipOversized bool        `yaml:"skip_oversized"`
	Retry         RetryConfig `yaml:"retry"`
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Workers: 8, Retry: DefaultRetryConfig()}
}

// EventHandler is the family-agnostic view of an Incremental service.
type EventHandler interface {
	Family() domain.Family
	OnEntityEvents(ctx context.Context, events []domain.ChainEvent) error
}

// Incremental applies new events to the stored entities of one family.
type Incremental[E reduce.Entity[E]] struct {
	model    entity.Model[E]
	reducer  *reduce.StatusReducer[E]
	store    storage.EntityStore[E]
	notifier emitter.Notifier
	failed   storage.FailedReduceRepository
	opts     Options
	logger   *slog.Logger
}

// NewIncremental creates the service. failed may be nil.
func NewIncremental[E reduce.Entity[E]](
	model entity.Model[E],
	reducer *reduce.StatusReducer[E],
	store storage.EntityStore[E],
	notifier emitter.Notifier,
	failed storage.FailedReduceRepository,
	opts Options,
) *Incremental[E] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Incremental[E]{
		model:    model,
		reducer:  reducer,
		store:    store,
		notifier: notifier,
		failed:   failed,
		opts:     opts,
		logger:   slog.Default().With("component", "incremental_reducer", "family", model.Family),
	}
}

func (s *Incremental[E]) Family() domain.Family { return s.model.Family }

// OnEntityEvents groups events by entity id, keeping their order within an
// id, and reduces the ids in parallel. A failing id does not stop the
// others; all failures are returned as a *BatchError.
func (s *Incremental[E]) OnEntityEvents(ctx context.Context, events []domain.ChainEvent) error {
	order, groups := groupByEntity(events)

	var (
		mu       sync.Mutex
		failures []EntityFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)

	for _, id := range order {
		if ctx.Err() != nil {
			break
		}
		evs := groups[id]
		g.Go(func() error {
			if err := s.reduceEntity(ctx, id, evs); err != nil {
				mu.Lock()
				failures = append(failures, EntityFailure{EntityID: id, Events: coordinates(evs), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return &BatchError{Family: s.model.Family, Failures: failures}
	}
	return nil
}

func (s *Incremental[E]) reduceEntity(ctx context.Context, id string, events []domain.ChainEvent) error {
	start := time.Now()
	defer func() {
		metrics.ReduceLatency.WithLabelValues(string(s.model.Family)).Observe(time.Since(start).Seconds())
	}()

	var (
		before, after E
		written       bool
	)
	err := saveWithRetry(ctx, s.opts.Retry, s.model.Family, id, func(ctx context.Context) error {
		current, err := storage.LoadOrCreate(ctx, s.store, id, s.reducer.Template)
		if err != nil {
			return err
		}
		next, err := s.reducer.ReduceAll(ctx, current, events)
		if err != nil {
			return err
		}
		if current.Meta().Version != nil && s.model.Equal(current, next) {
			before, after, written = current, current, false
			return nil
		}
		saved, err := s.store.Save(ctx, next)
		if err != nil {
			return err
		}
		before, after, written = current, saved, true
		return nil
	})
	if err != nil {
		return s.handleFailure(ctx, id, events, err)
	}

	if !written {
		return nil
	}
	metrics.EntitiesSaved.WithLabelValues(string(s.model.Family)).Inc()
	if s.model.Changed(before, after) {
		notify(ctx, s.notifier, s.logger, s.model.Family, after)
	}
	return nil
}

func (s *Incremental[E]) handleFailure(ctx context.Context, id string, events []domain.ChainEvent, err error) error {
	family := string(s.model.Family)
	ft := classify(err)

	if ft == domain.FailureTypeOversized && s.opts.SkipOversized {
		s.logger.Warn("Skipping oversized entity", "entity", id, "events", coordinates(events), "error", err)
		metrics.EntitiesSkipped.WithLabelValues(family, "oversized").Inc()
		return nil
	}

	metrics.ReduceFailures.WithLabelValues(family, string(ft)).Inc()
	s.logger.Error("Failed to reduce entity",
		"entity", id,
		"events", coordinates(events),
		"failure_type", ft,
		"error", err,
	)

	if s.failed != nil && ft != domain.FailureTypePermanent {
		rec := &domain.FailedReduce{
			ID:          uuid.NewString(),
			Family:      s.model.Family,
			EntityID:    id,
			FailureType: ft,
			Error:       err.Error(),
			LastAttempt: time.Now(),
			CreatedAt:   time.Now(),
		}
		if qerr := s.failed.Add(ctx, rec); qerr != nil {
			s.logger.Error("Failed to queue entity for retry", "entity", id, "error", qerr)
		}
	}
	return err
}

// classify maps a reduce error to the failure type recorded for retries.
// Malformed events are permanent: a full reduce would fail the same way.
func classify(err error) domain.FailureType {
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		return domain.FailureTypePermanent
	case errors.Is(err, domain.ErrInvalidEventOrdering):
		return domain.FailureTypeOrdering
	case errors.Is(err, domain.ErrStorageSizeExceeded):
		return domain.FailureTypeOversized
	case errors.Is(err, domain.ErrEntityReduceFailed), errors.Is(err, domain.ErrConcurrencyConflict):
		return domain.FailureTypeConflict
	}
	return domain.FailureTypeStorage
}

func notify[E reduce.Entity[E]](
	ctx context.Context,
	n emitter.Notifier,
	logger *slog.Logger,
	family domain.Family,
	e E,
) {
	if n == nil {
		return
	}
	var version int64
	if v := e.Meta().Version; v != nil {
		version = *v
	}
	change := emitter.Change{
		Family:      family,
		EntityID:    e.ID(),
		Version:     version,
		BlockNumber: e.Meta().BlockNumber,
		Entity:      e,
		At:          time.Now(),
	}
	if err := n.OnEntityChanged(ctx, change); err != nil {
		logger.Warn("Failed to notify entity change", "entity", e.ID(), "error", err)
		return
	}
	metrics.Notifications.WithLabelValues(string(family)).Inc()
}

func groupByEntity(events []domain.ChainEvent) ([]string, map[string][]domain.ChainEvent) {
	var order []string
	groups := make(map[string][]domain.ChainEvent)
	for _, ev := range events {
		if _, ok := groups[ev.EntityID]; !ok {
			order = append(order, ev.EntityID)
		}
		groups[ev.EntityID] = append(groups[ev.EntityID], ev)
	}
	return order, groups
}

func coordinates(events []domain.ChainEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, fmt.Sprintf("%s %s", ev.Coordinates(), ev.Status))
	}
	return out
}

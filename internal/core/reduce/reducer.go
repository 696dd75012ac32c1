package reduce

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Entity is implemented by the pointer types of event-sourced entities.
type Entity[E any] interface {
	ID() string
	Meta() *domain.Base
	Clone() E
	Checkpoint() E
	HasCheckpoint() bool
	SetCheckpoint(E)
}

// Template returns the zero-value entity for an id that has not been seen yet.
type Template[E any] func(id string) (E, error)

// Reducer folds one event into an entity.
type Reducer[E any] func(ctx context.Context, entity E, event domain.ChainEvent) (E, error)

// Chain composes reducers left to right. The first error stops the chain.
func Chain[E any](reducers ...Reducer[E]) Reducer[E] {
	return func(ctx context.Context, entity E, event domain.ChainEvent) (E, error) {
		var err error
		for _, r := range reducers {
			entity, err = r(ctx, entity, event)
			if err != nil {
				return entity, err
			}
		}
		return entity, nil
	}
}

// LoggingReducer records an audit line per event and leaves state untouched.
func LoggingReducer[E Entity[E]](logger *slog.Logger) Reducer[E] {
	return func(ctx context.Context, entity E, event domain.ChainEvent) (E, error) {
		logger.DebugContext(ctx, "Reducing event",
			"entity", entity.ID(),
			"kind", event.Kind,
			"status", event.Status,
			"event", event.Coordinates(),
		)
		return entity, nil
	}
}

// MetricsReducer counts events by family, kind and status.
func MetricsReducer[E any](counter *prometheus.CounterVec, family domain.Family) Reducer[E] {
	return func(_ context.Context, entity E, event domain.ChainEvent) (E, error) {
		counter.WithLabelValues(string(family), string(event.Kind), string(event.Status)).Inc()
		return entity, nil
	}
}

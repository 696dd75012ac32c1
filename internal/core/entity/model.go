// Package entity defines the event-sourced entity families (balances,
// ownerships, items) and their business reducers.
package entity

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
)

// Model bundles everything the engine needs to know about one entity family.
type Model[E reduce.Entity[E]] struct {
	Family     domain.Family
	Template   reduce.Template[E]
	Business   reduce.Reducer[E]
	Inverse    reduce.Reducer[E]
	Invertible func(domain.EventKind) bool

	// Changed reports an externally visible difference worth a notification.
	// Bookkeeping fields such as LastUpdatedAt are ignored.
	Changed func(before, after E) bool

	// Equal decides whether a recomputed entity differs from the stored one.
	Equal func(stored, computed E) bool
}

// Settings carries the runtime collaborators of a status reducer.
type Settings struct {
	Confirm reduce.ConfirmPolicy
	Clock   reduce.Clock
	Options reduce.Options
	Logger  *slog.Logger

	// Events counts reduced events. Optional.
	Events *prometheus.CounterVec
}

// NewStatusReducer builds the fixed pipeline for the family:
// logging, metrics, business, calculated fields.
func (m Model[E]) NewStatusReducer(s Settings) *reduce.StatusReducer[E] {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observers := []reduce.Reducer[E]{reduce.LoggingReducer[E](logger)}
	if s.Events != nil {
		observers = append(observers, reduce.MetricsReducer[E](s.Events, m.Family))
	}
	return reduce.NewStatusReducer(reduce.Config[E]{
		Family:     m.Family,
		Template:   m.Template,
		Business:   m.Business,
		Inverse:    m.Inverse,
		Invertible: m.Invertible,
		Observers:  observers,
		Confirm:    s.Confirm,
		Clock:      s.Clock,
		Options:    s.Options,
		Logger:     logger,
	})
}

// sameHistory compares replay logs by record identity, status and position.
func sameHistory(a, b *domain.Base) bool {
	if len(a.RevertableEvents) != len(b.RevertableEvents) {
		return false
	}
	for i := range a.RevertableEvents {
		x, y := a.RevertableEvents[i], b.RevertableEvents[i]
		if x.Key() != y.Key() || x.Status != y.Status || x.Block() != y.Block() {
			return false
		}
	}
	return true
}

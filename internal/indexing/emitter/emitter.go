package emitter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Change describes a persisted entity whose visible state changed.
type Change struct {
	Family   domain.Family `json:"family"`
	EntityID string        `json:"entity_id"`
	Version  int64         `json:"version"`
	// BlockNumber is the block of the latest confirmed event folded into the
	// entity. Nil when the state only reflects pending events.
	BlockNumber *uint64   `json:"block_number,omitempty"`
	Entity      any       `json:"entity"`
	At          time.Time `json:"at"`
}

// Notifier publishes entity changes to downstream consumers
type Notifier interface {
	// OnEntityChanged sends a single change
	OnEntityChanged(ctx context.Context, change Change) error

	// Close releases the underlying connection
	Close() error
}

// LogNotifier writes changes to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) OnEntityChanged(ctx context.Context, c Change) error {
	n.logger.InfoContext(ctx, "Entity changed",
		"family", c.Family,
		"entity", c.EntityID,
		"version", c.Version,
	)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// MultiNotifier fans a change out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) OnEntityChanged(ctx context.Context, c Change) error {
	var errs []error
	for _, n := range m {
		if err := n.OnEntityChanged(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) Close() error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

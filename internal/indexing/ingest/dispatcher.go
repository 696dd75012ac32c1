// Package ingest moves raw logs from the log source into the event history
// and the incremental reducers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/filter"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// LogSource delivers raw logs at least once. Logs are redelivered until the
// returned ack is called.
type LogSource interface {
	Next(ctx context.Context) ([]domain.RawLog, func(context.Context) error, error)
}

// Redeliverer is implemented by sources that only redeliver unacknowledged
// logs when asked to.
type Redeliverer interface {
	Redeliver()
}

// Decoder turns one raw log into the chain events it causes.
type Decoder interface {
	Decode(raw domain.RawLog) ([]domain.ChainEvent, error)
}

// Config configures the dispatcher.
type Config struct {
	// ErrorBackoff is the pause after a batch that could not be stored.
	ErrorBackoff time.Duration `yaml:"error_backoff"` // default: 1s
}

// Status is a snapshot of the dispatcher counters.
type Status struct {
	Running         bool
	LogsProcessed   int64
	EventsProcessed int64
	Undecodable     int64
}

// Dispatcher decodes logs, drops skipped tokens, appends the events to the
// history and routes them to the handler of their family.
type Dispatcher struct {
	cfg      Config
	source   LogSource
	decoder  Decoder
	skip     filter.Filter
	events   storage.EventRepository
	handlers map[domain.Family]reducer.EventHandler

	running     atomic.Bool
	logs        atomic.Int64
	processed   atomic.Int64
	undecodable atomic.Int64

	log *slog.Logger
}

// NewDispatcher creates a dispatcher. skip may be nil.
func NewDispatcher(
	cfg Config,
	source LogSource,
	decoder Decoder,
	skip filter.Filter,
	events storage.EventRepository,
	handlers []reducer.EventHandler,
) *Dispatcher {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	byFamily := make(map[domain.Family]reducer.EventHandler, len(handlers))
	for _, h := range handlers {
		byFamily[h.Family()] = h
	}
	return &Dispatcher{
		cfg:      cfg,
		source:   source,
		decoder:  decoder,
		skip:     skip,
		events:   events,
		handlers: byFamily,
		log:      slog.Default().With("component", "dispatcher"),
	}
}

// Run consumes the source until ctx is done. A batch is acknowledged once
// its events are stored and reduced; entity failures are already queued
// for retry and do not hold the batch back.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)

	d.log.Info("Starting dispatcher", "families", len(d.handlers))
	for {
		if ctx.Err() != nil {
			return nil
		}

		logs, ack, err := d.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error("Failed to read logs", "error", err)
			d.pause(ctx)
			continue
		}
		if len(logs) == 0 {
			// Entries that decoded to nothing are still acknowledged.
			d.ack(ctx, ack)
			continue
		}

		err = d.OnLogs(ctx, logs)
		if ctx.Err() != nil {
			return nil
		}
		var batchErr *reducer.BatchError
		if err != nil && !errors.As(err, &batchErr) {
			d.log.Error("Failed to process logs, leaving them for redelivery", "logs", len(logs), "error", err)
			if r, ok := d.source.(Redeliverer); ok {
				r.Redeliver()
			}
			d.pause(ctx)
			continue
		}
		if err != nil {
			d.log.Warn("Some entities failed to reduce", "error", err)
		}
		d.ack(ctx, ack)
	}
}

func (d *Dispatcher) ack(ctx context.Context, ack func(context.Context) error) {
	if ack == nil {
		return
	}
	if err := ack(ctx); err != nil {
		d.log.Warn("Failed to ack logs", "error", err)
	}
}

func (d *Dispatcher) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.ErrorBackoff):
	}
}

// OnLogs handles one batch. Undecodable logs are logged and skipped. The
// returned error joins the per-family failures.
func (d *Dispatcher) OnLogs(ctx context.Context, logs []domain.RawLog) error {
	metrics.LogsConsumed.Add(float64(len(logs)))
	d.logs.Add(int64(len(logs)))

	var events []domain.ChainEvent
	for _, raw := range logs {
		evs, err := d.decoder.Decode(raw)
		if err != nil {
			d.undecodable.Add(1)
			d.log.Warn("Skipping undecodable log", "tx", raw.TxHash, "log_index", raw.LogIndex, "error", err)
			continue
		}
		events = append(events, evs...)
	}

	events = filter.Drop(d.skip, events)
	if len(events) == 0 {
		return nil
	}

	if err := d.events.Save(ctx, events); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}

	byFamily := make(map[domain.Family][]domain.ChainEvent)
	var order []domain.Family
	for _, ev := range events {
		if _, seen := byFamily[ev.Family]; !seen {
			order = append(order, ev.Family)
		}
		byFamily[ev.Family] = append(byFamily[ev.Family], ev)
	}

	var errs []error
	for _, family := range order {
		h, ok := d.handlers[family]
		if !ok {
			d.log.Debug("No handler for family", "family", family, "events", len(byFamily[family]))
			continue
		}
		if err := h.OnEntityEvents(ctx, byFamily[family]); err != nil {
			errs = append(errs, err)
		}
	}
	d.processed.Add(int64(len(events)))
	return errors.Join(errs...)
}

// Status returns the dispatcher counters.
func (d *Dispatcher) Status() Status {
	return Status{
		Running:         d.running.Load(),
		LogsProcessed:   d.logs.Load(),
		EventsProcessed: d.processed.Load(),
		Undecodable:     d.undecodable.Load(),
	}
}

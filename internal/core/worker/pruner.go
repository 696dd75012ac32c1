package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/reducer/internal/core/config"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// Pruner deletes inactive history records past the retention period.
type Pruner struct {
	cfg    config.PrunerConfig
	events storage.EventRepository
	now    func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg config.PrunerConfig, events storage.EventRepository) *Pruner {
	return &Pruner{cfg: cfg, events: events, now: time.Now}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.RetentionPeriod <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour.
	interval := min(p.cfg.RetentionPeriod/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes inactive records last written before now minus retention.
func (p *Pruner) Prune(ctx context.Context) int64 {
	threshold := p.now().Add(-p.cfg.RetentionPeriod)

	n, err := p.events.PruneInactive(ctx, threshold)
	if err != nil {
		slog.Error("Failed to prune inactive history", "before", threshold, "error", err)
		return 0
	}
	if n > 0 {
		metrics.HistoryPruned.Add(float64(n))
		slog.Info("Pruned inactive history", "records", n, "before", threshold)
	}
	return n
}

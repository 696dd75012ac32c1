package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const RepairJobName = "inconsistent-items-repair"

// RepairConfig holds configuration for the repair job.
type RepairConfig struct {
	BatchSize int     `yaml:"batch_size"` // Records fetched per page
	Workers   int     `yaml:"workers"`    // Records repaired in parallel
	Rate      float64 `yaml:"rate"`       // Fix attempts per second
	Burst     int     `yaml:"burst"`
}

// DefaultRepairConfig returns default repair configuration.
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		BatchSize: 100,
		Workers:   2,
		Rate:      5,
		Burst:     1,
	}
}

// RepairJob walks divergence records and runs fix strategies on the ones
// that still need it.
type RepairJob struct {
	cfg     RepairConfig
	checker *Checker
	fixer   *Fixer
	records storage.InconsistentItemRepository
	states  storage.JobStateRepository
	limiter *rate.Limiter
	now     func() time.Time
	log     *slog.Logger
}

func NewRepairJob(
	cfg RepairConfig,
	checker *Checker,
	fixer *Fixer,
	records storage.InconsistentItemRepository,
	states storage.JobStateRepository,
) *RepairJob {
	def := DefaultRepairConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		limit = rate.Inf
	}
	return &RepairJob{
		cfg:     cfg,
		checker: checker,
		fixer:   fixer,
		records: records,
		states:  states,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		now:     time.Now,
		log:     slog.Default().With("component", "consistency", "job", RepairJobName),
	}
}

func (j *RepairJob) Name() string { return RepairJobName }

// SetBatchSize changes the page size of later runs. Not safe during a run.
func (j *RepairJob) SetBatchSize(n int) {
	if n > 0 {
		j.cfg.BatchSize = n
	}
}

// Handle processes records from the saved continuation. Repair failures are
// recorded on the items and counted; only store and context errors that
// prevent the scan itself are returned.
func (j *RepairJob) Handle(ctx context.Context) (Stats, error) {
	var stats Stats

	state, err := loadState(ctx, j.states, RepairJobName)
	if err != nil {
		return stats, err
	}
	defer func() { saveState(context.WithoutCancel(ctx), j.states, RepairJobName, state, j.log) }()

	j.log.Info("Repair started", "continuation", state.Continuation)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := j.records.Search(ctx, storage.InconsistentItemQuery{
			AfterID: state.Continuation,
			Limit:   j.cfg.BatchSize,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to search inconsistent items: %w", err)
		}
		if len(batch) == 0 {
			state.Continuation = ""
			state.LatestChecked = j.now()
			break
		}

		stats.add(j.repairBatch(ctx, batch))
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		state.Continuation = batch[len(batch)-1].ID
		saveState(ctx, j.states, RepairJobName, state, j.log)
	}

	j.log.Info("Repair finished",
		"checked", stats.Checked,
		"fixed", stats.Fixed,
		"unfixed", stats.Unfixed,
		"skipped", stats.Skipped,
		"throttled", stats.Throttled,
	)
	return stats, nil
}

func (j *RepairJob) repairBatch(ctx context.Context, batch []*domain.InconsistentItem) Stats {
	var (
		mu    sync.Mutex
		stats Stats
	)
	g := new(errgroup.Group)
	g.SetLimit(j.cfg.Workers)

	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		if !item.NeedsFix(CurrentFixVersion) {
			stats.Skipped++
			continue
		}
		g.Go(func() error {
			s := j.repair(ctx, item)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// repair applies the fix and checks the item after every attempt until no
// newer fix version is left. NEW and RELAPSED items are attempted
// regardless of the version they were stamped with.
func (j *RepairJob) repair(ctx context.Context, item *domain.InconsistentItem) Stats {
	var stats Stats
	stats.Checked++
	metrics.ConsistencyChecked.WithLabelValues(RepairJobName).Inc()

	applied := item.FixVersionApplied
	if item.Status != domain.InconsistentUnfixed {
		applied = nil
	}

	attempts := 0
	for applied == nil || *applied < CurrentFixVersion {
		if !j.limiter.Allow() {
			stats.Throttled++
			metrics.Throttled.WithLabelValues(RepairJobName).Inc()
			if err := j.limiter.Wait(ctx); err != nil {
				return stats
			}
		}

		res, err := j.fixer.TryFix(ctx, item.ID, applied)
		if res.FixVersionApplied == nil {
			break
		}
		attempts++
		applied = res.FixVersionApplied
		item.FixVersionApplied = applied
		if err != nil {
			j.log.Warn("Fix attempt failed", "item", item.ID, "version", *applied, "error", err)
			if ctx.Err() != nil {
				return stats
			}
			continue
		}

		check, err := j.checker.CheckItemByID(ctx, item.ID)
		if err != nil {
			j.log.Warn("Failed to check item after fix", "item", item.ID, "error", err)
			continue
		}
		if check.OK {
			j.save(ctx, item, domain.InconsistentFixed)
			stats.Fixed++
			return stats
		}
		item.Type = check.Type
		item.AggregateValue = check.Supply
		item.DerivedValue = check.Ownerships
	}

	if attempts == 0 {
		j.log.Info("No fix attempted", "item", item.ID, "fix_version_applied", item.FixVersionApplied)
		stats.Skipped++
		return stats
	}
	j.log.Info("Item still inconsistent", "item", item.ID, "attempts", attempts)
	j.save(ctx, item, domain.InconsistentUnfixed)
	stats.Unfixed++
	return stats
}

func (j *RepairJob) save(ctx context.Context, item *domain.InconsistentItem, status domain.InconsistentItemStatus) {
	item.Status = status
	item.LastUpdatedAt = j.now()
	if err := j.records.Save(ctx, item); err != nil {
		j.log.Error("Failed to save inconsistent item", "item", item.ID, "status", status, "error", err)
		return
	}
	switch status {
	case domain.InconsistentFixed:
		metrics.ConsistencyFixed.WithLabelValues(RepairJobName).Inc()
	case domain.InconsistentUnfixed:
		metrics.ConsistencyUnfixed.WithLabelValues(RepairJobName).Inc()
	}
}

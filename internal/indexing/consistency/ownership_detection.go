package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const OwnershipDetectionJobName = "ownership-item-consistency"

// OwnershipDetectionJob scans live ownerships and records the items they
// point to that do not exist, as NOT_FOUND.
type OwnershipDetectionJob struct {
	cfg        DetectionConfig
	ownerships storage.EntityStore[*domain.Ownership]
	items      storage.EntityStore[*domain.Item]
	checker    *Checker
	records    storage.InconsistentItemRepository
	recorder   *recorder
	states     storage.JobStateRepository
	now        func() time.Time
	log        *slog.Logger
}

// NewOwnershipDetectionJob creates the job. It shares DetectionConfig with
// the item-side job; fixer may be nil.
func NewOwnershipDetectionJob(
	cfg DetectionConfig,
	ownerships storage.EntityStore[*domain.Ownership],
	items storage.EntityStore[*domain.Item],
	checker *Checker,
	fixer *Fixer,
	records storage.InconsistentItemRepository,
	states storage.JobStateRepository,
) *OwnershipDetectionJob {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDetectionConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	log := slog.Default().With("component", "consistency", "job", OwnershipDetectionJobName)
	return &OwnershipDetectionJob{
		cfg:        cfg,
		ownerships: ownerships,
		items:      items,
		checker:    checker,
		records:    records,
		recorder:   newRecorder(OwnershipDetectionJobName, checker, fixer, records, cfg.Autofix, log),
		states:     states,
		now:        time.Now,
		log:        log,
	}
}

func (j *OwnershipDetectionJob) Name() string { return OwnershipDetectionJobName }

// SetBatchSize changes the page size of later runs. Not safe during a run.
func (j *OwnershipDetectionJob) SetBatchSize(n int) {
	if n > 0 {
		j.cfg.BatchSize = n
	}
}

// Handle walks ownerships from the saved continuation to the end of the id
// space, saving progress after every batch.
func (j *OwnershipDetectionJob) Handle(ctx context.Context) (Stats, error) {
	var stats Stats

	state, err := loadState(ctx, j.states, OwnershipDetectionJobName)
	if err != nil {
		return stats, err
	}
	defer func() {
		saveState(context.WithoutCancel(ctx), j.states, OwnershipDetectionJobName, state, j.log)
	}()

	threshold := j.now().Add(-j.cfg.MinAge)
	j.log.Info("Ownership detection started", "continuation", state.Continuation, "threshold", threshold)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := j.ownerships.Scan(ctx, storage.ScanQuery{
			AfterID:       state.Continuation,
			UpdatedBefore: threshold,
			Limit:         j.cfg.BatchSize,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to scan ownerships: %w", err)
		}
		if len(batch) == 0 {
			state.Continuation = ""
			state.LatestChecked = threshold
			break
		}

		s, err := j.checkBatch(ctx, batch)
		stats.add(s)
		if err != nil {
			return stats, err
		}
		state.Continuation = batch[len(batch)-1].ID()
		saveState(ctx, j.states, OwnershipDetectionJobName, state, j.log)
	}

	j.log.Info("Ownership detection finished",
		"checked", stats.Checked,
		"not_found", stats.Inconsistent+stats.Unfixed,
		"fixed", stats.Fixed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, nil
}

// checkBatch checks every distinct item of the live ownerships in batch,
// except items that already have an open record.
func (j *OwnershipDetectionJob) checkBatch(ctx context.Context, batch []*domain.Ownership) (Stats, error) {
	var stats Stats

	seen := make(map[string]bool)
	var itemIDs []string
	for _, o := range batch {
		if o.Deleted || seen[o.ItemID()] {
			continue
		}
		seen[o.ItemID()] = true
		itemIDs = append(itemIDs, o.ItemID())
	}
	if len(itemIDs) == 0 {
		return stats, nil
	}

	open, err := j.records.GetMany(ctx, itemIDs)
	if err != nil {
		return stats, fmt.Errorf("failed to load inconsistent items: %w", err)
	}
	skip := make(map[string]bool, len(open))
	for _, rec := range open {
		if rec.Status != domain.InconsistentFixed {
			skip[rec.ID] = true
		}
	}
	var toCheck []string
	for _, id := range itemIDs {
		if skip[id] {
			stats.Skipped++
			continue
		}
		toCheck = append(toCheck, id)
	}
	if len(toCheck) == 0 {
		return stats, nil
	}

	found, err := j.items.LoadMany(ctx, toCheck)
	if err != nil {
		return stats, fmt.Errorf("failed to load items: %w", err)
	}
	stats.Checked += len(toCheck)
	metrics.ConsistencyChecked.WithLabelValues(OwnershipDetectionJobName).Add(float64(len(toCheck)))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(j.cfg.Workers)
	for _, id := range toCheck {
		if _, ok := found[id]; ok {
			continue
		}
		g.Go(func() error {
			s := j.checkMissing(ctx, id)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats, nil
}

// checkMissing checks the item again before recording it, since it may have
// been written after the batch was loaded.
func (j *OwnershipDetectionJob) checkMissing(ctx context.Context, itemID string) Stats {
	var stats Stats
	res, err := j.checker.CheckItemByID(ctx, itemID)
	if err != nil {
		j.log.Warn("Failed to check item", "item", itemID, "error", err)
		stats.Failed++
		return stats
	}
	if res.Type != domain.ProblemNotFound {
		return stats
	}
	return j.recorder.resolve(ctx, res, j.now())
}

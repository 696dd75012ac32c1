package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const DetectionJobName = "item-ownership-consistency"

// DetectionConfig holds configuration for the detection job.
type DetectionConfig struct {
	MinAge    time.Duration `yaml:"min_age"`    // Items written more recently are left for the next pass
	BatchSize int           `yaml:"batch_size"` // Items fetched per page
	Workers   int           `yaml:"workers"`    // Items checked in parallel
	// Autofix repairs divergent items during detection. Only items the fix
	// could not resolve are recorded, as UNFIXED with the version applied.
	Autofix bool `yaml:"autofix"`
}

// DefaultDetectionConfig returns default detection configuration.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		MinAge:    10 * time.Minute,
		BatchSize: 500,
		Workers:   4,
	}
}

// Stats summarises one job run.
type Stats struct {
	Checked      int
	Inconsistent int
	Relapsed     int
	Fixed        int
	Unfixed      int
	Skipped      int
	Throttled    int
	Failed       int
}

func (s *Stats) add(o Stats) {
	s.Checked += o.Checked
	s.Inconsistent += o.Inconsistent
	s.Relapsed += o.Relapsed
	s.Fixed += o.Fixed
	s.Unfixed += o.Unfixed
	s.Skipped += o.Skipped
	s.Throttled += o.Throttled
	s.Failed += o.Failed
}

// DetectionJob scans stored items and records divergent ones.
type DetectionJob struct {
	cfg      DetectionConfig
	items    storage.EntityStore[*domain.Item]
	checker  *Checker
	recorder *recorder
	states   storage.JobStateRepository
	now      func() time.Time
	log      *slog.Logger
}

// NewDetectionJob creates the job. fixer is only used with Autofix and may
// be nil.
func NewDetectionJob(
	cfg DetectionConfig,
	items storage.EntityStore[*domain.Item],
	checker *Checker,
	fixer *Fixer,
	records storage.InconsistentItemRepository,
	states storage.JobStateRepository,
) *DetectionJob {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDetectionConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	log := slog.Default().With("component", "consistency", "job", DetectionJobName)
	return &DetectionJob{
		cfg:      cfg,
		items:    items,
		checker:  checker,
		recorder: newRecorder(DetectionJobName, checker, fixer, records, cfg.Autofix, log),
		states:   states,
		now:      time.Now,
		log:      log,
	}
}

func (j *DetectionJob) Name() string { return DetectionJobName }

// SetBatchSize changes the page size of later runs. Not safe during a run.
func (j *DetectionJob) SetBatchSize(n int) {
	if n > 0 {
		j.cfg.BatchSize = n
	}
}

// Handle checks items from the saved continuation to the end of the id
// space. Progress is saved after every batch, so a cancelled run resumes
// where it stopped. Per-item failures are counted, never returned.
func (j *DetectionJob) Handle(ctx context.Context) (Stats, error) {
	var stats Stats

	state, err := loadState(ctx, j.states, DetectionJobName)
	if err != nil {
		return stats, err
	}
	defer func() { saveState(context.WithoutCancel(ctx), j.states, DetectionJobName, state, j.log) }()

	threshold := j.now().Add(-j.cfg.MinAge)
	j.log.Info("Detection started", "continuation", state.Continuation, "threshold", threshold)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := j.items.Scan(ctx, storage.ScanQuery{
			AfterID:       state.Continuation,
			UpdatedBefore: threshold,
			Limit:         j.cfg.BatchSize,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to scan items: %w", err)
		}
		if len(batch) == 0 {
			state.Continuation = ""
			state.LatestChecked = threshold
			break
		}

		stats.add(j.checkBatch(ctx, batch))
		state.Continuation = batch[len(batch)-1].ID()
		saveState(ctx, j.states, DetectionJobName, state, j.log)
	}

	j.log.Info("Detection finished",
		"checked", stats.Checked,
		"inconsistent", stats.Inconsistent,
		"relapsed", stats.Relapsed,
		"fixed", stats.Fixed,
		"unfixed", stats.Unfixed,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (j *DetectionJob) checkBatch(ctx context.Context, batch []*domain.Item) Stats {
	var (
		mu    sync.Mutex
		stats Stats
	)
	g := new(errgroup.Group)
	g.SetLimit(j.cfg.Workers)

	for _, item := range batch {
		if item.Deleted {
			stats.Skipped++
			continue
		}
		g.Go(func() error {
			s := j.checkItem(ctx, item)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

func (j *DetectionJob) checkItem(ctx context.Context, item *domain.Item) Stats {
	var stats Stats
	stats.Checked++
	metrics.ConsistencyChecked.WithLabelValues(DetectionJobName).Inc()

	res, err := j.checker.CheckItem(ctx, item)
	if err != nil {
		j.log.Warn("Failed to check item", "item", item.ID(), "error", err)
		stats.Failed++
		return stats
	}
	if res.OK {
		return stats
	}
	stats.add(j.recorder.resolve(ctx, res, j.now()))
	return stats
}

// recorder turns a failed check into a divergence record, after an inline
// fix attempt when autofix is on.
type recorder struct {
	job     string
	checker *Checker
	fixer   *Fixer
	records storage.InconsistentItemRepository
	autofix bool
	log     *slog.Logger
}

func newRecorder(
	job string,
	checker *Checker,
	fixer *Fixer,
	records storage.InconsistentItemRepository,
	autofix bool,
	log *slog.Logger,
) *recorder {
	return &recorder{
		job:     job,
		checker: checker,
		fixer:   fixer,
		records: records,
		autofix: autofix && fixer != nil,
		log:     log,
	}
}

func (r *recorder) resolve(ctx context.Context, res CheckResult, now time.Time) Stats {
	var (
		stats   Stats
		applied *int
	)
	if r.autofix && !r.hasOpenRecord(ctx, res.ItemID) {
		fixed, err := r.fixer.TryFix(ctx, res.ItemID, nil)
		applied = fixed.FixVersionApplied
		if err != nil {
			r.log.Warn("Inline fix failed", "item", res.ItemID, "error", err)
		} else if check, err := r.checker.CheckItemByID(ctx, res.ItemID); err != nil {
			r.log.Warn("Failed to check item after fix", "item", res.ItemID, "error", err)
		} else if check.OK {
			stats.Fixed++
			metrics.ConsistencyFixed.WithLabelValues(r.job).Inc()
			r.log.Info("Item fixed inline", "item", res.ItemID, "type", res.Type)
			return stats
		} else {
			res = check
		}
	}

	status, err := r.record(ctx, res, applied, now)
	if err != nil {
		r.log.Warn("Failed to record inconsistent item", "item", res.ItemID, "error", err)
		stats.Failed++
		return stats
	}
	switch status {
	case domain.InconsistentNew:
		stats.Inconsistent++
		metrics.ConsistencyUnfixed.WithLabelValues(r.job).Inc()
	case domain.InconsistentUnfixed:
		stats.Unfixed++
		metrics.ConsistencyUnfixed.WithLabelValues(r.job).Inc()
	case domain.InconsistentRelapsed:
		stats.Relapsed++
	}
	r.log.Info("Item diverged",
		"item", res.ItemID,
		"type", res.Type,
		"supply", res.Supply,
		"ownerships", res.Ownerships,
		"status", status,
	)
	return stats
}

// hasOpenRecord reports whether the repair job already owns the item.
func (r *recorder) hasOpenRecord(ctx context.Context, itemID string) bool {
	rec, err := r.records.Get(ctx, itemID)
	return err == nil && rec.Status != domain.InconsistentFixed
}

// record creates or refreshes the divergence record. A FIXED record that
// diverges again becomes RELAPSED. applied is the version of a failed
// inline fix; it turns a NEW record into an UNFIXED one.
func (r *recorder) record(ctx context.Context, res CheckResult, applied *int, now time.Time) (domain.InconsistentItemStatus, error) {
	status := domain.InconsistentNew
	if applied != nil {
		status = domain.InconsistentUnfixed
	}

	existing, err := r.records.Get(ctx, res.ItemID)
	if errors.Is(err, storage.ErrInconsistentItemNotFound) {
		rec := &domain.InconsistentItem{
			ID:                res.ItemID,
			Type:              res.Type,
			Status:            status,
			AggregateValue:    res.Supply,
			DerivedValue:      res.Ownerships,
			FixVersionApplied: applied,
			LastUpdatedAt:     now,
		}
		inserted, err := r.records.Insert(ctx, rec)
		if err != nil {
			return "", err
		}
		if inserted {
			return status, nil
		}
		// Lost a race with another writer; refresh what it stored.
		existing, err = r.records.Get(ctx, res.ItemID)
	}
	if err != nil {
		return "", err
	}

	switch {
	case existing.Status == domain.InconsistentFixed:
		existing.Status = domain.InconsistentRelapsed
		existing.RelapseCount++
	case existing.Status == domain.InconsistentNew && applied != nil:
		existing.Status = domain.InconsistentUnfixed
	}
	if applied != nil {
		existing.FixVersionApplied = applied
	}
	existing.Type = res.Type
	existing.AggregateValue = res.Supply
	existing.DerivedValue = res.Ownerships
	existing.LastUpdatedAt = now
	if err := r.records.Save(ctx, existing); err != nil {
		return "", err
	}
	return existing.Status, nil
}

func loadState(ctx context.Context, repo storage.JobStateRepository, job string) (*domain.JobState, error) {
	state, err := repo.Get(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to load state of %s: %w", job, err)
	}
	if state == nil {
		state = &domain.JobState{}
	}
	return state, nil
}

func saveState(ctx context.Context, repo storage.JobStateRepository, job string, state *domain.JobState, log *slog.Logger) {
	if err := repo.Save(ctx, job, state); err != nil {
		log.Warn("Failed to save job state", "error", err)
		return
	}
	if !state.LatestChecked.IsZero() {
		metrics.ConsistencyDelay.WithLabelValues(job).Set(time.Since(state.LatestChecked).Seconds())
	}
}

// Package worker runs the periodic background jobs of the service.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reducer/internal/indexing/throttle"
)

// RunResult reports what one job run did and what it left behind.
type RunResult struct {
	Processed int
	Backlog   int64
}

// Job is a background job run periodically.
type Job interface {
	Name() string
	RunOnce(ctx context.Context) (RunResult, error)
}

// BatchSizer is implemented by jobs whose batch size can be tuned between runs.
type BatchSizer interface {
	SetBatchSize(n int)
}

type funcJob struct {
	name string
	run  func(ctx context.Context) (RunResult, error)
}

func (j funcJob) Name() string { return j.name }

func (j funcJob) RunOnce(ctx context.Context) (RunResult, error) { return j.run(ctx) }

// NewJob adapts a function to a Job.
func NewJob(name string, run func(ctx context.Context) (RunResult, error)) Job {
	return funcJob{name: name, run: run}
}

type scheduled struct {
	job        Job
	controller *throttle.AdaptiveController
	sizer      BatchSizer
}

// Scheduler runs every job in its own loop. The delay before a rerun and
// the next batch size come from the job's adaptive controller.
type Scheduler struct {
	jobs []scheduled
	log  *slog.Logger
}

func NewScheduler() *Scheduler {
	return &Scheduler{log: slog.Default().With("component", "scheduler")}
}

// Add registers a job. sizer may be nil.
func (s *Scheduler) Add(job Job, interval time.Duration, cfg throttle.AdaptiveConfig, sizer BatchSizer) {
	s.jobs = append(s.jobs, scheduled{
		job:        job,
		controller: throttle.NewAdaptiveController(job.Name(), interval, cfg),
		sizer:      sizer,
	})
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j scheduled) {
	for {
		delay := s.runOnce(ctx, j)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce runs the job and returns the delay before the next run.
func (s *Scheduler) runOnce(ctx context.Context, j scheduled) time.Duration {
	start := time.Now()
	res, err := j.job.RunOnce(ctx)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		s.log.Error("Job failed", "job", j.job.Name(), "error", err)
	}

	interval := j.controller.ComputeInterval(res.Backlog)
	if j.sizer != nil {
		var avg time.Duration
		if res.Processed > 0 {
			avg = elapsed / time.Duration(res.Processed)
		}
		j.sizer.SetBatchSize(j.controller.ComputeBatchSize(res.Backlog, avg))
	}

	s.log.Debug("Job run finished",
		"job", j.job.Name(),
		"processed", res.Processed,
		"backlog", res.Backlog,
		"elapsed", elapsed,
		"next_in", interval,
	)
	return interval
}

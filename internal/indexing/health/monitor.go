package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/reducer/internal/infra/storage"
)

// HeadReader reports the latest chain head.
type HeadReader interface {
	CurrentBlockHead(ctx context.Context) (uint64, error)
}

// QueueCounter reports the size of the failed reduce queue.
type QueueCounter interface {
	Count(ctx context.Context) (int, error)
}

// Monitor aggregates health status from the background jobs, the retry
// queue and the chain head source.
type Monitor struct {
	jobs       []string
	states     storage.JobStateRepository
	failed     QueueCounter
	head       HeadReader
	thresholds Thresholds
	now        func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. failed and head may be nil.
func NewMonitor(
	jobs []string,
	states storage.JobStateRepository,
	failed QueueCounter,
	head HeadReader,
	thresholds Thresholds,
) *Monitor {
	return &Monitor{
		jobs:       jobs,
		states:     states,
		failed:     failed,
		head:       head,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// CheckHealth builds a report, reusing the previous one for a short while.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.thresholds.CheckCacheDuration {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Jobs:         make(map[string]JobHealth, len(m.jobs)),
	}

	if m.head != nil {
		head, err := m.head.CurrentBlockHead(ctx)
		if err != nil {
			report.HeadError = err.Error()
			report.SystemStatus = StatusDegraded
		}
		report.ChainHead = head
	}

	if m.failed != nil {
		if count, err := m.failed.Count(ctx); err == nil {
			report.FailedReduces = count
			switch {
			case count >= m.thresholds.FailedCritical:
				report.SystemStatus = worse(report.SystemStatus, StatusCritical)
			case count >= m.thresholds.FailedDegraded:
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
			}
		}
	}

	for _, job := range m.jobs {
		jh := m.checkJob(ctx, job)
		report.Jobs[job] = jh
		report.SystemStatus = worse(report.SystemStatus, jh.Status)
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}

func (m *Monitor) checkJob(ctx context.Context, job string) JobHealth {
	jh := JobHealth{Job: job, Status: StatusHealthy}

	state, err := m.states.Get(ctx, job)
	if err != nil {
		jh.Status = StatusDegraded
		return jh
	}
	if state == nil || state.LatestChecked.IsZero() {
		// Not finished a pass yet.
		return jh
	}

	jh.LatestChecked = state.LatestChecked
	jh.Continuation = state.Continuation
	jh.Delay = m.now().Sub(state.LatestChecked)
	switch {
	case jh.Delay > m.thresholds.JobCritical:
		jh.Status = StatusCritical
	case jh.Delay > m.thresholds.JobDegraded:
		jh.Status = StatusDegraded
	}
	return jh
}

// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// JobHealth reports how far behind a background job is.
type JobHealth struct {
	Job           string        `json:"job"`
	Status        SystemStatus  `json:"status"`
	LatestChecked time.Time     `json:"latest_checked,omitempty"`
	Delay         time.Duration `json:"delay"`
	Continuation  string        `json:"continuation,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus  SystemStatus         `json:"system_status"`
	ChainHead     uint64               `json:"chain_head"`
	HeadError     string               `json:"head_error,omitempty"`
	FailedReduces int                  `json:"failed_reduces"`
	Jobs          map[string]JobHealth `json:"jobs"`
}

// Thresholds decide when a component is degraded or critical.
type Thresholds struct {
	JobDegraded        time.Duration `yaml:"job_degraded"`         // default: 1h
	JobCritical        time.Duration `yaml:"job_critical"`         // default: 6h
	FailedDegraded     int           `yaml:"failed_degraded"`      // default: 1
	FailedCritical     int           `yaml:"failed_critical"`      // default: 100
	CheckCacheDuration time.Duration `yaml:"check_cache_duration"` // default: 10s
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		JobDegraded:        time.Hour,
		JobCritical:        6 * time.Hour,
		FailedDegraded:     1,
		FailedCritical:     100,
		CheckCacheDuration: 10 * time.Second,
	}
}

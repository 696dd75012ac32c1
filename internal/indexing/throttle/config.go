package throttle

import "time"

// AdaptiveConfig holds configuration for pacing background jobs.
type AdaptiveConfig struct {
	// Enabled controls whether adaptive pacing is active
	Enabled bool `yaml:"enabled"`

	// Interval bounds
	MinInterval time.Duration `yaml:"min_interval"` // Fastest rerun rate (default: 1s)
	MaxInterval time.Duration `yaml:"max_interval"` // Slowest rerun rate (default: 10m)

	// Backlog thresholds for interval adjustment
	BacklogNormalThreshold int64 `yaml:"backlog_normal_threshold"` // Below this = relaxed interval (default: 10)
	BacklogBurstThreshold  int64 `yaml:"backlog_burst_threshold"`  // Above this = max speed (default: 500)

	// Batch bounds
	MinBatchSize int `yaml:"min_batch_size"` // default: 10
	MaxBatchSize int `yaml:"max_batch_size"` // default: 500

	// Per-item latency above which batches shrink (default: 200ms)
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}

// DefaultConfig returns sensible defaults for adaptive pacing.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:                true,
		MinInterval:            time.Second,
		MaxInterval:            10 * time.Minute,
		BacklogNormalThreshold: 10,
		BacklogBurstThreshold:  500,
		MinBatchSize:           10,
		MaxBatchSize:           500,
		HighLatencyThreshold:   200 * time.Millisecond,
	}
}

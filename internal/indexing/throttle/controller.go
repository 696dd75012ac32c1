package throttle

import (
	"time"
)

// AdaptiveController computes how soon a background job should run again
// and how large its next batch should be, based on the backlog it left
// behind and how long each item took.
type AdaptiveController struct {
	job          string
	baseInterval time.Duration
	config       AdaptiveConfig

	// Current state (for metrics)
	currentInterval  time.Duration
	currentBatchSize int
}

// NewAdaptiveController creates a new adaptive controller.
func NewAdaptiveController(job string, baseInterval time.Duration, config AdaptiveConfig) *AdaptiveController {
	return &AdaptiveController{
		job:              job,
		baseInterval:     baseInterval,
		config:           config,
		currentInterval:  baseInterval,
		currentBatchSize: config.MaxBatchSize,
	}
}

// ComputeInterval calculates the delay before the next run.
//
// Algorithm:
//   - backlog ≤ 0: base interval (caught up)
//   - backlog < normal: base interval × 0.5
//   - backlog < burst: min interval × 2
//   - backlog ≥ burst: min interval
func (c *AdaptiveController) ComputeInterval(backlog int64) time.Duration {
	if !c.config.Enabled {
		return c.baseInterval
	}

	var interval time.Duration
	switch {
	case backlog <= 0:
		interval = c.baseInterval
	case backlog < c.config.BacklogNormalThreshold:
		interval = c.baseInterval / 2
	case backlog < c.config.BacklogBurstThreshold:
		interval = c.config.MinInterval * 2
	default:
		interval = c.config.MinInterval
	}

	// Enforce bounds
	interval = max(interval, c.config.MinInterval)
	interval = min(interval, c.config.MaxInterval)

	c.currentInterval = interval
	return interval
}

// ComputeBatchSize calculates the next batch size.
//
// Algorithm:
//   - slow items (> high latency): min batch size
//   - backlog < normal: min batch size
//   - backlog < burst: midpoint of the bounds
//   - backlog ≥ burst: max batch size
func (c *AdaptiveController) ComputeBatchSize(backlog int64, avgLatency time.Duration) int {
	if !c.config.Enabled {
		return c.config.MaxBatchSize
	}

	if avgLatency > c.config.HighLatencyThreshold {
		c.currentBatchSize = c.config.MinBatchSize
		return c.currentBatchSize
	}

	var batchSize int
	switch {
	case backlog < c.config.BacklogNormalThreshold:
		batchSize = c.config.MinBatchSize
	case backlog < c.config.BacklogBurstThreshold:
		batchSize = (c.config.MinBatchSize + c.config.MaxBatchSize) / 2
	default:
		batchSize = c.config.MaxBatchSize
	}

	c.currentBatchSize = batchSize
	return batchSize
}

// GetCurrentInterval returns the last computed interval (for metrics).
func (c *AdaptiveController) GetCurrentInterval() time.Duration {
	return c.currentInterval
}

// GetCurrentBatchSize returns the last computed batch size (for metrics).
func (c *AdaptiveController) GetCurrentBatchSize() int {
	return c.currentBatchSize
}

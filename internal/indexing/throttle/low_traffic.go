package throttle

import (
	"sync"

	"github.com/vietddude/reducer/internal/indexing/metrics"
)

// LowTraffic skips a fixed share of the work for a fixed list of hot ids.
// Out of every 100 visits of a hot id, the first 100-skipPerHundred pass and
// the rest are skipped. Ids outside the list always pass. Each job owns its
// own instance.
type LowTraffic struct {
	job            string
	skipPerHundred int
	hot            map[string]struct{}

	mu     sync.Mutex
	counts map[string]int
}

// NewLowTraffic creates a throttle for hotIDs. skipPerHundred is clamped
// to [0, 100].
func NewLowTraffic(job string, skipPerHundred int, hotIDs []string) *LowTraffic {
	hot := make(map[string]struct{}, len(hotIDs))
	for _, id := range hotIDs {
		hot[id] = struct{}{}
	}
	return &LowTraffic{
		job:            job,
		skipPerHundred: min(max(skipPerHundred, 0), 100),
		hot:            hot,
		counts:         make(map[string]int),
	}
}

// Skip records a visit of id and reports whether it should be skipped.
func (t *LowTraffic) Skip(id string) bool {
	if t == nil || t.skipPerHundred == 0 {
		return false
	}
	if _, ok := t.hot[id]; !ok {
		return false
	}
	t.mu.Lock()
	n := t.counts[id]
	t.counts[id] = (n + 1) % 100
	t.mu.Unlock()

	skip := n >= 100-t.skipPerHundred
	if skip {
		metrics.Throttled.WithLabelValues(t.job).Inc()
	}
	return skip
}

// Reset forgets all counters.
func (t *LowTraffic) Reset() {
	t.mu.Lock()
	t.counts = make(map[string]int)
	t.mu.Unlock()
}

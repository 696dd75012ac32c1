package rescan

import (
	"sort"
	"strings"

	redisclient "github.com/vietddude/reducer/internal/infra/redis"
)

// Covers reports whether reindexing a also reindexes everything b would.
func Covers(a, b redisclient.ReindexTask) bool {
	return a.Family == b.Family && strings.HasPrefix(b.Prefix, a.Prefix)
}

// Collapse drops tasks covered by another task of the same family and
// returns the survivors and the dropped ones.
func Collapse(tasks []redisclient.ReindexTask) (kept, dropped []redisclient.ReindexTask) {
	sorted := make([]redisclient.ReindexTask, len(tasks))
	copy(sorted, tasks)
	// Shorter prefixes first, so a covering task is seen before what it covers.
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Family != sorted[j].Family {
			return sorted[i].Family < sorted[j].Family
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})

	for _, t := range sorted {
		covered := false
		for _, k := range kept {
			if Covers(k, t) {
				covered = true
				break
			}
		}
		if covered {
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	return kept, dropped
}

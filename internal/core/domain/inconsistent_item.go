package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InconsistentItemStatus is the repair state of a divergent item.
type InconsistentItemStatus string

const (
	InconsistentNew      InconsistentItemStatus = "NEW"
	InconsistentFixed    InconsistentItemStatus = "FIXED"
	InconsistentUnfixed  InconsistentItemStatus = "UNFIXED"
	InconsistentRelapsed InconsistentItemStatus = "RELAPSED"
)

// ItemProblemType classifies how an item diverged.
type ItemProblemType string

const (
	ProblemSupplyMismatch ItemProblemType = "SUPPLY_MISMATCH"
	ProblemNotFound       ItemProblemType = "NOT_FOUND"
)

// InconsistentItem records an item whose stored supply does not match the
// sum of its ownerships.
type InconsistentItem struct {
	ID                string                 `json:"id"                            db:"id"`
	Type              ItemProblemType        `json:"type"                          db:"type"`
	Status            InconsistentItemStatus `json:"status"                        db:"status"`
	FixVersionApplied *int                   `json:"fix_version_applied,omitempty" db:"fix_version_applied"`
	RelapseCount      int                    `json:"relapse_count"                 db:"relapse_count"`
	AggregateValue    decimal.Decimal        `json:"aggregate_value"               db:"aggregate_value"`
	DerivedValue      decimal.Decimal        `json:"derived_value"                 db:"derived_value"`
	LastUpdatedAt     time.Time              `json:"last_updated_at"               db:"last_updated_at"`
}

// NeedsFix reports whether the repair job should attempt this item with the
// given fix algorithm version.
func (i InconsistentItem) NeedsFix(currentFixVersion int) bool {
	switch i.Status {
	case InconsistentNew, InconsistentRelapsed:
		return true
	case InconsistentUnfixed:
		return i.FixVersionApplied == nil || *i.FixVersionApplied < currentFixVersion
	}
	return false
}

// JobState is the resumable progress of a background job.
type JobState struct {
	Continuation  string    `json:"continuation,omitempty"`
	LatestChecked time.Time `json:"latest_checked"`
}

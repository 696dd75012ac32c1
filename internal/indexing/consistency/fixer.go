package consistency

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/reducer"
)

// CurrentFixVersion stamps items repaired with the current strategy.
// Bumping it makes the repair job revisit UNFIXED items once more.
//
// Version 1 refolded the item and its ownerships from history. Version 2
// also forces the rewrite and resets stored ownerships without history.
const CurrentFixVersion = 2

// FixResult reports which version was applied. FixVersionApplied is nil
// when the item already went through the current version.
type FixResult struct {
	ItemID            string
	FixVersionApplied *int
}

// Fixer repairs an item and its ownerships from their event history.
type Fixer struct {
	items      reducer.FullReducer
	ownerships reducer.FullReducer
	logger     *slog.Logger
}

func NewFixer(items, ownerships reducer.FullReducer) *Fixer {
	return &Fixer{
		items:      items,
		ownerships: ownerships,
		logger:     slog.Default().With("component", "fixer"),
	}
}

// TryFix applies the current strategy unless applied already reached it.
// Errors wrap domain.ErrRepairAttemptFailed and still carry the attempted
// version in the result.
func (f *Fixer) TryFix(ctx context.Context, itemID string, applied *int) (FixResult, error) {
	res := FixResult{ItemID: itemID}
	if applied != nil && *applied >= CurrentFixVersion {
		return res, nil
	}
	version := CurrentFixVersion
	res.FixVersionApplied = &version

	f.logger.Info("Applying fix", "item", itemID, "version", version)
	if err := f.rewrite(ctx, itemID); err != nil {
		return res, fmt.Errorf("%w: %s with version %d: %w", domain.ErrRepairAttemptFailed, itemID, version, err)
	}
	return res, nil
}

// refold rebuilds the item and every ownership with history from events.
func (f *Fixer) refold(ctx context.Context, itemID string) error {
	if _, err := f.items.Reduce(ctx, itemID); err != nil {
		return err
	}
	stats, err := f.ownerships.ReduceAll(ctx, "", domain.OwnershipPrefix(itemID))
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d ownerships of %s failed to reduce", stats.Failed, itemID)
	}
	return nil
}

// rewrite forces the refolded state over the stored documents and resets
// stored ownerships that have no history left.
func (f *Fixer) rewrite(ctx context.Context, itemID string) error {
	if _, err := f.items.Rewrite(ctx, itemID); err != nil {
		return err
	}
	if err := f.refold(ctx, itemID); err != nil {
		return err
	}

	prefix := domain.OwnershipPrefix(itemID)
	after := ""
	for {
		ids, err := f.ownerships.StoredIDs(ctx, prefix, after, ownershipPageSize)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := f.ownerships.Rewrite(ctx, id); err != nil {
				return err
			}
		}
		if len(ids) < ownershipPageSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

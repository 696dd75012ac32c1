// Package consistency detects items whose stored supply diverged from the
// sum of their ownerships and repairs them by folding history again.
package consistency

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const ownershipPageSize = 1000

// CheckResult is the outcome of comparing an item with its ownerships.
type CheckResult struct {
	ItemID string
	OK     bool
	// Type is set when OK is false.
	Type       domain.ItemProblemType
	Supply     decimal.Decimal
	Ownerships decimal.Decimal
}

// Checker compares item supply with the sum of non-deleted ownerships.
type Checker struct {
	items      storage.EntityStore[*domain.Item]
	ownerships storage.EntityStore[*domain.Ownership]
}

func NewChecker(
	items storage.EntityStore[*domain.Item],
	ownerships storage.EntityStore[*domain.Ownership],
) *Checker {
	return &Checker{items: items, ownerships: ownerships}
}

// CheckItem checks a loaded item.
func (c *Checker) CheckItem(ctx context.Context, item *domain.Item) (CheckResult, error) {
	res := CheckResult{ItemID: item.ID(), Supply: item.Supply}

	derived, err := c.ownershipSum(ctx, item.ID())
	if err != nil {
		return res, err
	}
	res.Ownerships = derived
	res.OK = item.Supply.Equal(derived)
	if !res.OK {
		res.Type = domain.ProblemSupplyMismatch
	}
	return res, nil
}

// CheckItemByID loads and checks an item. A missing item is reported as
// NOT_FOUND, not as an error.
func (c *Checker) CheckItemByID(ctx context.Context, id string) (CheckResult, error) {
	item, err := c.items.Load(ctx, id)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return CheckResult{ItemID: id, Type: domain.ProblemNotFound, Supply: decimal.Zero, Ownerships: decimal.Zero}, nil
	}
	if err != nil {
		return CheckResult{ItemID: id}, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	return c.CheckItem(ctx, item)
}

func (c *Checker) ownershipSum(ctx context.Context, itemID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	after := ""
	for {
		page, err := c.ownerships.Scan(ctx, storage.ScanQuery{
			Prefix:  domain.OwnershipPrefix(itemID),
			AfterID: after,
			Limit:   ownershipPageSize,
		})
		if err != nil {
			return sum, fmt.Errorf("failed to scan ownerships of %s: %w", itemID, err)
		}
		for _, o := range page {
			if !o.Deleted {
				sum = sum.Add(o.Value)
			}
		}
		if len(page) < ownershipPageSize {
			return sum, nil
		}
		after = page[len(page)-1].ID()
	}
}

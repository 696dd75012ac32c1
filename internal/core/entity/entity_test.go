package entity

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
)

const (
	nftToken = "0x00000000000000000000000000000000000000cc"
	alice    = "0x000000000000000000000000000000000000a11c"
	bob      = "0x0000000000000000000000000000000000000b0b"
)

func nftEvent(kind domain.EventKind, tx string, owner string, value int64, block uint64) domain.ChainEvent {
	ev := domain.ChainEvent{
		TxHash:      tx,
		Address:     nftToken,
		Status:      domain.StatusConfirmed,
		BlockNumber: domain.Uint64Ptr(block),
		Kind:        kind,
		Token:       nftToken,
		TokenID:     "1",
		Owner:       owner,
		Value:       decimal.NewFromInt(value),
	}
	ev.Family = kind.Family()
	ev.EntityID, _ = domain.EntityIDOf(ev)
	return ev
}

func TestItemSupplyAndCreator(t *testing.T) {
	ctx := context.Background()
	r := Items.NewStatusReducer(Settings{Options: reduce.DefaultOptions()})
	item, err := ItemTemplate(domain.ItemID(nftToken, "1"))
	if err != nil {
		t.Fatalf("template failed: %v", err)
	}
	if !item.Deleted {
		t.Error("expected template item to be deleted")
	}

	mint1 := nftEvent(domain.KindItemMint, "0x01", alice, 3, 10)
	mint2 := nftEvent(domain.KindItemMint, "0x02", bob, 2, 11)
	burn := nftEvent(domain.KindItemBurn, "0x03", alice, 5, 12)

	item, err = r.ReduceAll(ctx, item, []domain.ChainEvent{mint1, mint2})
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if item.Supply.String() != "5" || item.Deleted {
		t.Errorf("expected live item with supply 5, got %s deleted=%v", item.Supply, item.Deleted)
	}
	if item.Creator != alice {
		t.Errorf("expected creator %s, got %s", alice, item.Creator)
	}

	item, err = r.Reduce(ctx, item, burn)
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if !item.Supply.IsZero() || !item.Deleted {
		t.Errorf("expected burnt item, got %s deleted=%v", item.Supply, item.Deleted)
	}

	// Reverting the first mint refolds: creator moves to the remaining minter.
	item, err = r.Reduce(ctx, item, mint1.WithStatus(domain.StatusReverted, mint1.BlockNumber))
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if item.Supply.String() != "-3" {
		t.Errorf("expected supply -3 after reverting a mint, got %s", item.Supply)
	}
	if item.Creator != bob {
		t.Errorf("expected creator %s after refold, got %s", bob, item.Creator)
	}
}

func TestOwnershipDeletedFlag(t *testing.T) {
	ctx := context.Background()
	r := Ownerships.NewStatusReducer(Settings{Options: reduce.DefaultOptions()})
	o, err := OwnershipTemplate(domain.OwnershipID(nftToken, "1", alice))
	if err != nil {
		t.Fatalf("template failed: %v", err)
	}

	in := nftEvent(domain.KindOwnershipTransferTo, "0x01", alice, 1, 10)
	out := nftEvent(domain.KindOwnershipTransferFrom, "0x02", alice, 1, 11)

	o, err = r.ReduceAll(ctx, o, []domain.ChainEvent{in, out})
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if !o.Deleted || !o.Value.IsZero() {
		t.Errorf("expected deleted ownership, got value %s deleted=%v", o.Value, o.Deleted)
	}

	o, err = r.Reduce(ctx, o, out.WithStatus(domain.StatusReverted, out.BlockNumber))
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if o.Deleted || o.Value.String() != "1" {
		t.Errorf("expected live ownership after revert, got value %s deleted=%v", o.Value, o.Deleted)
	}
	if o.ID() != domain.OwnershipID(nftToken, "1", alice) || o.ItemID() != domain.ItemID(nftToken, "1") {
		t.Errorf("unexpected ids %s %s", o.ID(), o.ItemID())
	}
}

func TestBusinessRejectsForeignKinds(t *testing.T) {
	ctx := context.Background()
	b := &domain.Balance{Balance: decimal.Zero}
	if _, err := reduceBalance(ctx, b, domain.ChainEvent{Kind: domain.KindItemMint}); err == nil {
		t.Error("expected balance reducer to reject item events")
	}
	o := &domain.Ownership{Value: decimal.Zero}
	if _, err := reduceOwnership(ctx, o, domain.ChainEvent{Kind: domain.KindDeposit}); err == nil {
		t.Error("expected ownership reducer to reject balance events")
	}
	i := &domain.Item{Supply: decimal.Zero}
	if _, err := reduceItem(ctx, i, domain.ChainEvent{Kind: domain.KindOwnershipTransferTo}); err == nil {
		t.Error("expected item reducer to reject ownership events")
	}
}

func TestChangedIgnoresBookkeeping(t *testing.T) {
	before := &domain.Balance{Balance: decimal.NewFromInt(5)}
	after := before.Clone()
	after.LastUpdatedAt = after.LastUpdatedAt.AddDate(0, 0, 1)
	after.RevertableEvents = append(after.RevertableEvents, domain.ChainEvent{TxHash: "0x01"})

	if Balances.Changed(before, after) {
		t.Error("bookkeeping-only changes must not count as changed")
	}
	if Balances.Equal(before, after) {
		t.Error("different histories must not be equal for full reduce")
	}

	after.Balance = decimal.NewFromInt(6)
	if !Balances.Changed(before, after) {
		t.Error("expected balance change to be detected")
	}
}

func TestTemplatesRejectMalformedIDs(t *testing.T) {
	if _, err := BalanceTemplate("nocolon"); err == nil {
		t.Error("expected balance template error")
	}
	if _, err := OwnershipTemplate("a:b"); err == nil {
		t.Error("expected ownership template error")
	}
	if _, err := ItemTemplate("a:b:c"); err == nil {
		t.Error("expected item template error")
	}
}

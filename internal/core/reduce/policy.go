package reduce

import (
	"context"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Clock reports the current chain head.
type Clock interface {
	CurrentBlockHead(ctx context.Context) (uint64, error)
}

// ConfirmPolicy decides when a confirmed event is settled.
type ConfirmPolicy struct {
	ConfirmationBlocks uint64
}

// IsConfirmed reports whether ev is CONFIRMED and buried at least
// ConfirmationBlocks deep under head.
func (p ConfirmPolicy) IsConfirmed(ev domain.ChainEvent, head uint64) bool {
	if ev.Status != domain.StatusConfirmed {
		return false
	}
	return p.deepEnough(ev, head)
}

// IsSettled reports whether ev can no longer change: a confirmed event past
// the confirmation depth, or a revert recorded at least as deep.
func (p ConfirmPolicy) IsSettled(ev domain.ChainEvent, head uint64) bool {
	if ev.Status == domain.StatusReverted {
		return p.deepEnough(ev, head)
	}
	return p.IsConfirmed(ev, head)
}

func (p ConfirmPolicy) deepEnough(ev domain.ChainEvent, head uint64) bool {
	if ev.BlockNumber == nil || head < *ev.BlockNumber {
		return false
	}
	return head-*ev.BlockNumber >= p.ConfirmationBlocks
}

// RevertPolicy decides which events are excluded from active state.
type RevertPolicy struct{}

// IsReverted reports whether ev must not contribute to derived state.
func (RevertPolicy) IsReverted(ev domain.ChainEvent) bool {
	switch ev.Status {
	case domain.StatusReverted, domain.StatusDropped, domain.StatusInactive:
		return true
	}
	return false
}

// IsActive is the complement of IsReverted.
func (p RevertPolicy) IsActive(ev domain.ChainEvent) bool {
	return !p.IsReverted(ev)
}

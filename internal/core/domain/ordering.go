package domain

import (
	"fmt"
	"strings"
)

// Compare orders two events of the same class.
//
// Events with a chain position (CONFIRMED, REVERTED) compare by
// (block, logIndex, minorLogIndex). Events without one (PENDING, INACTIVE,
// DROPPED) compare by (txHash, address, minorLogIndex), which is only a
// deterministic tie-break. Comparing across classes is an error.
func Compare(a, b ChainEvent) (int, error) {
	if a.Status.OnChain() != b.Status.OnChain() {
		return 0, fmt.Errorf("%w: cannot compare %s (%s) with %s (%s)",
			ErrInvalidEventOrdering, a.Key(), a.Status, b.Key(), b.Status)
	}
	if a.Status.OnChain() {
		return compareChain(a, b), nil
	}
	return comparePending(a, b), nil
}

func compareChain(a, b ChainEvent) int {
	switch {
	case a.Block() != b.Block():
		return cmpUint(a.Block(), b.Block())
	case a.LogIndex != b.LogIndex:
		return cmpInt(a.LogIndex, b.LogIndex)
	default:
		return cmpInt(a.MinorLogIndex, b.MinorLogIndex)
	}
}

func comparePending(a, b ChainEvent) int {
	if c := strings.Compare(a.TxHash, b.TxHash); c != 0 {
		return c
	}
	if c := strings.Compare(a.Address, b.Address); c != 0 {
		return c
	}
	return cmpInt(a.MinorLogIndex, b.MinorLogIndex)
}

// SameChainPosition reports whether two on-chain events occupy the same
// (block, logIndex, minorLogIndex) slot.
func SameChainPosition(a, b ChainEvent) bool {
	return a.Status.OnChain() && b.Status.OnChain() && compareChain(a, b) == 0
}

// Less orders events the way an entity history lays them out: on-chain
// records first in chain order, then the rest in tie-break order.
func Less(a, b ChainEvent) bool {
	if a.Status.OnChain() != b.Status.OnChain() {
		return a.Status.OnChain()
	}
	c, _ := Compare(a, b)
	if c != 0 {
		return c < 0
	}
	return a.Key() < b.Key()
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

package emitter

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// FinalityBuffer wraps a Notifier and holds changes until the block that
// produced them is deep enough. Changes without a block pass through.
type FinalityBuffer struct {
	inner         Notifier
	confirmations uint64
	pending       map[uint64][]Change // blockNum -> changes
	mu            sync.Mutex
}

// NewFinalityBuffer creates a new buffer that waits for 'confirmations' blocks before notifying.
func NewFinalityBuffer(inner Notifier, confirmations uint64) *FinalityBuffer {
	return &FinalityBuffer{
		inner:         inner,
		confirmations: confirmations,
		pending:       make(map[uint64][]Change),
	}
}

// OnEntityChanged queues a change. It is NOT sent yet unless no
// confirmations are required or it has no block.
func (f *FinalityBuffer) OnEntityChanged(ctx context.Context, c Change) error {
	if f.confirmations == 0 || c.BlockNumber == nil {
		return f.inner.OnEntityChanged(ctx, c)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	blockNum := *c.BlockNumber
	f.pending[blockNum] = append(f.pending[blockNum], c)
	return nil
}

// OnNewBlock notifies the buffer of the current chain tip and sends every
// change that reached finality, in block order.
func (f *FinalityBuffer) OnNewBlock(ctx context.Context, currentBlock uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if currentBlock < f.confirmations {
		return nil
	}
	safeBlock := currentBlock - f.confirmations

	var ready []uint64
	for blockNum := range f.pending {
		if blockNum <= safeBlock {
			ready = append(ready, blockNum)
		}
	}
	slices.Sort(ready)

	for _, blockNum := range ready {
		for _, c := range f.pending[blockNum] {
			if err := f.inner.OnEntityChanged(ctx, c); err != nil {
				return fmt.Errorf("failed to send finalized changes for block %d: %w", blockNum, err)
			}
		}
		delete(f.pending, blockNum)
	}
	return nil
}

// PendingCount returns the number of pending changes for a block.
func (f *FinalityBuffer) PendingCount(blockNum uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[blockNum])
}

func (f *FinalityBuffer) Close() error {
	return f.inner.Close()
}

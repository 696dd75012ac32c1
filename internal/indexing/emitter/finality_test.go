package emitter

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/reducer/internal/core/domain"
)

// MockNotifier for testing
type MockNotifier struct {
	Changes []Change
	Err     error
}

func (m *MockNotifier) OnEntityChanged(ctx context.Context, c Change) error {
	if m.Err != nil {
		return m.Err
	}
	m.Changes = append(m.Changes, c)
	return nil
}

func (m *MockNotifier) Close() error {
	return nil
}

func TestFinalityBuffer_QueueAndEmit(t *testing.T) {
	mock := &MockNotifier{}
	buffer := NewFinalityBuffer(mock, 10) // 10 confirmations required
	ctx := context.Background()

	buffer.OnEntityChanged(ctx, Change{EntityID: "a", BlockNumber: domain.Uint64Ptr(100)})
	buffer.OnEntityChanged(ctx, Change{EntityID: "b", BlockNumber: domain.Uint64Ptr(101)})

	if count := buffer.PendingCount(100); count != 1 {
		t.Errorf("expected 1 pending change for block 100, got %d", count)
	}

	// New block 105: (105 - 100 = 5) < 10. Should NOT emit.
	buffer.OnNewBlock(ctx, 105)
	if len(mock.Changes) != 0 {
		t.Errorf("expected 0 emitted changes, got %d", len(mock.Changes))
	}

	// New block 110: block 100 is final, block 101 is not.
	buffer.OnNewBlock(ctx, 110)
	if len(mock.Changes) != 1 {
		t.Fatalf("expected 1 emitted change, got %d", len(mock.Changes))
	}
	if mock.Changes[0].EntityID != "a" {
		t.Errorf("expected a to be emitted, got %s", mock.Changes[0].EntityID)
	}
	if count := buffer.PendingCount(101); count != 1 {
		t.Errorf("expected 1 pending for block 101, got %d", count)
	}
}

func TestFinalityBuffer_PendingStatePassesThrough(t *testing.T) {
	mock := &MockNotifier{}
	buffer := NewFinalityBuffer(mock, 10)

	buffer.OnEntityChanged(context.Background(), Change{EntityID: "a"})
	if len(mock.Changes) != 1 {
		t.Errorf("expected change without block to pass through, got %d", len(mock.Changes))
	}
}

func TestFinalityBuffer_ZeroConfirmations(t *testing.T) {
	mock := &MockNotifier{}
	buffer := NewFinalityBuffer(mock, 0)

	buffer.OnEntityChanged(context.Background(), Change{BlockNumber: domain.Uint64Ptr(100)})
	if len(mock.Changes) != 1 {
		t.Errorf("expected 1 emitted change immediately, got %d", len(mock.Changes))
	}
}

func TestFinalityBuffer_EmitsInBlockOrder(t *testing.T) {
	mock := &MockNotifier{}
	buffer := NewFinalityBuffer(mock, 5)
	ctx := context.Background()

	for _, b := range []uint64{102, 100, 101} {
		buffer.OnEntityChanged(ctx, Change{BlockNumber: domain.Uint64Ptr(b)})
	}
	buffer.OnNewBlock(ctx, 200)

	if len(mock.Changes) != 3 {
		t.Fatalf("expected 3 emitted changes, got %d", len(mock.Changes))
	}
	for i, want := range []uint64{100, 101, 102} {
		if *mock.Changes[i].BlockNumber != want {
			t.Errorf("change %d: expected block %d, got %d", i, want, *mock.Changes[i].BlockNumber)
		}
	}
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	ok := &MockNotifier{}
	failing := &MockNotifier{Err: errors.New("boom")}
	multi := MultiNotifier{failing, ok}

	err := multi.OnEntityChanged(context.Background(), Change{EntityID: "a"})
	if err == nil {
		t.Error("expected joined error")
	}
	if len(ok.Changes) != 1 {
		t.Error("expected healthy notifier to still receive the change")
	}
}

package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/infra/storage/memory"
)

// =============================================================================
// Mock Reducer
// =============================================================================

type mockFull struct {
	family domain.Family
	err    error
	calls  []string
}

func (m *mockFull) Family() domain.Family { return m.family }

func (m *mockFull) Reduce(ctx context.Context, id string) (reducer.Result, error) {
	m.calls = append(m.calls, id)
	return reducer.Result{EntityID: id, Written: m.err == nil}, m.err
}

func (m *mockFull) Rewrite(ctx context.Context, id string) (reducer.Result, error) {
	return m.Reduce(ctx, id)
}

func (m *mockFull) ReduceAll(ctx context.Context, from, prefix string) (reducer.Stats, error) {
	return reducer.Stats{}, nil
}

func (m *mockFull) StoredIDs(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	return nil, nil
}

func newQueue(t *testing.T, records ...*domain.FailedReduce) *memory.FailedReduceRepo {
	t.Helper()
	repo := memory.NewFailedReduceRepo(memory.NewMemoryStorage())
	for _, r := range records {
		if err := repo.Add(context.Background(), r); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	return repo
}

func failedBalance(id string, lastAttempt time.Time) *domain.FailedReduce {
	return &domain.FailedReduce{
		ID:          id,
		Family:      domain.FamilyBalance,
		EntityID:    "0xtoken:0xowner",
		FailureType: domain.FailureTypeConflict,
		LastAttempt: lastAttempt,
		CreatedAt:   lastAttempt,
	}
}

// =============================================================================
// Strategy Tests
// =============================================================================

func TestBackoff_Delay(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.InitialDelay = 1 * time.Second
	strategy.MaxDelay = 10 * time.Second

	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 2: 4 * time.Second, 10: 10 * time.Second}
	for attempt, want := range cases {
		if d := strategy.GetDelay(attempt); d != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, d)
		}
	}
}

func TestBackoff_ShouldRetry(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.MaxAttempts = 3

	if !strategy.ShouldRetry(errors.New("err"), 0) {
		t.Error("should retry attempt 0")
	}
	if !strategy.ShouldRetry(domain.ErrConcurrencyConflict, 2) {
		t.Error("should retry attempt 2")
	}
	if strategy.ShouldRetry(errors.New("err"), 3) {
		t.Error("should NOT retry attempt 3 (max reached)")
	}
	ordering := fmt.Errorf("failed to reduce: %w", domain.ErrInvalidEventOrdering)
	if strategy.ShouldRetry(ordering, 0) {
		t.Error("should NOT retry a permanent failure")
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestHandler_ProcessNext_Success(t *testing.T) {
	repo := newQueue(t, failedBalance("fail-1", time.Now().Add(-time.Hour)))
	full := &mockFull{family: domain.FamilyBalance}
	handler := NewHandler(repo, []reducer.FullReducer{full}, DefaultBackoff(nil))

	processed, err := handler.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if !processed || len(full.calls) != 1 {
		t.Fatal("expected one full reduce")
	}
	if n, _ := repo.Count(context.Background()); n != 0 {
		t.Error("expected record to be removed after success")
	}
}

func TestHandler_ProcessNext_Wait(t *testing.T) {
	repo := newQueue(t, failedBalance("fail-1", time.Now()))
	full := &mockFull{family: domain.FamilyBalance}
	handler := NewHandler(repo, []reducer.FullReducer{full}, DefaultBackoff(nil))

	// Initial delay is 2s, so the record is not ready yet.
	processed, err := handler.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if processed || len(full.calls) != 0 {
		t.Error("should NOT have reduced (too early)")
	}
}

func TestHandler_ProcessNext_FailAndIncrement(t *testing.T) {
	repo := newQueue(t, failedBalance("fail-1", time.Now().Add(-time.Hour)))
	full := &mockFull{family: domain.FamilyBalance, err: domain.ErrConcurrencyConflict}
	handler := NewHandler(repo, []reducer.FullReducer{full}, DefaultBackoff(nil))

	if _, err := handler.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	all, _ := repo.GetAll(context.Background())
	if len(all) != 1 {
		t.Fatal("record should stay in queue")
	}
	if all[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", all[0].RetryCount)
	}
}

func TestHandler_ProcessNext_GivesUpOnPermanentFailure(t *testing.T) {
	repo := newQueue(t, failedBalance("fail-1", time.Now().Add(-time.Hour)))
	full := &mockFull{family: domain.FamilyBalance, err: domain.ErrInvalidEventOrdering}
	handler := NewHandler(repo, []reducer.FullReducer{full}, DefaultBackoff(nil))

	if _, err := handler.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if n, _ := repo.Count(context.Background()); n != 0 {
		t.Error("permanent failures must leave the queue")
	}
}

func TestHandler_ProcessNext_UnknownFamily(t *testing.T) {
	rec := failedBalance("fail-1", time.Now().Add(-time.Hour))
	rec.Family = domain.FamilyItem
	repo := newQueue(t, rec)
	handler := NewHandler(repo, []reducer.FullReducer{&mockFull{family: domain.FamilyBalance}}, DefaultBackoff(nil))

	processed, err := handler.ProcessNext(context.Background())
	if err != nil || !processed {
		t.Fatalf("expected record to be dropped, got processed=%v err=%v", processed, err)
	}
	if n, _ := repo.Count(context.Background()); n != 0 {
		t.Error("record without a reducer must leave the queue")
	}
}

package reduce_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/entity"
	"github.com/vietddude/reducer/internal/core/reduce"
)

const (
	testToken = "0x00000000000000000000000000000000000000aa"
	testOwner = "0x00000000000000000000000000000000000000bb"
)

type fixedClock struct{ head uint64 }

func (c *fixedClock) CurrentBlockHead(context.Context) (uint64, error) { return c.head, nil }

func balanceEvent(kind domain.EventKind, tx string, value int64, status domain.EventStatus, block uint64) domain.ChainEvent {
	ev := domain.ChainEvent{
		Family:   domain.FamilyBalance,
		EntityID: domain.BalanceID(testToken, testOwner),
		TxHash:   tx,
		Address:  testToken,
		Status:   status,
		Kind:     kind,
		Token:    testToken,
		Owner:    testOwner,
		Value:    decimal.NewFromInt(value),
	}
	if status.OnChain() {
		ev.BlockNumber = domain.Uint64Ptr(block)
		ev.Timestamp = time.Unix(int64(block)*12, 0).UTC()
	}
	return ev
}

type StatusReducerSuite struct {
	suite.Suite
	ctx     context.Context
	reducer *reduce.StatusReducer[*domain.Balance]
}

func (s *StatusReducerSuite) SetupTest() {
	s.ctx = context.Background()
	s.reducer = entity.Balances.NewStatusReducer(entity.Settings{
		Confirm: reduce.ConfirmPolicy{ConfirmationBlocks: 12},
		Options: reduce.DefaultOptions(),
	})
}

func (s *StatusReducerSuite) template() *domain.Balance {
	b, err := entity.BalanceTemplate(domain.BalanceID(testToken, testOwner))
	s.Require().NoError(err)
	return b
}

func (s *StatusReducerSuite) reduceAll(events ...domain.ChainEvent) *domain.Balance {
	b, err := s.reducer.ReduceAll(s.ctx, s.template(), events)
	s.Require().NoError(err)
	return b
}

func (s *StatusReducerSuite) TestPendingThenConfirmedIsDeduplicated() {
	pending := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusPending, 0)
	b := s.reduceAll(pending)
	s.Equal("5", b.Balance.String())
	s.Len(b.RevertableEvents, 1)
	s.Nil(b.BlockNumber)

	confirmed := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	b, err := s.reducer.Reduce(s.ctx, b, confirmed)
	s.Require().NoError(err)
	s.Equal("5", b.Balance.String())
	s.Len(b.RevertableEvents, 1)
	s.Equal(domain.StatusConfirmed, b.RevertableEvents[0].Status)
	s.Require().NotNil(b.BlockNumber)
	s.Equal(uint64(100), *b.BlockNumber)
}

func (s *StatusReducerSuite) TestRevertOutcomeRecomputes() {
	income := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	outcome := balanceEvent(domain.KindOutcomeTransfer, "0x02", 5, domain.StatusConfirmed, 101)

	for _, fast := range []bool{true, false} {
		opts := reduce.DefaultOptions()
		opts.FastRevert = fast
		s.reducer = entity.Balances.NewStatusReducer(entity.Settings{Options: opts})

		b := s.reduceAll(income, outcome)
		s.True(b.Balance.IsZero(), "fast=%v", fast)

		b = s.reduceAll(income, outcome, outcome.WithStatus(domain.StatusReverted, outcome.BlockNumber))
		s.Equal("5", b.Balance.String(), "fast=%v", fast)
		s.Equal(uint64(100), *b.BlockNumber, "fast=%v", fast)
		s.Equal(income.Timestamp, b.LastUpdatedAt, "fast=%v", fast)
	}
}

func (s *StatusReducerSuite) TestRedeliveryIsNoop() {
	ev := balanceEvent(domain.KindIncomeTransfer, "0x01", 7, domain.StatusConfirmed, 100)
	once := s.reduceAll(ev)
	twice, err := s.reducer.Reduce(s.ctx, once, ev)
	s.Require().NoError(err)
	s.Equal(once, twice)
}

func (s *StatusReducerSuite) TestRevertRoundTrip() {
	ev1 := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	ev2 := balanceEvent(domain.KindIncomeTransfer, "0x02", 3, domain.StatusConfirmed, 101)

	want := s.reduceAll(ev1, ev2)
	got := s.reduceAll(ev1, ev2, ev2.WithStatus(domain.StatusReverted, ev2.BlockNumber), ev2)
	s.Equal(want, got)
}

func (s *StatusReducerSuite) TestDuplicateChainSlotFails() {
	ev1 := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	ev2 := balanceEvent(domain.KindIncomeTransfer, "0x02", 5, domain.StatusConfirmed, 100)

	b := s.reduceAll(ev1)
	_, err := s.reducer.Reduce(s.ctx, b, ev2)
	s.True(errors.Is(err, domain.ErrInvalidEventOrdering), "got %v", err)
}

func (s *StatusReducerSuite) TestOutOfOrderDeliveryIsSorted() {
	late := balanceEvent(domain.KindIncomeTransfer, "0x02", 2, domain.StatusConfirmed, 101)
	early := balanceEvent(domain.KindOutcomeTransfer, "0x01", 1, domain.StatusConfirmed, 100)

	b := s.reduceAll(late, early)
	s.Equal("1", b.Balance.String())
	s.Equal("0x01", b.RevertableEvents[0].TxHash)
	s.Equal("0x02", b.RevertableEvents[1].TxHash)
	s.Equal(uint64(101), *b.BlockNumber)
}

func (s *StatusReducerSuite) TestRevertUnknownKeepsDerivedState() {
	ev := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	b := s.reduceAll(ev)

	unknown := balanceEvent(domain.KindIncomeTransfer, "0x09", 5, domain.StatusReverted, 99)
	got, err := s.reducer.Reduce(s.ctx, b, unknown)
	s.Require().NoError(err)
	s.Equal("5", got.Balance.String())
	s.Equal(uint64(100), *got.BlockNumber)
	s.Require().Len(got.RevertableEvents, 2)
	s.Equal("0x09", got.RevertableEvents[0].TxHash)
	s.Equal(domain.StatusReverted, got.RevertableEvents[0].Status)

	s.reducer = entity.Balances.NewStatusReducer(entity.Settings{Options: reduce.Options{}})
	got, err = s.reducer.Reduce(s.ctx, b, unknown)
	s.Require().NoError(err)
	s.Equal(b, got)
}

func (s *StatusReducerSuite) TestRefoldOfRevertedHistoryMatchesIncremental() {
	first := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	second := balanceEvent(domain.KindIncomeTransfer, "0x02", 7, domain.StatusConfirmed, 101)
	reverted := second.WithStatus(domain.StatusReverted, second.BlockNumber)

	incremental := s.reduceAll(first, second, reverted)
	// The stored history only keeps the latest status of each record.
	refolded := s.reduceAll(first, reverted)

	s.Equal("5", refolded.Balance.String())
	s.Equal(incremental.Balance.String(), refolded.Balance.String())
	s.Equal(incremental.RevertableEvents, refolded.RevertableEvents)
	s.Equal(incremental.BlockNumber, refolded.BlockNumber)
}

func (s *StatusReducerSuite) TestRevertedRecordRetention() {
	ev := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	reverted := ev.WithStatus(domain.StatusReverted, ev.BlockNumber)

	b := s.reduceAll(ev, reverted)
	s.True(b.Balance.IsZero())
	s.Require().Len(b.RevertableEvents, 1)
	s.Equal(domain.StatusReverted, b.RevertableEvents[0].Status)
	s.Nil(b.BlockNumber)

	s.reducer = entity.Balances.NewStatusReducer(entity.Settings{Options: reduce.Options{}})
	b = s.reduceAll(ev, reverted)
	s.True(b.Balance.IsZero())
	s.Empty(b.RevertableEvents)
}

func (s *StatusReducerSuite) TestStalePendingAfterConfirmationIsIgnored() {
	pending := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusPending, 0)
	confirmed := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	dropped := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusDropped, 0)

	b := s.reduceAll(pending, confirmed, pending, dropped)
	s.Equal("5", b.Balance.String())
	s.Require().Len(b.RevertableEvents, 1)
	s.Equal(domain.StatusConfirmed, b.RevertableEvents[0].Status)
}

func (s *StatusReducerSuite) TestDroppedPendingIsRemovedFromState() {
	pending := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusPending, 0)
	dropped := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusDropped, 0)

	b := s.reduceAll(pending, dropped)
	s.True(b.Balance.IsZero())
	s.Require().Len(b.RevertableEvents, 1)
	s.Equal(domain.StatusDropped, b.RevertableEvents[0].Status)
}

func (s *StatusReducerSuite) TestInputIsNotMutated() {
	ev1 := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	b := s.reduceAll(ev1)
	before := b.Clone()

	_, err := s.reducer.Reduce(s.ctx, b, balanceEvent(domain.KindDeposit, "0x02", 1, domain.StatusConfirmed, 101))
	s.Require().NoError(err)
	_, err = s.reducer.Reduce(s.ctx, b, ev1.WithStatus(domain.StatusReverted, ev1.BlockNumber))
	s.Require().NoError(err)
	s.Equal(before, b)
}

func (s *StatusReducerSuite) TestEventForAnotherEntityFails() {
	ev := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	ev.EntityID = domain.BalanceID(testToken, "0xcc")
	_, err := s.reducer.Reduce(s.ctx, s.template(), ev)
	s.True(errors.Is(err, domain.ErrInvalidEvent), "got %v", err)
}

func (s *StatusReducerSuite) TestCompactionFoldsSettledPrefix() {
	clock := &fixedClock{head: 100}
	opts := reduce.DefaultOptions()
	opts.CompactSettled = true
	s.reducer = entity.Balances.NewStatusReducer(entity.Settings{
		Confirm: reduce.ConfirmPolicy{ConfirmationBlocks: 2},
		Clock:   clock,
		Options: opts,
	})

	ev1 := balanceEvent(domain.KindIncomeTransfer, "0x01", 5, domain.StatusConfirmed, 100)
	ev2 := balanceEvent(domain.KindIncomeTransfer, "0x02", 3, domain.StatusConfirmed, 101)
	b := s.reduceAll(ev1, ev2)
	s.Len(b.RevertableEvents, 2)
	s.False(b.HasCheckpoint())

	clock.head = 103
	ev3 := balanceEvent(domain.KindIncomeTransfer, "0x03", 1, domain.StatusConfirmed, 102)
	b, err := s.reducer.Reduce(s.ctx, b, ev3)
	s.Require().NoError(err)
	s.Equal("9", b.Balance.String())
	s.Require().True(b.HasCheckpoint())
	s.Equal("8", b.Checkpoint().Balance.String())
	s.Require().Len(b.RevertableEvents, 1)
	s.Equal("0x03", b.RevertableEvents[0].TxHash)
	s.Equal(uint64(101), b.SettledThrough.BlockNumber)

	// Redelivery and deep reverts below the checkpoint leave state untouched.
	again, err := s.reducer.Reduce(s.ctx, b, ev1)
	s.Require().NoError(err)
	s.Equal(b, again)
	again, err = s.reducer.Reduce(s.ctx, b, ev1.WithStatus(domain.StatusReverted, ev1.BlockNumber))
	s.Require().NoError(err)
	s.Equal(b, again)

	// Reverting the unsettled tail recomputes from the checkpoint.
	b, err = s.reducer.Reduce(s.ctx, b, ev3.WithStatus(domain.StatusReverted, ev3.BlockNumber))
	s.Require().NoError(err)
	s.Equal("8", b.Balance.String())
	s.Equal(uint64(101), *b.BlockNumber)
	s.Equal(ev2.Timestamp, b.LastUpdatedAt)
}

func TestStatusReducerSuite(t *testing.T) {
	suite.Run(t, new(StatusReducerSuite))
}

// TestFastRevertMatchesRecompute replays random histories with and without
// the inverse fast path and expects identical entities.
func TestFastRevertMatchesRecompute(t *testing.T) {
	ctx := context.Background()
	fastOpts := reduce.DefaultOptions()
	slowOpts := reduce.DefaultOptions()
	slowOpts.FastRevert = false
	fast := entity.Balances.NewStatusReducer(entity.Settings{Options: fastOpts})
	slow := entity.Balances.NewStatusReducer(entity.Settings{Options: slowOpts})

	kinds := []domain.EventKind{
		domain.KindIncomeTransfer, domain.KindOutcomeTransfer,
		domain.KindDeposit, domain.KindWithdrawal, domain.KindApproval,
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var applied []domain.ChainEvent
		var stream []domain.ChainEvent
		for i := 0; i < 20; i++ {
			if len(applied) > 0 && rng.Intn(4) == 0 {
				victim := applied[rng.Intn(len(applied))]
				stream = append(stream, victim.WithStatus(domain.StatusReverted, victim.BlockNumber))
				continue
			}
			ev := balanceEvent(kinds[rng.Intn(len(kinds))], fmt.Sprintf("0x%02d%02d", round, i),
				int64(rng.Intn(100)+1), domain.StatusConfirmed, uint64(100+i))
			applied = append(applied, ev)
			stream = append(stream, ev)
		}

		id := domain.BalanceID(testToken, testOwner)
		start, _ := entity.BalanceTemplate(id)
		a, err := fast.ReduceAll(ctx, start, stream)
		if err != nil {
			t.Fatalf("round %d fast path failed: %v", round, err)
		}
		b, err := slow.ReduceAll(ctx, start, stream)
		if err != nil {
			t.Fatalf("round %d full recompute failed: %v", round, err)
		}
		if !a.Balance.Equal(b.Balance) {
			t.Fatalf("round %d: fast path balance %s, recompute %s", round, a.Balance, b.Balance)
		}
		if len(a.RevertableEvents) != len(b.RevertableEvents) {
			t.Fatalf("round %d: history length differs", round)
		}
		if (a.BlockNumber == nil) != (b.BlockNumber == nil) ||
			(a.BlockNumber != nil && *a.BlockNumber != *b.BlockNumber) {
			t.Fatalf("round %d: block number differs", round)
		}
	}
}

func TestChainRunsInOrder(t *testing.T) {
	var calls []string
	step := func(name string) reduce.Reducer[*domain.Balance] {
		return func(_ context.Context, b *domain.Balance, _ domain.ChainEvent) (*domain.Balance, error) {
			calls = append(calls, name)
			return b, nil
		}
	}
	failing := func(_ context.Context, b *domain.Balance, _ domain.ChainEvent) (*domain.Balance, error) {
		return b, errors.New("boom")
	}

	chain := reduce.Chain(step("logging"), step("metrics"), step("business"))
	if _, err := chain(context.Background(), &domain.Balance{}, domain.ChainEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(calls) != "[logging metrics business]" {
		t.Errorf("unexpected order %v", calls)
	}

	calls = nil
	chain = reduce.Chain(step("first"), failing, step("never"))
	if _, err := chain(context.Background(), &domain.Balance{}, domain.ChainEvent{}); err == nil {
		t.Fatal("expected error")
	}
	if fmt.Sprint(calls) != "[first]" {
		t.Errorf("expected chain to stop at the failure, got %v", calls)
	}
}

package entity

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Balances is the model of fungible token balances.
var Balances = Model[*domain.Balance]{
	Family:     domain.FamilyBalance,
	Template:   BalanceTemplate,
	Business:   reduceBalance,
	Inverse:    invertBalance,
	Invertible: func(k domain.EventKind) bool { return k.Family() == domain.FamilyBalance },
	Changed: func(before, after *domain.Balance) bool {
		return !before.Balance.Equal(after.Balance)
	},
	Equal: func(stored, computed *domain.Balance) bool {
		return stored.Balance.Equal(computed.Balance) && sameHistory(&stored.Base, &computed.Base)
	},
}

func BalanceTemplate(id string) (*domain.Balance, error) {
	token, owner, err := domain.ParseBalanceID(id)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{Token: token, Owner: owner, Balance: decimal.Zero}, nil
}

func reduceBalance(_ context.Context, b *domain.Balance, ev domain.ChainEvent) (*domain.Balance, error) {
	delta, err := balanceDelta(ev)
	if err != nil {
		return b, err
	}
	b.Balance = b.Balance.Add(delta)
	return b, nil
}

func invertBalance(_ context.Context, b *domain.Balance, ev domain.ChainEvent) (*domain.Balance, error) {
	delta, err := balanceDelta(ev)
	if err != nil {
		return b, err
	}
	b.Balance = b.Balance.Sub(delta)
	return b, nil
}

func balanceDelta(ev domain.ChainEvent) (decimal.Decimal, error) {
	switch ev.Kind {
	case domain.KindIncomeTransfer, domain.KindDeposit:
		return ev.Value, nil
	case domain.KindOutcomeTransfer, domain.KindWithdrawal:
		return ev.Value.Neg(), nil
	case domain.KindApproval:
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("%w: kind %s does not apply to balances", domain.ErrInvalidEvent, ev.Kind)
}

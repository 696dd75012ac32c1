package entity

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Ownerships is the model of per-owner NFT holdings.
var Ownerships = Model[*domain.Ownership]{
	Family:     domain.FamilyOwnership,
	Template:   OwnershipTemplate,
	Business:   reduceOwnership,
	Inverse:    invertOwnership,
	Invertible: func(k domain.EventKind) bool { return k.Family() == domain.FamilyOwnership },
	Changed: func(before, after *domain.Ownership) bool {
		return !before.Value.Equal(after.Value) || before.Deleted != after.Deleted
	},
	Equal: func(stored, computed *domain.Ownership) bool {
		return stored.Value.Equal(computed.Value) &&
			stored.Deleted == computed.Deleted &&
			sameHistory(&stored.Base, &computed.Base)
	},
}

func OwnershipTemplate(id string) (*domain.Ownership, error) {
	token, tokenID, owner, err := domain.ParseOwnershipID(id)
	if err != nil {
		return nil, err
	}
	return &domain.Ownership{Token: token, TokenID: tokenID, Owner: owner, Value: decimal.Zero, Deleted: true}, nil
}

func reduceOwnership(_ context.Context, o *domain.Ownership, ev domain.ChainEvent) (*domain.Ownership, error) {
	delta, err := ownershipDelta(ev)
	if err != nil {
		return o, err
	}
	o.Value = o.Value.Add(delta)
	o.Deleted = !o.Value.IsPositive()
	return o, nil
}

func invertOwnership(_ context.Context, o *domain.Ownership, ev domain.ChainEvent) (*domain.Ownership, error) {
	delta, err := ownershipDelta(ev)
	if err != nil {
		return o, err
	}
	o.Value = o.Value.Sub(delta)
	o.Deleted = !o.Value.IsPositive()
	return o, nil
}

func ownershipDelta(ev domain.ChainEvent) (decimal.Decimal, error) {
	switch ev.Kind {
	case domain.KindOwnershipTransferTo:
		return ev.Value, nil
	case domain.KindOwnershipTransferFrom:
		return ev.Value.Neg(), nil
	}
	return decimal.Zero, fmt.Errorf("%w: kind %s does not apply to ownerships", domain.ErrInvalidEvent, ev.Kind)
}

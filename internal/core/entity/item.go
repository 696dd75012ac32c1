package entity

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Items is the model of NFT items and their supply. Mints record the
// creator, so item events have no exact inverse and always refold.
var Items = Model[*domain.Item]{
	Family:   domain.FamilyItem,
	Template: ItemTemplate,
	Business: reduceItem,
	Changed: func(before, after *domain.Item) bool {
		return !before.Supply.Equal(after.Supply) || before.Deleted != after.Deleted
	},
	Equal: func(stored, computed *domain.Item) bool {
		return stored.Supply.Equal(computed.Supply) &&
			stored.Deleted == computed.Deleted &&
			stored.Creator == computed.Creator &&
			sameHistory(&stored.Base, &computed.Base)
	},
}

func ItemTemplate(id string) (*domain.Item, error) {
	token, tokenID, err := domain.ParseItemID(id)
	if err != nil {
		return nil, err
	}
	return &domain.Item{Token: token, TokenID: tokenID, Supply: decimal.Zero, Deleted: true}, nil
}

func reduceItem(_ context.Context, i *domain.Item, ev domain.ChainEvent) (*domain.Item, error) {
	switch ev.Kind {
	case domain.KindItemMint:
		i.Supply = i.Supply.Add(ev.Value)
		if i.Creator == "" {
			i.Creator = ev.Owner
		}
	case domain.KindItemBurn:
		i.Supply = i.Supply.Sub(ev.Value)
	default:
		return i, fmt.Errorf("%w: kind %s does not apply to items", domain.ErrInvalidEvent, ev.Kind)
	}
	i.Deleted = !i.Supply.IsPositive()
	return i, nil
}

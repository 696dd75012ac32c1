package domain

import (
	"fmt"
	"strings"
)

// Entity ids are derived from immutable fields and never stored inside the
// entity body. Addresses are normalised to lower case.

func BalanceID(token, owner string) string {
	return strings.ToLower(token) + ":" + strings.ToLower(owner)
}

func ItemID(token, tokenID string) string {
	return strings.ToLower(token) + ":" + tokenID
}

func OwnershipID(token, tokenID, owner string) string {
	return ItemID(token, tokenID) + ":" + strings.ToLower(owner)
}

// OwnershipPrefix is the id prefix shared by all ownerships of an item.
func OwnershipPrefix(itemID string) string {
	return itemID + ":"
}

func ParseBalanceID(id string) (token, owner string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid balance id %q", id)
	}
	return parts[0], parts[1], nil
}

func ParseItemID(id string) (token, tokenID string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid item id %q", id)
	}
	return parts[0], parts[1], nil
}

func ParseOwnershipID(id string) (token, tokenID, owner string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid ownership id %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// EntityIDOf derives the id of the entity an event affects.
func EntityIDOf(e ChainEvent) (string, bool) {
	switch e.Kind.Family() {
	case FamilyBalance:
		return BalanceID(e.Token, e.Owner), true
	case FamilyOwnership:
		return OwnershipID(e.Token, e.TokenID, e.Owner), true
	case FamilyItem:
		return ItemID(e.Token, e.TokenID), true
	}
	return "", false
}

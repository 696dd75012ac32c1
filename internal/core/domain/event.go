package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the settlement status of a chain event as reported by the log source.
type EventStatus string

const (
	StatusPending   EventStatus = "PENDING"
	StatusConfirmed EventStatus = "CONFIRMED"
	StatusReverted  EventStatus = "REVERTED"
	StatusInactive  EventStatus = "INACTIVE"
	StatusDropped   EventStatus = "DROPPED"
)

// OnChain reports whether events with this status carry a durable chain position.
func (s EventStatus) OnChain() bool {
	return s == StatusConfirmed || s == StatusReverted
}

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusReverted, StatusInactive, StatusDropped:
		return true
	}
	return false
}

// Family groups event kinds by the entity type they affect.
type Family string

const (
	FamilyBalance   Family = "balance"
	FamilyOwnership Family = "ownership"
	FamilyItem      Family = "item"
)

// EventKind discriminates the payload of a ChainEvent.
type EventKind string

const (
	KindIncomeTransfer  EventKind = "INCOME_TRANSFER"
	KindOutcomeTransfer EventKind = "OUTCOME_TRANSFER"
	KindDeposit         EventKind = "DEPOSIT"
	KindWithdrawal      EventKind = "WITHDRAWAL"
	KindApproval        EventKind = "APPROVAL"

	KindOwnershipTransferTo   EventKind = "OWNERSHIP_TRANSFER_TO"
	KindOwnershipTransferFrom EventKind = "OWNERSHIP_TRANSFER_FROM"

	KindItemMint EventKind = "ITEM_MINT"
	KindItemBurn EventKind = "ITEM_BURN"
)

// Family returns the entity family affected by events of this kind.
func (k EventKind) Family() Family {
	switch k {
	case KindIncomeTransfer, KindOutcomeTransfer, KindDeposit, KindWithdrawal, KindApproval:
		return FamilyBalance
	case KindOwnershipTransferTo, KindOwnershipTransferFrom:
		return FamilyOwnership
	case KindItemMint, KindItemBurn:
		return FamilyItem
	}
	return ""
}

// ChainEvent is one logical effect of a blockchain log on a single entity.
type ChainEvent struct {
	Family   Family `json:"family"    bson:"family"`
	EntityID string `json:"entity_id" bson:"entity_id"`

	TxHash        string  `json:"tx_hash"                bson:"tx_hash"`
	Address       string  `json:"address"                bson:"address"`
	LogIndex      int     `json:"log_index"              bson:"log_index"`
	MinorLogIndex int     `json:"minor_log_index"        bson:"minor_log_index"`
	BlockNumber   *uint64 `json:"block_number,omitempty" bson:"block_number,omitempty"`

	Status    EventStatus `json:"status"    bson:"status"`
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`

	Kind    EventKind       `json:"kind"               bson:"kind"`
	Token   string          `json:"token"              bson:"token"`
	TokenID string          `json:"token_id,omitempty" bson:"token_id,omitempty"`
	Owner   string          `json:"owner"              bson:"owner"`
	Value   decimal.Decimal `json:"value"              bson:"value"`
}

// Key identifies the source coordinates of the event. Two deliveries of the
// same logical event share a key regardless of status.
func (e ChainEvent) Key() string {
	return fmt.Sprintf("%s:%d:%d", e.TxHash, e.LogIndex, e.MinorLogIndex)
}

// Coordinates renders the event position for logs.
func (e ChainEvent) Coordinates() string {
	if e.BlockNumber != nil {
		return fmt.Sprintf("%s:%d:%d@%d", e.TxHash, e.LogIndex, e.MinorLogIndex, *e.BlockNumber)
	}
	return e.Key()
}

// Block returns the block number or 0 when absent.
func (e ChainEvent) Block() uint64 {
	if e.BlockNumber == nil {
		return 0
	}
	return *e.BlockNumber
}

// WithStatus returns a copy of the event with a different status and block.
func (e ChainEvent) WithStatus(status EventStatus, block *uint64) ChainEvent {
	e.Status = status
	if block != nil {
		b := *block
		e.BlockNumber = &b
	} else {
		e.BlockNumber = nil
	}
	return e
}

// Validate checks the structural invariants of a single event.
func (e ChainEvent) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q for %s", ErrInvalidEvent, e.Status, e.Key())
	}
	if e.Status.OnChain() != (e.BlockNumber != nil) {
		return fmt.Errorf("%w: block number presence does not match status %s for %s", ErrInvalidEvent, e.Status, e.Key())
	}
	if e.Kind.Family() == "" {
		return fmt.Errorf("%w: unknown kind %q for %s", ErrInvalidEvent, e.Kind, e.Key())
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: empty entity id for %s", ErrInvalidEvent, e.Key())
	}
	return nil
}

// Uint64Ptr is a small helper for optional block numbers.
func Uint64Ptr(v uint64) *uint64 {
	return &v
}

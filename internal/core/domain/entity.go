package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ChainPosition is the (block, logIndex, minorLogIndex) slot of an on-chain event.
type ChainPosition struct {
	BlockNumber   uint64 `json:"block_number"    bson:"block_number"`
	LogIndex      int    `json:"log_index"       bson:"log_index"`
	MinorLogIndex int    `json:"minor_log_index" bson:"minor_log_index"`
}

// PositionOf returns the chain position of an on-chain event.
func PositionOf(e ChainEvent) ChainPosition {
	return ChainPosition{BlockNumber: e.Block(), LogIndex: e.LogIndex, MinorLogIndex: e.MinorLogIndex}
}

// Covers reports whether the on-chain event sits at or before p.
func (p ChainPosition) Covers(e ChainEvent) bool {
	if !e.Status.OnChain() {
		return false
	}
	return compareChain(e, ChainEvent{
		Status:        StatusConfirmed,
		BlockNumber:   Uint64Ptr(p.BlockNumber),
		LogIndex:      p.LogIndex,
		MinorLogIndex: p.MinorLogIndex,
	}) <= 0
}

// Base carries the bookkeeping shared by every event-sourced entity.
type Base struct {
	// Version is the optimistic concurrency token, nil until first persisted.
	Version *int64 `json:"version,omitempty" bson:"-"`

	// RevertableEvents is the replay log the derived fields are folded from.
	RevertableEvents []ChainEvent `json:"revertable_events" bson:"revertable_events"`

	// SettledThrough is the position of the last event folded into the
	// checkpoint. Nil when nothing has been compacted.
	SettledThrough *ChainPosition `json:"settled_through,omitempty" bson:"settled_through,omitempty"`

	LastUpdatedAt time.Time `json:"last_updated_at"        bson:"last_updated_at"`
	BlockNumber   *uint64   `json:"block_number,omitempty" bson:"block_number,omitempty"`
}

// Meta returns the embedded base; it lets generic code reach the bookkeeping fields.
func (b *Base) Meta() *Base { return b }

func (b Base) clone() Base {
	out := b
	out.RevertableEvents = slices.Clone(b.RevertableEvents)
	if b.Version != nil {
		v := *b.Version
		out.Version = &v
	}
	if b.SettledThrough != nil {
		p := *b.SettledThrough
		out.SettledThrough = &p
	}
	if b.BlockNumber != nil {
		n := *b.BlockNumber
		out.BlockNumber = &n
	}
	return out
}

// ActiveEvents returns the records currently contributing to derived state.
func (b *Base) ActiveEvents() []ChainEvent {
	out := make([]ChainEvent, 0, len(b.RevertableEvents))
	for _, ev := range b.RevertableEvents {
		if ev.Status == StatusPending || ev.Status == StatusConfirmed {
			out = append(out, ev)
		}
	}
	return out
}

// Balance is the fungible token balance of one owner.
type Balance struct {
	Base `bson:",inline"`

	Token   string          `json:"token"   bson:"token"`
	Owner   string          `json:"owner"   bson:"owner"`
	Balance decimal.Decimal `json:"balance" bson:"balance"`

	Settled *Balance `json:"settled,omitempty" bson:"settled,omitempty"`
}

func (b *Balance) ID() string { return BalanceID(b.Token, b.Owner) }

func (b *Balance) Clone() *Balance {
	out := *b
	out.Base = b.Base.clone()
	if b.Settled != nil {
		out.Settled = b.Settled.Clone()
	}
	return &out
}

func (b *Balance) Checkpoint() *Balance     { return b.Settled }
func (b *Balance) HasCheckpoint() bool      { return b.Settled != nil }
func (b *Balance) SetCheckpoint(s *Balance) { b.Settled = s }

// Ownership is the amount of one NFT held by one owner.
type Ownership struct {
	Base `bson:",inline"`

	Token   string          `json:"token"    bson:"token"`
	TokenID string          `json:"token_id" bson:"token_id"`
	Owner   string          `json:"owner"    bson:"owner"`
	Value   decimal.Decimal `json:"value"    bson:"value"`
	Deleted bool            `json:"deleted"  bson:"deleted"`

	Settled *Ownership `json:"settled,omitempty" bson:"settled,omitempty"`
}

func (o *Ownership) ID() string { return OwnershipID(o.Token, o.TokenID, o.Owner) }

// ItemID returns the id of the item this ownership belongs to.
func (o *Ownership) ItemID() string { return ItemID(o.Token, o.TokenID) }

func (o *Ownership) Clone() *Ownership {
	out := *o
	out.Base = o.Base.clone()
	if o.Settled != nil {
		out.Settled = o.Settled.Clone()
	}
	return &out
}

func (o *Ownership) Checkpoint() *Ownership     { return o.Settled }
func (o *Ownership) HasCheckpoint() bool        { return o.Settled != nil }
func (o *Ownership) SetCheckpoint(s *Ownership) { o.Settled = s }

// Item is an NFT with its total supply.
type Item struct {
	Base `bson:",inline"`

	Token   string          `json:"token"             bson:"token"`
	TokenID string          `json:"token_id"          bson:"token_id"`
	Supply  decimal.Decimal `json:"supply"            bson:"supply"`
	Creator string          `json:"creator,omitempty" bson:"creator,omitempty"`
	Deleted bool            `json:"deleted"           bson:"deleted"`

	Settled *Item `json:"settled,omitempty" bson:"settled,omitempty"`
}

func (i *Item) ID() string { return ItemID(i.Token, i.TokenID) }

func (i *Item) Clone() *Item {
	out := *i
	out.Base = i.Base.clone()
	if i.Settled != nil {
		out.Settled = i.Settled.Clone()
	}
	return &out
}

func (i *Item) Checkpoint() *Item     { return i.Settled }
func (i *Item) HasCheckpoint() bool   { return i.Settled != nil }
func (i *Item) SetCheckpoint(s *Item) { i.Settled = s }

package reduce

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
)

// Options tune how the status reducer maintains the replay log.
type Options struct {
	// RetainReverted keeps reverted, dropped and inactive records in the
	// replay log for audit. When false they are removed.
	RetainReverted bool `yaml:"retain_reverted"`

	// CompactSettled folds the leading run of settled records into the
	// entity checkpoint. Requires a Clock.
	CompactSettled bool `yaml:"compact_settled"`

	// FastRevert undoes the last active record with the inverse reducer
	// instead of refolding the whole log.
	FastRevert bool `yaml:"fast_revert"`
}

// DefaultOptions keeps reverted records and uses the inverse fast path.
func DefaultOptions() Options {
	return Options{RetainReverted: true, FastRevert: true}
}

// Config wires a StatusReducer for one entity family.
type Config[E Entity[E]] struct {
	Family   domain.Family
	Template Template[E]

	// Business folds one active event into derived state.
	Business Reducer[E]

	// Inverse undoes one active event. Optional.
	Inverse Reducer[E]

	// Invertible reports which kinds Inverse handles exactly.
	Invertible func(domain.EventKind) bool

	// Observers run once per incoming event, never during a refold.
	Observers []Reducer[E]

	Confirm ConfirmPolicy
	Revert  RevertPolicy
	Clock   Clock
	Options Options
	Logger  *slog.Logger
}

// StatusReducer dispatches events to the forward or reversed chain based on
// their status and keeps the entity replay log in order.
type StatusReducer[E Entity[E]] struct {
	cfg      Config[E]
	logger   *slog.Logger
	forward  Reducer[E]
	reversed Reducer[E]
}

// NewStatusReducer builds the forward and reversed pipelines.
func NewStatusReducer[E Entity[E]](cfg Config[E]) *StatusReducer[E] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &StatusReducer[E]{
		cfg:    cfg,
		logger: logger.With("component", "status_reducer", "family", cfg.Family),
	}
	r.forward = Chain(append(slices.Clone(cfg.Observers), r.applyForward)...)
	r.reversed = Chain(append(slices.Clone(cfg.Observers), r.applyReversed)...)
	return r
}

// Template returns the zero-value entity for id.
func (r *StatusReducer[E]) Template(id string) (E, error) {
	return r.cfg.Template(id)
}

// Reduce applies one event. The input entity is never modified.
func (r *StatusReducer[E]) Reduce(ctx context.Context, entity E, event domain.ChainEvent) (E, error) {
	if err := event.Validate(); err != nil {
		return entity, err
	}
	if event.EntityID != entity.ID() {
		return entity, fmt.Errorf("%w: event %s targets %s, not %s",
			domain.ErrInvalidEvent, event.Key(), event.EntityID, entity.ID())
	}
	out := entity.Clone()
	if r.cfg.Revert.IsReverted(event) {
		return r.reversed(ctx, out, event)
	}
	return r.forward(ctx, out, event)
}

// ReduceAll folds events in order. It stops at the first error.
func (r *StatusReducer[E]) ReduceAll(ctx context.Context, entity E, events []domain.ChainEvent) (E, error) {
	var err error
	for _, ev := range events {
		entity, err = r.Reduce(ctx, entity, ev)
		if err != nil {
			return entity, fmt.Errorf("failed to reduce %s: %w", ev.Coordinates(), err)
		}
	}
	return entity, nil
}

// Recompute refolds the entity from its checkpoint (or template) and the
// active records of its replay log.
func (r *StatusReducer[E]) Recompute(ctx context.Context, entity E) (E, error) {
	return r.recompute(ctx, entity, entity.Meta().RevertableEvents)
}

func (r *StatusReducer[E]) applyForward(ctx context.Context, e E, ev domain.ChainEvent) (E, error) {
	meta := e.Meta()
	if meta.SettledThrough != nil && meta.SettledThrough.Covers(ev) {
		return e, nil
	}

	events := meta.RevertableEvents
	if idx := indexOf(events, ev); idx >= 0 {
		if sameDelivery(events[idx], ev) || staleDelivery(events[idx], ev) {
			return e, nil
		}
		events = slices.Delete(slices.Clone(events), idx, idx+1)
		if err := r.checkSlot(events, ev); err != nil {
			return e, err
		}
		out, err := r.recompute(ctx, e, insertSorted(events, ev))
		if err != nil {
			return e, err
		}
		return r.compact(ctx, out)
	}

	if err := r.checkSlot(events, ev); err != nil {
		return e, err
	}
	pos := insertPos(events, ev)
	if pos < len(events) {
		out, err := r.recompute(ctx, e, insertSorted(slices.Clone(events), ev))
		if err != nil {
			return e, err
		}
		return r.compact(ctx, out)
	}

	meta.RevertableEvents = append(slices.Clone(events), ev)
	out, err := r.cfg.Business(ctx, e, ev)
	if err != nil {
		return e, err
	}
	r.calculate(out)
	return r.compact(ctx, out)
}

func (r *StatusReducer[E]) applyReversed(ctx context.Context, e E, ev domain.ChainEvent) (E, error) {
	meta := e.Meta()
	if meta.SettledThrough != nil && meta.SettledThrough.Covers(ev) {
		r.logger.WarnContext(ctx, "Ignoring revert below settled checkpoint",
			"entity", e.ID(), "event", ev.Coordinates())
		return e, nil
	}

	idx := indexOf(meta.RevertableEvents, ev)
	if idx < 0 {
		// Derived state is unaffected. The record is still kept so a refold
		// of the stored history yields the same replay log.
		if r.cfg.Options.RetainReverted {
			meta.RevertableEvents = insertSorted(slices.Clone(meta.RevertableEvents), ev)
		}
		return e, nil
	}
	existing := meta.RevertableEvents[idx]
	if staleDelivery(existing, ev) {
		return e, nil
	}
	events := slices.Delete(slices.Clone(meta.RevertableEvents), idx, idx+1)
	if r.cfg.Options.RetainReverted {
		events = insertSorted(events, ev)
	}

	if r.cfg.Revert.IsReverted(existing) {
		if sameDelivery(existing, ev) {
			return e, nil
		}
		// Only the audit record changes; derived state is unaffected.
		meta.RevertableEvents = events
		return e, nil
	}

	if r.canInvert(meta.RevertableEvents, idx) {
		out, err := r.cfg.Inverse(ctx, e, existing)
		if err != nil {
			return e, err
		}
		out.Meta().RevertableEvents = events
		r.calculate(out)
		return out, nil
	}
	return r.recompute(ctx, e, events)
}

// canInvert reports whether the record at idx is the last active one and
// its kind has an exact inverse.
func (r *StatusReducer[E]) canInvert(events []domain.ChainEvent, idx int) bool {
	if !r.cfg.Options.FastRevert || r.cfg.Inverse == nil || r.cfg.Invertible == nil {
		return false
	}
	if !r.cfg.Invertible(events[idx].Kind) {
		return false
	}
	for _, ev := range events[idx+1:] {
		if r.cfg.Revert.IsActive(ev) {
			return false
		}
	}
	return true
}

// checkSlot rejects an on-chain event that claims the slot of a different
// confirmed record.
func (r *StatusReducer[E]) checkSlot(events []domain.ChainEvent, ev domain.ChainEvent) error {
	if ev.Status != domain.StatusConfirmed {
		return nil
	}
	for _, existing := range events {
		if existing.Status != domain.StatusConfirmed {
			continue
		}
		if domain.SameChainPosition(existing, ev) && existing.Key() != ev.Key() {
			return fmt.Errorf("%w: %s and %s share block %d log %d minor %d",
				domain.ErrInvalidEventOrdering, existing.Key(), ev.Key(),
				ev.Block(), ev.LogIndex, ev.MinorLogIndex)
		}
	}
	return nil
}

func (r *StatusReducer[E]) start(e E) (E, error) {
	var fresh E
	if e.HasCheckpoint() {
		fresh = e.Checkpoint().Clone()
	} else {
		t, err := r.cfg.Template(e.ID())
		if err != nil {
			return fresh, fmt.Errorf("failed to build template for %s: %w", e.ID(), err)
		}
		fresh = t
	}
	var none E
	fresh.SetCheckpoint(none)
	meta := fresh.Meta()
	meta.RevertableEvents = nil
	meta.SettledThrough = nil
	meta.Version = nil
	return fresh, nil
}

func (r *StatusReducer[E]) recompute(ctx context.Context, e E, events []domain.ChainEvent) (E, error) {
	fresh, err := r.start(e)
	if err != nil {
		return e, err
	}
	for _, ev := range events {
		if !r.cfg.Revert.IsActive(ev) {
			continue
		}
		fresh, err = r.cfg.Business(ctx, fresh, ev)
		if err != nil {
			return e, err
		}
	}

	src := e.Meta()
	meta := fresh.Meta()
	meta.Version = src.Version
	meta.SettledThrough = src.SettledThrough
	meta.RevertableEvents = events
	if e.HasCheckpoint() {
		fresh.SetCheckpoint(e.Checkpoint())
	}
	r.calculate(fresh)
	return fresh, nil
}

// calculate derives LastUpdatedAt and BlockNumber from the last confirmed
// record, falling back to the checkpoint.
func (r *StatusReducer[E]) calculate(e E) {
	meta := e.Meta()
	for i := len(meta.RevertableEvents) - 1; i >= 0; i-- {
		ev := meta.RevertableEvents[i]
		if ev.Status == domain.StatusConfirmed {
			meta.LastUpdatedAt = ev.Timestamp
			meta.BlockNumber = domain.Uint64Ptr(ev.Block())
			return
		}
	}
	if e.HasCheckpoint() {
		cp := e.Checkpoint().Meta()
		meta.LastUpdatedAt = cp.LastUpdatedAt
		meta.BlockNumber = cp.BlockNumber
		return
	}
	meta.LastUpdatedAt = time.Time{}
	meta.BlockNumber = nil
}

// compact moves the leading run of settled records into the checkpoint.
func (r *StatusReducer[E]) compact(ctx context.Context, e E) (E, error) {
	if !r.cfg.Options.CompactSettled || r.cfg.Clock == nil {
		return e, nil
	}
	events := e.Meta().RevertableEvents
	if len(events) == 0 || !events[0].Status.OnChain() {
		return e, nil
	}
	head, err := r.cfg.Clock.CurrentBlockHead(ctx)
	if err != nil {
		r.logger.DebugContext(ctx, "Skipping compaction, chain head unavailable", "error", err)
		return e, nil
	}

	n := 0
	for n < len(events) && r.cfg.Confirm.IsSettled(events[n], head) {
		n++
	}
	if n == 0 {
		return e, nil
	}

	cp, err := r.start(e)
	if err != nil {
		return e, err
	}
	for _, ev := range events[:n] {
		if !r.cfg.Revert.IsActive(ev) {
			continue
		}
		cp, err = r.cfg.Business(ctx, cp, ev)
		if err != nil {
			return e, err
		}
		cp.Meta().LastUpdatedAt = ev.Timestamp
		cp.Meta().BlockNumber = domain.Uint64Ptr(ev.Block())
	}

	meta := e.Meta()
	pos := domain.PositionOf(events[n-1])
	meta.SettledThrough = &pos
	meta.RevertableEvents = slices.Clone(events[n:])
	e.SetCheckpoint(cp)
	return e, nil
}

func indexOf(events []domain.ChainEvent, ev domain.ChainEvent) int {
	key := ev.Key()
	for i := range events {
		if events[i].Key() == key {
			return i
		}
	}
	return -1
}

// sameDelivery reports whether two records of the same event carry the same
// status and chain position.
func sameDelivery(a, b domain.ChainEvent) bool {
	if a.Status != b.Status {
		return false
	}
	if (a.BlockNumber == nil) != (b.BlockNumber == nil) {
		return false
	}
	return a.BlockNumber == nil || *a.BlockNumber == *b.BlockNumber
}

// staleDelivery reports whether ev is a mempool-level notice (PENDING,
// DROPPED, INACTIVE) for a record that already has a chain position.
func staleDelivery(existing, ev domain.ChainEvent) bool {
	return existing.Status.OnChain() && !ev.Status.OnChain()
}

func insertPos(events []domain.ChainEvent, ev domain.ChainEvent) int {
	return sort.Search(len(events), func(i int) bool { return domain.Less(ev, events[i]) })
}

func insertSorted(events []domain.ChainEvent, ev domain.ChainEvent) []domain.ChainEvent {
	return slices.Insert(events, insertPos(events, ev), ev)
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/infra/storage"
)

type MemoryStorage struct {
	events       map[string]*eventRecord
	inconsistent map[string]*domain.InconsistentItem
	jobs         map[string]*domain.JobState
	failed       map[string]*domain.FailedReduce
	mu           sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:       make(map[string]*eventRecord),
		inconsistent: make(map[string]*domain.InconsistentItem),
		jobs:         make(map[string]*domain.JobState),
		failed:       make(map[string]*domain.FailedReduce),
	}
}

// -----------------------------------------------------------------------------
// Entity Store
// -----------------------------------------------------------------------------

type entityRecord[E any] struct {
	entity    E
	updatedAt time.Time
}

// EntityStore keeps entities in memory with the same optimistic concurrency
// contract as the database stores.
type EntityStore[E reduce.Entity[E]] struct {
	mu          sync.RWMutex
	items       map[string]entityRecord[E]
	maxDocBytes int
	now         func() time.Time
}

// NewEntityStore creates a store. A positive maxDocBytes enables the size check.
func NewEntityStore[E reduce.Entity[E]](maxDocBytes int) *EntityStore[E] {
	return &EntityStore[E]{
		items:       make(map[string]entityRecord[E]),
		maxDocBytes: maxDocBytes,
		now:         time.Now,
	}
}

func (s *EntityStore[E]) Load(ctx context.Context, id string) (E, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		var zero E
		return zero, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, id)
	}
	return rec.entity.Clone(), nil
}

func (s *EntityStore[E]) LoadMany(ctx context.Context, ids []string) (map[string]E, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]E, len(ids))
	for _, id := range ids {
		if rec, ok := s.items[id]; ok {
			out[id] = rec.entity.Clone()
		}
	}
	return out, nil
}

func (s *EntityStore[E]) Save(ctx context.Context, entity E) (E, error) {
	if s.maxDocBytes > 0 {
		doc, err := json.Marshal(entity)
		if err != nil {
			return entity, fmt.Errorf("failed to encode entity: %w", err)
		}
		if len(doc) > s.maxDocBytes {
			return entity, fmt.Errorf("%w: %s is %d bytes", domain.ErrStorageSizeExceeded, entity.ID(), len(doc))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entity.ID()
	current, exists := s.items[id]
	expected := entity.Meta().Version

	var next int64
	switch {
	case expected == nil && exists:
		return entity, fmt.Errorf("%w: %s already exists", domain.ErrConcurrencyConflict, id)
	case expected == nil:
		next = 0
	case !exists:
		return entity, fmt.Errorf("%w: %s was never stored", domain.ErrConcurrencyConflict, id)
	case *current.entity.Meta().Version != *expected:
		return entity, fmt.Errorf("%w: %s has version %d, expected %d",
			domain.ErrConcurrencyConflict, id, *current.entity.Meta().Version, *expected)
	default:
		next = *expected + 1
	}

	saved := entity.Clone()
	saved.Meta().Version = &next
	s.items[id] = entityRecord[E]{entity: saved, updatedAt: s.now()}
	return saved.Clone(), nil
}

func (s *EntityStore[E]) Scan(ctx context.Context, q storage.ScanQuery) ([]E, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id, rec := range s.items {
		if id <= q.AfterID || !strings.HasPrefix(id, q.Prefix) {
			continue
		}
		if !q.UpdatedBefore.IsZero() && !rec.updatedAt.Before(q.UpdatedBefore) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	out := make([]E, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id].entity.Clone())
	}
	return out, nil
}

// Put stores an entity as-is, bypassing the version check. Used to seed
// fixtures and to simulate corrupted documents.
func (s *EntityStore[E]) Put(entity E, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := entity.Clone()
	if saved.Meta().Version == nil {
		var v int64
		saved.Meta().Version = &v
	}
	s.items[entity.ID()] = entityRecord[E]{entity: saved, updatedAt: updatedAt}
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type eventRecord struct {
	event     domain.ChainEvent
	updatedAt time.Time
}

type EventRepo struct {
	store *MemoryStorage
}

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func eventKey(ev domain.ChainEvent) string {
	return string(ev.Family) + "|" + ev.EntityID + "|" + ev.Key()
}

func (r *EventRepo) Save(ctx context.Context, events []domain.ChainEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	for _, ev := range events {
		key := eventKey(ev)
		if existing, ok := r.store.events[key]; ok &&
			existing.event.Status.OnChain() && !ev.Status.OnChain() {
			continue
		}
		r.store.events[key] = &eventRecord{event: ev, updatedAt: now}
	}
	return nil
}

func (r *EventRepo) ListByEntity(ctx context.Context, family domain.Family, entityID string) ([]domain.ChainEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.ChainEvent
	for _, rec := range r.store.events {
		if rec.event.Family == family && rec.event.EntityID == entityID {
			out = append(out, rec.event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return domain.Less(out[i], out[j]) })
	return out, nil
}

func (r *EventRepo) EntityIDs(ctx context.Context, q storage.IDQuery) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rec := range r.store.events {
		ev := rec.event
		if ev.Family != q.Family || ev.EntityID <= q.AfterID || !strings.HasPrefix(ev.EntityID, q.Prefix) {
			continue
		}
		seen[ev.EntityID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (r *EventRepo) PruneInactive(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for key, rec := range r.store.events {
		switch rec.event.Status {
		case domain.StatusReverted, domain.StatusDropped, domain.StatusInactive:
			if rec.updatedAt.Before(before) {
				delete(r.store.events, key)
				n++
			}
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Inconsistent Item Repository
// -----------------------------------------------------------------------------

type InconsistentItemRepo struct {
	store *MemoryStorage
}

func NewInconsistentItemRepo(store *MemoryStorage) *InconsistentItemRepo {
	return &InconsistentItemRepo{store: store}
}

func copyItem(i *domain.InconsistentItem) *domain.InconsistentItem {
	out := *i
	if i.FixVersionApplied != nil {
		v := *i.FixVersionApplied
		out.FixVersionApplied = &v
	}
	return &out
}

func (r *InconsistentItemRepo) Get(ctx context.Context, id string) (*domain.InconsistentItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.inconsistent[id]
	if !ok {
		return nil, storage.ErrInconsistentItemNotFound
	}
	return copyItem(item), nil
}

func (r *InconsistentItemRepo) GetMany(ctx context.Context, ids []string) ([]*domain.InconsistentItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.InconsistentItem
	for _, id := range ids {
		if item, ok := r.store.inconsistent[id]; ok {
			out = append(out, copyItem(item))
		}
	}
	return out, nil
}

func (r *InconsistentItemRepo) Insert(ctx context.Context, item *domain.InconsistentItem) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.inconsistent[item.ID]; ok {
		return false, nil
	}
	r.store.inconsistent[item.ID] = copyItem(item)
	return true, nil
}

func (r *InconsistentItemRepo) Save(ctx context.Context, item *domain.InconsistentItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.inconsistent[item.ID] = copyItem(item)
	return nil
}

func (r *InconsistentItemRepo) Search(ctx context.Context, q storage.InconsistentItemQuery) ([]*domain.InconsistentItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.InconsistentItem
	for id, item := range r.store.inconsistent {
		if id <= q.AfterID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, item.Status) {
			continue
		}
		out = append(out, copyItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Job State Repository
// -----------------------------------------------------------------------------

type JobStateRepo struct {
	store *MemoryStorage
}

func NewJobStateRepo(store *MemoryStorage) *JobStateRepo {
	return &JobStateRepo{store: store}
}

func (r *JobStateRepo) Get(ctx context.Context, job string) (*domain.JobState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	state, ok := r.store.jobs[job]
	if !ok {
		return nil, nil
	}
	out := *state
	return &out, nil
}

func (r *JobStateRepo) Save(ctx context.Context, job string, state *domain.JobState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	saved := *state
	r.store.jobs[job] = &saved
	return nil
}

func (r *JobStateRepo) Delete(ctx context.Context, job string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.jobs, job)
	return nil
}

// -----------------------------------------------------------------------------
// Failed Reduce Repository
// -----------------------------------------------------------------------------

type FailedReduceRepo struct {
	store *MemoryStorage
}

func NewFailedReduceRepo(store *MemoryStorage) *FailedReduceRepo {
	return &FailedReduceRepo{store: store}
}

func (r *FailedReduceRepo) Add(ctx context.Context, f *domain.FailedReduce) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	saved := *f
	r.store.failed[f.ID] = &saved
	return nil
}

// GetNext returns the record with the fewest retries, oldest first.
func (r *FailedReduceRepo) GetNext(ctx context.Context) (*domain.FailedReduce, error) {
	all, _ := r.GetAll(ctx)
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

func (r *FailedReduceRepo) IncrementRetry(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return fmt.Errorf("failed reduce %s not found", id)
	}
	f.RetryCount++
	f.LastAttempt = time.Now()
	return nil
}

func (r *FailedReduceRepo) MarkResolved(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.failed, id)
	return nil
}

func (r *FailedReduceRepo) GetAll(ctx context.Context) ([]*domain.FailedReduce, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.FailedReduce, 0, len(r.store.failed))
	for _, f := range r.store.failed {
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RetryCount != out[j].RetryCount {
			return out[i].RetryCount < out[j].RetryCount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *FailedReduceRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.failed), nil
}

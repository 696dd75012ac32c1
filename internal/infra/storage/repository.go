package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
)

var (
	// ErrInconsistentItemNotFound is returned when no divergence record exists for an item
	ErrInconsistentItemNotFound = errors.New("inconsistent item not found")
)

// ScanQuery pages through stored entities in id order.
type ScanQuery struct {
	// Prefix restricts ids to those starting with it.
	Prefix string
	// AfterID is the exclusive continuation id.
	AfterID string
	// UpdatedBefore skips entities written at or after this instant. Zero disables it.
	UpdatedBefore time.Time
	Limit         int
}

// EntityStore persists event-sourced entities with optimistic concurrency.
type EntityStore[E any] interface {
	// Load retrieves an entity by id. Returns domain.ErrEntityNotFound if missing.
	Load(ctx context.Context, id string) (E, error)

	// LoadMany retrieves the entities that exist among ids.
	LoadMany(ctx context.Context, ids []string) (map[string]E, error)

	// Save writes the entity if its version matches the stored one and
	// returns it with the new version. Fails with domain.ErrConcurrencyConflict
	// on mismatch and domain.ErrStorageSizeExceeded when it is too large.
	Save(ctx context.Context, entity E) (E, error)

	// Scan pages through entities in id order.
	Scan(ctx context.Context, q ScanQuery) ([]E, error)
}

// LoadOrCreate loads an entity or builds it from the template.
func LoadOrCreate[E reduce.Entity[E]](
	ctx context.Context,
	store EntityStore[E],
	id string,
	template reduce.Template[E],
) (E, error) {
	e, err := store.Load(ctx, id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, domain.ErrEntityNotFound) {
		return e, err
	}
	e, err = template(id)
	if err != nil {
		return e, fmt.Errorf("failed to create template for %s: %w", id, err)
	}
	return e, nil
}

// IDQuery pages through entity ids known to the event log.
type IDQuery struct {
	Family  domain.Family
	Prefix  string
	AfterID string
	Limit   int
}

// EventRepository is the append-mostly log of chain events per entity.
type EventRepository interface {
	// Save upserts events by (family, entity, tx, log, minor). A record that
	// already has a chain position is never downgraded to a pending status.
	Save(ctx context.Context, events []domain.ChainEvent) error

	// ListByEntity returns the events of one entity in history order.
	ListByEntity(ctx context.Context, family domain.Family, entityID string) ([]domain.ChainEvent, error)

	// EntityIDs returns distinct entity ids in ascending order.
	EntityIDs(ctx context.Context, q IDQuery) ([]string, error)

	// PruneInactive deletes reverted, dropped and inactive records last
	// written before the given instant.
	PruneInactive(ctx context.Context, before time.Time) (int64, error)
}

// InconsistentItemQuery pages through divergence records in id order.
type InconsistentItemQuery struct {
	Statuses []domain.InconsistentItemStatus
	AfterID  string
	Limit    int
}

// InconsistentItemRepository stores items whose supply diverged from their ownerships.
type InconsistentItemRepository interface {
	// Get retrieves a record. Returns ErrInconsistentItemNotFound if missing.
	Get(ctx context.Context, id string) (*domain.InconsistentItem, error)

	// GetMany retrieves the records that exist among ids.
	GetMany(ctx context.Context, ids []string) ([]*domain.InconsistentItem, error)

	// Insert creates a record and reports false if one already exists.
	Insert(ctx context.Context, item *domain.InconsistentItem) (bool, error)

	// Save upserts a record.
	Save(ctx context.Context, item *domain.InconsistentItem) error

	// Search pages through records.
	Search(ctx context.Context, q InconsistentItemQuery) ([]*domain.InconsistentItem, error)
}

// JobStateRepository persists background job progress.
type JobStateRepository interface {
	// Get returns the state of a job, or nil when the job never ran.
	Get(ctx context.Context, job string) (*domain.JobState, error)

	// Save overwrites the state of a job.
	Save(ctx context.Context, job string, state *domain.JobState) error

	// Delete clears the state so the next run starts over.
	Delete(ctx context.Context, job string) error
}

// FailedReduceRepository handles the queue of entities whose reduce failed
type FailedReduceRepository interface {
	// Add adds a failed reduce
	Add(ctx context.Context, failed *domain.FailedReduce) error

	// GetNext retrieves the next failed reduce to retry
	GetNext(ctx context.Context) (*domain.FailedReduce, error)

	// IncrementRetry increments retry count
	IncrementRetry(ctx context.Context, id string) error

	// MarkResolved removes a failed reduce (successfully retried)
	MarkResolved(ctx context.Context, id string) error

	// GetAll retrieves all failed reduces
	GetAll(ctx context.Context) ([]*domain.FailedReduce, error)

	// Count returns the count of failed reduces
	Count(ctx context.Context) (int, error)
}

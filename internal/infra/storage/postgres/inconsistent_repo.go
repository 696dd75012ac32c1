package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/infra/storage"
)

const inconsistentColumns = `id, type, status, fix_version_applied, relapse_count, aggregate_value, derived_value, last_updated_at`

// InconsistentItemRepo implements storage.InconsistentItemRepository using PostgreSQL.
type InconsistentItemRepo struct {
	db *DB
}

// NewInconsistentItemRepo creates a new PostgreSQL inconsistent item repository.
func NewInconsistentItemRepo(db *DB) *InconsistentItemRepo {
	return &InconsistentItemRepo{db: db}
}

// Get retrieves a divergence record by item id.
func (r *InconsistentItemRepo) Get(ctx context.Context, id string) (*domain.InconsistentItem, error) {
	query := `SELECT ` + inconsistentColumns + ` FROM inconsistent_items WHERE id = $1`

	var item domain.InconsistentItem
	err := r.db.GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrInconsistentItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inconsistent item: %w", err)
	}
	return &item, nil
}

// GetMany retrieves the records that exist among ids.
func (r *InconsistentItemRepo) GetMany(ctx context.Context, ids []string) ([]*domain.InconsistentItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + inconsistentColumns + ` FROM inconsistent_items WHERE id = ANY($1)`

	var items []*domain.InconsistentItem
	if err := r.db.SelectContext(ctx, &items, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get inconsistent items: %w", err)
	}
	return items, nil
}

// Insert creates a record and reports false if one already exists.
func (r *InconsistentItemRepo) Insert(ctx context.Context, item *domain.InconsistentItem) (bool, error) {
	query := `
		INSERT INTO inconsistent_items (` + inconsistentColumns + `)
		VALUES (:id, :type, :status, :fix_version_applied, :relapse_count, :aggregate_value, :derived_value, :last_updated_at)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.NamedExecContext(ctx, query, item)
	if err != nil {
		return false, fmt.Errorf("failed to insert inconsistent item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Save upserts a record.
func (r *InconsistentItemRepo) Save(ctx context.Context, item *domain.InconsistentItem) error {
	query := `
		INSERT INTO inconsistent_items (` + inconsistentColumns + `)
		VALUES (:id, :type, :status, :fix_version_applied, :relapse_count, :aggregate_value, :derived_value, :last_updated_at)
		ON CONFLICT (id) DO UPDATE
		SET type = EXCLUDED.type,
		    status = EXCLUDED.status,
		    fix_version_applied = EXCLUDED.fix_version_applied,
		    relapse_count = EXCLUDED.relapse_count,
		    aggregate_value = EXCLUDED.aggregate_value,
		    derived_value = EXCLUDED.derived_value,
		    last_updated_at = EXCLUDED.last_updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("failed to save inconsistent item: %w", err)
	}
	return nil
}

// Search pages through records in id order.
func (r *InconsistentItemRepo) Search(
	ctx context.Context,
	q storage.InconsistentItemQuery,
) ([]*domain.InconsistentItem, error) {
	query := `
		SELECT ` + inconsistentColumns + `
		FROM inconsistent_items
		WHERE id > $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY id
		LIMIT $3
	`
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}

	var items []*domain.InconsistentItem
	if err := r.db.SelectContext(ctx, &items, query, q.AfterID, pq.Array(statuses), limit); err != nil {
		return nil, fmt.Errorf("failed to search inconsistent items: %w", err)
	}
	return items, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// program_limit_exceeded, raised for oversized jsonb values.
const pgProgramLimitExceeded = "54000"

type entityRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Doc     []byte `db:"doc"`
}

// EntityStore implements storage.EntityStore as JSONB documents keyed by
// (family, id) with a version column for optimistic concurrency.
type EntityStore[E reduce.Entity[E]] struct {
	db          *DB
	family      domain.Family
	maxDocBytes int
}

// NewEntityStore creates a store for one entity family.
func NewEntityStore[E reduce.Entity[E]](db *DB, family domain.Family, maxDocBytes int) *EntityStore[E] {
	return &EntityStore[E]{db: db, family: family, maxDocBytes: maxDocBytes}
}

func (s *EntityStore[E]) decode(row entityRow) (E, error) {
	var e E
	if err := json.Unmarshal(row.Doc, &e); err != nil {
		return e, fmt.Errorf("failed to decode %s %s: %w", s.family, row.ID, err)
	}
	v := row.Version
	e.Meta().Version = &v
	return e, nil
}

// Load retrieves an entity by id.
func (s *EntityStore[E]) Load(ctx context.Context, id string) (E, error) {
	query := `SELECT id, version, doc FROM entities WHERE family = $1 AND id = $2`

	var row entityRow
	err := s.db.GetContext(ctx, &row, query, s.family, id)
	if errors.Is(err, sql.ErrNoRows) {
		var zero E
		return zero, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, id)
	}
	if err != nil {
		var zero E
		return zero, fmt.Errorf("failed to load %s %s: %w", s.family, id, err)
	}
	return s.decode(row)
}

// LoadMany retrieves the entities that exist among ids.
func (s *EntityStore[E]) LoadMany(ctx context.Context, ids []string) (map[string]E, error) {
	out := make(map[string]E, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, version, doc FROM entities WHERE family = $1 AND id = ANY($2)`

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, query, s.family, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to load %s entities: %w", s.family, err)
	}
	for _, row := range rows {
		e, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out[row.ID] = e
	}
	return out, nil
}

// Save inserts the entity when it has no version, otherwise updates it if
// the stored version still matches.
func (s *EntityStore[E]) Save(ctx context.Context, entity E) (E, error) {
	doc, err := json.Marshal(entity)
	if err != nil {
		return entity, fmt.Errorf("failed to encode %s %s: %w", s.family, entity.ID(), err)
	}
	if s.maxDocBytes > 0 && len(doc) > s.maxDocBytes {
		return entity, fmt.Errorf("%w: %s %s is %d bytes",
			domain.ErrStorageSizeExceeded, s.family, entity.ID(), len(doc))
	}

	var (
		res  sql.Result
		next int64
	)
	if current := entity.Meta().Version; current == nil {
		query := `
			INSERT INTO entities (family, id, version, doc, updated_at)
			VALUES ($1, $2, 0, $3, NOW())
			ON CONFLICT (family, id) DO NOTHING
		`
		res, err = s.db.ExecContext(ctx, query, s.family, entity.ID(), doc)
	} else {
		next = *current + 1
		query := `
			UPDATE entities
			SET version = version + 1, doc = $4, updated_at = NOW()
			WHERE family = $1 AND id = $2 AND version = $3
		`
		res, err = s.db.ExecContext(ctx, query, s.family, entity.ID(), *current, doc)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgProgramLimitExceeded {
			return entity, fmt.Errorf("%w: %s %s: %s",
				domain.ErrStorageSizeExceeded, s.family, entity.ID(), pgErr.Message)
		}
		return entity, fmt.Errorf("failed to save %s %s: %w", s.family, entity.ID(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return entity, fmt.Errorf("failed to save %s %s: %w", s.family, entity.ID(), err)
	}
	if n == 0 {
		return entity, fmt.Errorf("%w: %s %s", domain.ErrConcurrencyConflict, s.family, entity.ID())
	}

	saved := entity.Clone()
	saved.Meta().Version = &next
	return saved, nil
}

// Scan pages through entities of the family in id order.
func (s *EntityStore[E]) Scan(ctx context.Context, q storage.ScanQuery) ([]E, error) {
	query := `
		SELECT id, version, doc
		FROM entities
		WHERE family = $1
		  AND starts_with(id, $2)
		  AND id > $3
		  AND ($4::timestamptz IS NULL OR updated_at < $4)
		ORDER BY id
		LIMIT $5
	`

	var before, limit any
	if !q.UpdatedBefore.IsZero() {
		before = q.UpdatedBefore
	}
	if q.Limit > 0 {
		limit = q.Limit
	}

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, query, s.family, q.Prefix, q.AfterID, before, limit); err != nil {
		return nil, fmt.Errorf("failed to scan %s entities: %w", s.family, err)
	}

	out := make([]E, 0, len(rows))
	for _, row := range rows {
		e, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

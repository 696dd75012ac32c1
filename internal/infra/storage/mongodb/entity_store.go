package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/infra/storage"
)

// BSONObjectTooLarge
const errCodeTooLarge = 10334

type document[E any] struct {
	ID        string    `bson:"_id"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
	Entity    E         `bson:"entity"`
}

// EntityStore implements storage.EntityStore with one collection per family.
// Writes replace the whole document filtered on its id and version.
type EntityStore[E reduce.Entity[E]] struct {
	client      *Client
	coll        *mongo.Collection
	maxDocBytes int
}

// NewEntityStore creates a store backed by the family's collection.
func NewEntityStore[E reduce.Entity[E]](client *Client, family domain.Family, maxDocBytes int) *EntityStore[E] {
	return &EntityStore[E]{
		client:      client,
		coll:        client.db.Collection(string(family) + "s"),
		maxDocBytes: maxDocBytes,
	}
}

// EnsureIndexes creates the index used by background scans.
func (s *EntityStore[E]) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	})
	return err
}

func (s *EntityStore[E]) unwrap(doc document[E]) E {
	v := doc.Version
	doc.Entity.Meta().Version = &v
	return doc.Entity
}

func (s *EntityStore[E]) Load(ctx context.Context, id string) (E, error) {
	var doc document[E]
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		var zero E
		return zero, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, id)
	}
	if err != nil {
		var zero E
		return zero, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return s.unwrap(doc), nil
}

func (s *EntityStore[E]) LoadMany(ctx context.Context, ids []string) (map[string]E, error) {
	out := make(map[string]E, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	var docs []document[E]
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}
	for _, doc := range docs {
		out[doc.ID] = s.unwrap(doc)
	}
	return out, nil
}

func (s *EntityStore[E]) Save(ctx context.Context, entity E) (E, error) {
	id := entity.ID()
	doc := document[E]{ID: id, UpdatedAt: time.Now().UTC(), Entity: entity}
	current := entity.Meta().Version
	if current != nil {
		doc.Version = *current + 1
	}

	if s.maxDocBytes > 0 {
		raw, err := bson.MarshalWithRegistry(s.client.registry, doc)
		if err != nil {
			return entity, fmt.Errorf("failed to encode %s: %w", id, err)
		}
		if len(raw) > s.maxDocBytes {
			return entity, fmt.Errorf("%w: %s is %d bytes", domain.ErrStorageSizeExceeded, id, len(raw))
		}
	}

	var err error
	if current == nil {
		_, err = s.coll.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return entity, fmt.Errorf("%w: %s already exists", domain.ErrConcurrencyConflict, id)
		}
	} else {
		var res *mongo.UpdateResult
		res, err = s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": *current}, doc)
		if err == nil && res.MatchedCount == 0 {
			return entity, fmt.Errorf("%w: %s is not at version %d", domain.ErrConcurrencyConflict, id, *current)
		}
	}
	if err != nil {
		if tooLarge(err) {
			return entity, fmt.Errorf("%w: %s: %v", domain.ErrStorageSizeExceeded, id, err)
		}
		return entity, fmt.Errorf("failed to save %s: %w", id, err)
	}

	saved := entity.Clone()
	v := doc.Version
	saved.Meta().Version = &v
	return saved, nil
}

func (s *EntityStore[E]) Scan(ctx context.Context, q storage.ScanQuery) ([]E, error) {
	idFilter := bson.M{"$gt": q.AfterID}
	if q.Prefix != "" {
		idFilter["$regex"] = "^" + regexp.QuoteMeta(q.Prefix)
	}
	filter := bson.M{"_id": idFilter}
	if !q.UpdatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": q.UpdatedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}
	var docs []document[E]
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}
	out := make([]E, 0, len(docs))
	for _, doc := range docs {
		out = append(out, s.unwrap(doc))
	}
	return out, nil
}

func tooLarge(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(errCodeTooLarge) {
		return true
	}
	return strings.Contains(err.Error(), "too large")
}

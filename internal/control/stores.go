package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/reducer/internal/core/config"
	"github.com/vietddude/reducer/internal/core/domain"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
	"github.com/vietddude/reducer/internal/infra/storage"
	"github.com/vietddude/reducer/internal/infra/storage/memory"
	"github.com/vietddude/reducer/internal/infra/storage/mongodb"
	"github.com/vietddude/reducer/internal/infra/storage/postgres"
)

// failedReduceTTL bounds how long a failed reduce record stays in redis.
const failedReduceTTL = 7 * 24 * time.Hour

// Stores bundles the repositories of one storage backend.
type Stores struct {
	Balances   storage.EntityStore[*domain.Balance]
	Items      storage.EntityStore[*domain.Item]
	Ownerships storage.EntityStore[*domain.Ownership]

	Events       storage.EventRepository
	Inconsistent storage.InconsistentItemRepository
	JobStates    storage.JobStateRepository
	Failed       storage.FailedReduceRepository

	db      *postgres.DB
	mongo   *mongodb.Client
	closers []func(ctx context.Context) error
}

// OpenStores connects the configured backend. Entities live in the backend
// store. History and divergence records live in postgres when a database is
// configured and in memory otherwise. Job state and failed reduces prefer
// redis when rdb is not nil.
func OpenStores(ctx context.Context, cfg *config.AppConfig, rdb *redisclient.Client) (*Stores, error) {
	s := &Stores{}
	mem := memory.NewMemoryStorage()

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		s.db = db
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		s.Events = postgres.NewEventRepo(db)
		s.Inconsistent = postgres.NewInconsistentItemRepo(db)
		s.JobStates = postgres.NewJobStateRepo(db)
		s.Failed = postgres.NewFailedReduceRepo(db)
		slog.Info("Using PostgreSQL for history")
	} else {
		s.Events = memory.NewEventRepo(mem)
		s.Inconsistent = memory.NewInconsistentItemRepo(mem)
		s.JobStates = memory.NewJobStateRepo(mem)
		s.Failed = memory.NewFailedReduceRepo(mem)
		slog.Info("Using Memory for history")
	}

	if rdb != nil {
		s.JobStates = redisclient.NewJobStateRepo(rdb)
		s.Failed = redisclient.NewFailedReduceRepo(rdb, failedReduceTTL)
	}

	maxDoc := cfg.Storage.MaxDocBytes
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		s.Balances = postgres.NewEntityStore[*domain.Balance](s.db, domain.FamilyBalance, maxDoc)
		s.Items = postgres.NewEntityStore[*domain.Item](s.db, domain.FamilyItem, maxDoc)
		s.Ownerships = postgres.NewEntityStore[*domain.Ownership](s.db, domain.FamilyOwnership, maxDoc)
	case config.BackendMongo:
		client, err := mongodb.NewClient(ctx, cfg.Mongo)
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("failed to connect mongo: %w", err)
		}
		s.mongo = client
		s.closers = append(s.closers, client.Close)
		if cfg.Mongo.MaxDocBytes > 0 {
			maxDoc = cfg.Mongo.MaxDocBytes
		}
		balances := mongodb.NewEntityStore[*domain.Balance](client, domain.FamilyBalance, maxDoc)
		items := mongodb.NewEntityStore[*domain.Item](client, domain.FamilyItem, maxDoc)
		ownerships := mongodb.NewEntityStore[*domain.Ownership](client, domain.FamilyOwnership, maxDoc)
		for _, idx := range []func(context.Context) error{balances.EnsureIndexes, items.EnsureIndexes, ownerships.EnsureIndexes} {
			if err := idx(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
			}
		}
		s.Balances, s.Items, s.Ownerships = balances, items, ownerships
		slog.Info("Using MongoDB for entities")
	default:
		s.Balances = memory.NewEntityStore[*domain.Balance](maxDoc)
		s.Items = memory.NewEntityStore[*domain.Item](maxDoc)
		s.Ownerships = memory.NewEntityStore[*domain.Ownership](maxDoc)
	}
	return s, nil
}

// Health pings the connected databases.
func (s *Stores) Health(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			return err
		}
	}
	if s.mongo != nil {
		return s.mongo.Health(ctx)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (s *Stores) Close(ctx context.Context) error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// StartMetricsCollector reports database pool metrics when postgres is used.
func (s *Stores) StartMetricsCollector(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

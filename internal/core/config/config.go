package config

import (
	"time"

	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/indexing/consistency"
	"github.com/vietddude/reducer/internal/indexing/health"
	"github.com/vietddude/reducer/internal/indexing/ingest"
	"github.com/vietddude/reducer/internal/indexing/recovery"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/indexing/rescan"
	"github.com/vietddude/reducer/internal/indexing/throttle"
	"github.com/vietddude/reducer/internal/infra/chain/evm"
	redisclient "github.com/vietddude/reducer/internal/infra/redis"
	"github.com/vietddude/reducer/internal/infra/storage/mongodb"
	"github.com/vietddude/reducer/internal/infra/storage/postgres"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Chain       ChainConfig        `yaml:"chain"`
	Storage     StorageConfig      `yaml:"storage"`
	Database    postgres.Config    `yaml:"database"`
	Mongo       mongodb.Config     `yaml:"mongo"`
	Redis       redisclient.Config `yaml:"redis"`
	Ingest      IngestConfig       `yaml:"ingest"`
	Reduce      ReduceConfig       `yaml:"reduce"`
	Consistency ConsistencyConfig  `yaml:"consistency"`
	Recovery    RecoveryConfig     `yaml:"recovery"`
	Reindex     ReindexConfig      `yaml:"reindex"`
	Pruner      PrunerConfig       `yaml:"pruner"`
	Notify      NotifyConfig       `yaml:"notify"`
	Health      health.Thresholds  `yaml:"health"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the chain head sources.
type ChainConfig struct {
	RPC          evm.RPCConfig `yaml:"rpc"`
	WebsocketURL string        `yaml:"websocket_url"` // newHeads subscription, optional
	HeadTTL      time.Duration `yaml:"head_ttl"`
	// ConfirmationBlocks is the depth at which a confirmed event is settled.
	ConfirmationBlocks uint64 `yaml:"confirmation_blocks"`
}

// StorageConfig selects where entities and history live.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, postgres, mongo
	// Entity documents larger than this are rejected by the memory backend.
	MaxDocBytes int `yaml:"max_doc_bytes"`
}

// IngestConfig configures the raw log consumer.
type IngestConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	Stream     redisclient.StreamConfig `yaml:"stream"`
	Dispatcher ingest.Config            `yaml:"dispatcher"`
	// SkipTokens are never reduced. The redis skip set is merged in on refresh.
	SkipTokens        []string      `yaml:"skip_tokens"`
	SkipTokensRefresh time.Duration `yaml:"skip_tokens_refresh"`
}

// ReduceConfig configures the reduce services.
type ReduceConfig struct {
	Service reducer.Options `yaml:"service"`
	Status  reduce.Options  `yaml:"status"`
	// LowTrafficSkip is the percentage of hot ids skipped by full reduce jobs.
	LowTrafficSkip int      `yaml:"low_traffic_skip"`
	HotIDs         []string `yaml:"hot_ids"`
}

// ConsistencyConfig configures the detection and repair jobs.
type ConsistencyConfig struct {
	Enabled   bool                        `yaml:"enabled"`
	Interval  time.Duration               `yaml:"interval"`
	Detection consistency.DetectionConfig `yaml:"detection"`
	Repair    consistency.RepairConfig    `yaml:"repair"`
	Adaptive  throttle.AdaptiveConfig     `yaml:"adaptive"`
}

// RecoveryConfig configures retries of failed reduces.
type RecoveryConfig struct {
	Interval time.Duration               `yaml:"interval"`
	Backoff  recovery.ExponentialBackoff `yaml:"backoff"`
}

// ReindexConfig configures the reindex worker.
type ReindexConfig struct {
	Enabled bool                `yaml:"enabled"`
	Worker  rescan.WorkerConfig `yaml:"worker"`
}

// PrunerConfig configures deletion of inactive history.
type PrunerConfig struct {
	RetentionPeriod time.Duration `yaml:"retention_period"` // 0 = keep forever
}

// NotifyConfig configures change notifications.
type NotifyConfig struct {
	// Publish sends changes to redis pubsub, one channel per family.
	Publish bool `yaml:"publish"`
	// Confirmations holds changes back until their block is this deep.
	Confirmations uint64 `yaml:"confirmations"`
}

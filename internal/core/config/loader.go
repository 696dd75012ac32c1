package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/reducer/internal/core/reduce"
	"github.com/vietddude/reducer/internal/indexing/consistency"
	"github.com/vietddude/reducer/internal/indexing/health"
	"github.com/vietddude/reducer/internal/indexing/recovery"
	"github.com/vietddude/reducer/internal/indexing/reducer"
	"github.com/vietddude/reducer/internal/indexing/rescan"
	"github.com/vietddude/reducer/internal/indexing/throttle"
)

// Default returns the configuration used for every key the file omits.
func Default() *AppConfig {
	return &AppConfig{
		Server:  ServerConfig{Port: 8080},
		Chain:   ChainConfig{HeadTTL: 5 * time.Second, ConfirmationBlocks: 12},
		Storage: StorageConfig{Backend: BackendMemory},
		Ingest:  IngestConfig{SkipTokensRefresh: time.Minute},
		Reduce: ReduceConfig{
			Service: reducer.DefaultOptions(),
			Status:  reduce.DefaultOptions(),
		},
		Consistency: ConsistencyConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			Detection: consistency.DefaultDetectionConfig(),
			Repair:    consistency.DefaultRepairConfig(),
			Adaptive:  throttle.DefaultConfig(),
		},
		Recovery: RecoveryConfig{
			Interval: 10 * time.Second,
			Backoff:  *recovery.DefaultBackoff(nil),
		},
		Reindex: ReindexConfig{Enabled: true, Worker: rescan.DefaultConfig()},
		Health:  health.DefaultThresholds(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("storage backend %s requires database.url", c.Storage.Backend)
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("storage backend %s requires mongo.uri", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Ingest.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("ingest requires redis.url")
	}
	if c.Notify.Publish && c.Redis.URL == "" {
		return fmt.Errorf("notify.publish requires redis.url")
	}
	if c.Reindex.Enabled && c.Redis.URL == "" {
		// The reindex queue lives in redis.
		c.Reindex.Enabled = false
	}
	if c.Reduce.LowTrafficSkip < 0 || c.Reduce.LowTrafficSkip > 100 {
		return fmt.Errorf("reduce.low_traffic_skip must be within 0..100, got %d", c.Reduce.LowTrafficSkip)
	}
	return nil
}

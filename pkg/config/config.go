package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all metergate configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Cache      CacheConfig      `yaml:"cache"`
	Redis      RedisConfig      `yaml:"redis"`
	Costs      CostSchedule     `yaml:"costs"`
	Generation GenerationConfig `yaml:"generation"`
	Asset      AssetConfig      `yaml:"asset"`
	History    HistoryConfig    `yaml:"history"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Format string `yaml:"format"` // "json" or "console"
}

// Storage backends shared by the ledger and the cache.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// LedgerConfig controls the credit ledger.
type LedgerConfig struct {
	Backend      string `yaml:"backend"`
	MonthlyLimit int64  `yaml:"monthly_limit"`
	PostgresDSN  string `yaml:"postgres_dsn"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`         // 0 keeps entries until evicted by capacity
	MaxEntries int           `yaml:"max_entries"` // 0 = unbounded
}

// RedisConfig is used by every redis-backed component.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CostSchedule is the credit price of each metered operation.
type CostSchedule struct {
	ImageSmall      int64 `yaml:"image_small"`
	ImageMedium     int64 `yaml:"image_medium"`
	ImageLarge      int64 `yaml:"image_large"`
	DistillSimple   int64 `yaml:"distill_simple"`
	DistillStandard int64 `yaml:"distill_standard"`
	DistillComplex  int64 `yaml:"distill_complex"`
}

// GenerationConfig bounds calls to external generators.
type GenerationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AssetConfig controls where rendered assets live.
type AssetConfig struct {
	Bucket string `yaml:"bucket"`
}

// HistoryConfig controls the per-actor history store.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`        // defaults to the top-level db_path
	RetentionDays int    `yaml:"retention_days"` // 0 keeps history forever
}

// HistoryDBPath returns the database file used by the history store.
func (c *Config) HistoryDBPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return c.DBPath
}

// DefaultCosts is the reference credit schedule.
func DefaultCosts() CostSchedule {
	return CostSchedule{
		ImageSmall:      5,
		ImageMedium:     10,
		ImageLarge:      25,
		DistillSimple:   2,
		DistillStandard: 4,
		DistillComplex:  8,
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "metergate.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ledger: LedgerConfig{
			Backend:      BackendSQLite,
			MonthlyLimit: 25000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    BackendSQLite,
			MaxEntries: 100000,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "metergate:",
		},
		Costs: DefaultCosts(),
		Generation: GenerationConfig{
			Timeout: 2 * time.Minute,
		},
		Asset: AssetConfig{
			Bucket: "metergate-assets",
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("config: ledger.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Ledger.MonthlyLimit <= 0 {
		return fmt.Errorf("config: ledger.monthly_limit must be positive, got %d", c.Ledger.MonthlyLimit)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: cache.max_entries must not be negative")
	}
	costs := map[string]int64{
		"image_small":      c.Costs.ImageSmall,
		"image_medium":     c.Costs.ImageMedium,
		"image_large":      c.Costs.ImageLarge,
		"distill_simple":   c.Costs.DistillSimple,
		"distill_standard": c.Costs.DistillStandard,
		"distill_complex":  c.Costs.DistillComplex,
	}
	for name, v := range costs {
		if v <= 0 {
			return fmt.Errorf("config: costs.%s must be positive, got %d", name, v)
		}
	}
	return nil
}

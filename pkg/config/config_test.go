package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Ledger.MonthlyLimit != 25000 {
		t.Errorf("expected 25000 monthly limit, got %d", cfg.Ledger.MonthlyLimit)
	}
	if cfg.Costs.ImageLarge != 25 || cfg.Costs.DistillComplex != 8 {
		t.Errorf("unexpected default costs: %+v", cfg.Costs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://localhost/metergate")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
ledger:
  backend: postgres
  monthly_limit: 1000
  postgres_dsn: ${TEST_PG_DSN}
cache:
  enabled: true
  backend: memory
  ttl: 30m
  max_entries: 50
costs:
  image_medium: 12
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Ledger.PostgresDSN != "postgres://localhost/metergate" {
		t.Errorf("env var not expanded: got %s", cfg.Ledger.PostgresDSN)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 50 {
		t.Errorf("expected 50 max entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Costs.ImageMedium != 12 {
		t.Errorf("expected overridden medium cost 12, got %d", cfg.Costs.ImageMedium)
	}
	// untouched keys keep their defaults
	if cfg.Costs.ImageSmall != 5 {
		t.Errorf("expected default small cost 5, got %d", cfg.Costs.ImageSmall)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "metergate.db" {
		t.Errorf("expected default db path, got %s", cfg.DBPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "etcd" }, "unknown ledger backend"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = BackendPostgres }, "postgres_dsn"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "postgres" }, "unknown cache backend"},
		{"zero limit", func(c *Config) { c.Ledger.MonthlyLimit = 0 }, "monthly_limit"},
		{"zero cost", func(c *Config) { c.Costs.DistillSimple = 0 }, "distill_simple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestHistoryDBPath(t *testing.T) {
	cfg := Default()
	if got := cfg.HistoryDBPath(); got != cfg.DBPath {
		t.Errorf("expected fallback to %s, got %s", cfg.DBPath, got)
	}
	cfg.History.DBPath = "history.db"
	if got := cfg.HistoryDBPath(); got != "history.db" {
		t.Errorf("expected history.db, got %s", got)
	}
}

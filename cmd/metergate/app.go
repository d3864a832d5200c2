package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/asset"
	"github.com/pario-ai/metergate/pkg/cache"
	cachememory "github.com/pario-ai/metergate/pkg/cache/memory"
	cacheredis "github.com/pario-ai/metergate/pkg/cache/redis"
	cachesqlite "github.com/pario-ai/metergate/pkg/cache/sqlite"
	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/distill"
	"github.com/pario-ai/metergate/pkg/history"
	"github.com/pario-ai/metergate/pkg/ledger"
	ledgermemory "github.com/pario-ai/metergate/pkg/ledger/memory"
	ledgerpostgres "github.com/pario-ai/metergate/pkg/ledger/postgres"
	ledgerredis "github.com/pario-ai/metergate/pkg/ledger/redis"
	ledgersqlite "github.com/pario-ai/metergate/pkg/ledger/sqlite"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/runner"
)

// app holds every service built from one Config. Nothing here is global;
// each command builds its own app and closes it on exit.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector

	ledger    *ledger.Ledger
	cache     *cache.ResultCache // nil when disabled
	history   *history.Log       // nil when disabled
	runner    *runner.Runner
	assets    *asset.Service
	distiller *distill.Service
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg. Console output goes to
// stderr so stdout stays clean for command output and MCP.
func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
		}
		level = l
	}

	var out io.Writer = os.Stderr
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "metergate").Logger(), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewWithRegistry(a.registry)

	store, err := a.openLedgerStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	a.ledger = ledger.New(store, cfg.Ledger.MonthlyLimit,
		ledger.WithLogger(logger.With().Str("component", "ledger").Logger()),
		ledger.WithMetrics(a.metrics),
	)

	if cfg.Cache.Enabled {
		cs, err := a.openCacheStore()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init cache: %w", err)
		}
		a.cache = cache.New(cs,
			cache.WithLogger(logger.With().Str("component", "cache").Logger()),
			cache.WithMetrics(a.metrics),
		)
	}

	if cfg.History.Enabled {
		h, err := history.New(cfg.HistoryDBPath(), cfg.History.RetentionDays,
			logger.With().Str("component", "history").Logger())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
		a.history = h
	}

	a.runner = runner.New(a.ledger, a.cache,
		runner.WithTimeout(cfg.Generation.Timeout),
		runner.WithLogger(logger.With().Str("component", "runner").Logger()),
		runner.WithMetrics(a.metrics),
	)

	assetOpts := []asset.Option{
		asset.WithRenderer(asset.PlaceholderRenderer{Bucket: cfg.Asset.Bucket}),
		asset.WithLogger(logger.With().Str("component", "asset").Logger()),
	}
	distillOpts := []distill.Option{
		distill.WithLogger(logger.With().Str("component", "distill").Logger()),
	}
	if a.history != nil {
		assetOpts = append(assetOpts, asset.WithHistory(a.history))
		distillOpts = append(distillOpts, distill.WithHistory(a.history))
	}
	a.assets = asset.New(a.runner, cfg.Costs, assetOpts...)
	a.distiller = distill.New(a.runner, cfg.Costs, distillOpts...)
	return a, nil
}

func (a *app) redisClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
}

func (a *app) openLedgerStore(ctx context.Context) (ledger.Store, error) {
	switch a.cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledgermemory.New(), nil
	case config.BackendSQLite:
		return ledgersqlite.New(a.cfg.DBPath)
	case config.BackendPostgres:
		return ledgerpostgres.Open(ctx, a.cfg.Ledger.PostgresDSN)
	case config.BackendRedis:
		client := a.redisClient()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return ledgerredis.New(client, ledgerredis.WithKeyPrefix(a.cfg.Redis.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", a.cfg.Ledger.Backend)
	}
}

func (a *app) openCacheStore() (cache.Store, error) {
	switch a.cfg.Cache.Backend {
	case config.BackendMemory:
		return cachememory.New(a.cfg.Cache.MaxEntries, a.cfg.Cache.TTL)
	case config.BackendSQLite:
		return cachesqlite.New(a.cfg.DBPath, a.cfg.Cache.TTL)
	case config.BackendRedis:
		return cacheredis.New(a.redisClient(),
			cacheredis.WithKeyPrefix(a.cfg.Redis.KeyPrefix),
			cacheredis.WithTTL(a.cfg.Cache.TTL),
		), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
}

// Close releases every backend, returning the joined errors.
func (a *app) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	return errors.Join(errs...)
}

// withApp loads the config, builds an app, runs fn and closes the app.
func withApp(ctx context.Context, configPath string, fn func(*app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}()
	return fn(a)
}

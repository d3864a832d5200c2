package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "metergate.db")
	cfg.Log.Level = "error"
	return cfg
}

func TestNewAppSQLite(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.cache)
	require.NotNil(t, a.history)

	req := models.AssetRequest{AssetKind: models.AssetBadge, Context: "first run", ActorID: "u1"}
	first, err := a.assets.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := a.assets.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.AssetID, second.AssetID)

	used, err := a.ledger.CurrentMonthUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)

	entries, err := a.history.Query(ctx, models.HistoryQueryOpts{ActorID: "u1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewAppDisabledComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = config.BackendMemory
	cfg.Cache.Enabled = false
	cfg.History.Enabled = false

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.cache)
	assert.Nil(t, a.history)

	resp, err := a.distiller.Distill(context.Background(), models.DistillRequest{
		RawText:   "Went for a morning run",
		InputKind: models.InputNoteText,
	})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
}

func TestNewAppUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = "etcd"
	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown ledger backend "etcd"`)
}

func TestNewLoggerLevel(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	logger, err := newLogger(config.LogConfig{Level: "WARN", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, "warn", logger.GetLevel().String())
}

func TestFormatBreakdownTable(t *testing.T) {
	assert.Equal(t, "No usage data found.\n", formatBreakdownTable(nil))

	out := formatBreakdownTable([]models.FeatureUsage{
		{OperationKind: "asset", FeatureID: "badge_generation", Count: 3, Credits: 30},
		{OperationKind: "distillation", FeatureID: "distillation_standard", Count: 2, Credits: 8},
		{OperationKind: "asset", FeatureID: "icon_generation", Count: 1, Credits: 5},
	})
	assert.Contains(t, out, "badge_generation")
	assert.Regexp(t, `asset\s+\(subtotal\)\s+35`, out)
	assert.Regexp(t, `distillation\s+\(subtotal\)\s+8`, out)
	assert.Regexp(t, `TOTAL\s+43`, out)
}

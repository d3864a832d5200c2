package asset_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/asset"
	"github.com/pario-ai/metergate/pkg/cache"
	cachememory "github.com/pario-ai/metergate/pkg/cache/memory"
	"github.com/pario-ai/metergate/pkg/clock"
	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/ledger"
	ledgermemory "github.com/pario-ai/metergate/pkg/ledger/memory"
	"github.com/pario-ai/metergate/pkg/models"
	"github.com/pario-ai/metergate/pkg/runner"
)

type recorder struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func (r *recorder) Record(_ context.Context, e models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, string, models.AssetSize, models.Dimensions, string) (string, error) {
	return "", errors.New("image model down")
}

func newService(t *testing.T, limit int64, opts ...asset.Option) (*asset.Service, *ledger.Ledger) {
	t.Helper()
	cs, err := cachememory.New(0, 0)
	require.NoError(t, err)
	rc := cache.New(cs)
	t.Cleanup(func() { rc.Close() })

	fake := clock.NewFake(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	l := ledger.New(ledgermemory.New(), limit, ledger.WithClock(fake))
	opts = append([]asset.Option{asset.WithClock(fake)}, opts...)
	return asset.New(runner.New(l, rc), config.DefaultCosts(), opts...), l
}

func TestGenerateThenCached(t *testing.T) {
	svc, l := newService(t, 25000)
	ctx := context.Background()
	req := models.AssetRequest{AssetKind: models.AssetBadge, Context: "gold star achievement"}

	first, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, int64(10), first.CreditsUsed)
	assert.Regexp(t, regexp.MustCompile(`^badge_[0-9a-z]+_[0-9a-f]{8}$`), first.AssetID)
	assert.Equal(t, "https://storage.googleapis.com/metergate-assets/generated_assets/"+first.AssetID+".png", first.AssetURL)

	second, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Zero(t, second.CreditsUsed)
	assert.Equal(t, first.AssetID, second.AssetID)
	assert.Equal(t, first.AssetURL, second.AssetURL)
	assert.Equal(t, first.PromptUsed, second.PromptUsed)
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt))

	used, err := l.CurrentMonthUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)

	records, err := l.Records(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, asset.OperationKind, records[0].OperationKind)
	assert.Equal(t, "badge_generation", records[0].FeatureID)
	assert.Equal(t, "medium", records[0].Metadata["size"])
}

func TestCostBySize(t *testing.T) {
	svc, _ := newService(t, 25000)
	ctx := context.Background()

	for size, want := range map[models.AssetSize]int64{
		models.SizeSmall:  5,
		models.SizeMedium: 10,
		models.SizeLarge:  25,
	} {
		res, err := svc.Generate(ctx, models.AssetRequest{AssetKind: models.AssetOrb, Context: "calm", Size: size})
		require.NoError(t, err)
		assert.Equal(t, want, res.CreditsUsed, "size %s", size)
	}
}

func TestSizeChangesFingerprint(t *testing.T) {
	svc, _ := newService(t, 25000)
	ctx := context.Background()

	small, err := svc.Generate(ctx, models.AssetRequest{AssetKind: models.AssetIcon, Context: "key", Size: models.SizeSmall})
	require.NoError(t, err)
	large, err := svc.Generate(ctx, models.AssetRequest{AssetKind: models.AssetIcon, Context: "key", Size: models.SizeLarge})
	require.NoError(t, err)
	assert.False(t, large.FromCache)
	assert.NotEqual(t, small.AssetID, large.AssetID)
}

func TestLargeDeniedNearLimit(t *testing.T) {
	svc, l := newService(t, 25000)
	ctx := context.Background()
	_, err := l.RecordUsage(ctx, "asset", 24995, "seed", "", nil)
	require.NoError(t, err)

	_, err = svc.Generate(ctx, models.AssetRequest{AssetKind: models.AssetBackground, Context: "dusk", Size: models.SizeLarge})
	require.Error(t, err)
	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(25), insufficient.Required)
	assert.Equal(t, int64(5), insufficient.Available)

	used, err := l.CurrentMonthUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(24995), used)
}

func TestHistoryCopyOnFreshOnly(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(t, 25000, asset.WithHistory(rec))
	ctx := context.Background()
	req := models.AssetRequest{AssetKind: models.AssetAvatar, Context: "explorer", ActorID: "user-1"}

	first, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	_, err = svc.Generate(ctx, req)
	require.NoError(t, err)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "user-1", rec.entries[0].ActorID)
	assert.Equal(t, first.AssetID, rec.entries[0].ItemID)
	assert.Contains(t, string(rec.entries[0].Payload), first.AssetURL)
}

func TestRenderFailureNotBilled(t *testing.T) {
	svc, l := newService(t, 25000, asset.WithRenderer(failingRenderer{}))
	ctx := context.Background()

	_, err := svc.Generate(ctx, models.AssetRequest{AssetKind: models.AssetBadge, Context: "x"})
	assert.ErrorIs(t, err, runner.ErrGeneration)

	used, err := l.CurrentMonthUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestInvalidRequests(t *testing.T) {
	svc, _ := newService(t, 25000)
	ctx := context.Background()

	cases := map[string]models.AssetRequest{
		"unknown kind": {AssetKind: "poster", Context: "x"},
		"unknown size": {AssetKind: models.AssetBadge, Context: "x", Size: "huge"},
		"no context":   {AssetKind: models.AssetBadge, Context: "  "},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Generate(ctx, req)
			assert.ErrorIs(t, err, asset.ErrInvalidRequest)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := asset.BuildPrompt(models.AssetBadge, "first task", []string{"silver", "bold"})
	parts := strings.Split(p, ". ")
	require.Len(t, parts, 7)
	assert.Equal(t, "circular achievement badge with sacred geometry border", parts[0])
	assert.Equal(t, "first task", parts[1])
	assert.True(t, strings.HasPrefix(parts[2], "Style: minimalist"))
	assert.Contains(t, parts[3], "#D4AF37")
	assert.Equal(t, "high quality, digital art, clean edges, no text", parts[5])
	assert.Equal(t, "silver, bold", parts[6])

	assert.Len(t, strings.Split(asset.BuildPrompt(models.AssetOrb, "c", nil), ". "), 6)
}

func TestDimensions(t *testing.T) {
	d, ok := asset.DimensionsFor(models.SizeLarge)
	require.True(t, ok)
	assert.Equal(t, models.Dimensions{Width: 1024, Height: 1024}, d)
	_, ok = asset.DimensionsFor("huge")
	assert.False(t, ok)
}

package distill_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/cache"
	cachememory "github.com/pario-ai/metergate/pkg/cache/memory"
	"github.com/pario-ai/metergate/pkg/clock"
	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/distill"
	"github.com/pario-ai/metergate/pkg/fingerprint"
	"github.com/pario-ai/metergate/pkg/ledger"
	ledgermemory "github.com/pario-ai/metergate/pkg/ledger/memory"
	"github.com/pario-ai/metergate/pkg/models"
	"github.com/pario-ai/metergate/pkg/runner"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

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

type fixedClassifier struct {
	distill.HeuristicClassifier
}

func (fixedClassifier) Classify(string, models.InputKind) models.Category {
	return models.CategoryAchievement
}

func newService(t *testing.T, opts ...distill.Option) (*distill.Service, *ledger.Ledger) {
	t.Helper()
	cs, err := cachememory.New(0, 0)
	require.NoError(t, err)
	rc := cache.New(cs)
	t.Cleanup(func() { rc.Close() })

	fake := clock.NewFake(now)
	l := ledger.New(ledgermemory.New(), 25000, ledger.WithClock(fake))
	opts = append([]distill.Option{distill.WithClock(fake)}, opts...)
	return distill.New(runner.New(l, rc), config.DefaultCosts(), opts...), l
}

func TestDistillNote(t *testing.T) {
	svc, _ := newService(t)
	raw := "Had coffee with Sarah this morning, need to follow up tomorrow"

	res, err := svc.Distill(context.Background(), models.DistillRequest{
		RawText:   raw,
		InputKind: models.InputNoteText,
	})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(4), res.CreditsUsed)

	e := res.Event
	assert.Contains(t, models.Categories, e.Category)
	assert.Equal(t, models.CategoryRoutine, e.Category)

	var names []string
	for _, ent := range e.Entities {
		names = append(names, ent.Name)
	}
	assert.Contains(t, names, "Sarah")

	require.NotEmpty(t, e.ActionItems)
	assert.Equal(t, "follow up tomorrow", e.ActionItems[0].Text)

	assert.Contains(t, e.Tags, string(e.Category))
	assert.Contains(t, e.Tags, "morning")

	assert.True(t, strings.HasPrefix(e.ID, "evt_"))
	assert.Equal(t, fingerprint.Distill("note_text", raw), e.SourceHash)
	assert.Equal(t, distill.Confidence, e.Confidence)
	assert.Equal(t, models.InputNoteText, e.InputMetadata.InputKind)
	assert.Equal(t, len(raw), e.InputMetadata.CharacterCount)
	assert.True(t, e.OccurredAt.Equal(now))
	assert.Nil(t, e.SpatialContext)
}

func TestDistillCachedAcrossComplexity(t *testing.T) {
	svc, l := newService(t)
	ctx := context.Background()
	req := models.DistillRequest{RawText: "Completed the first chapter", InputKind: models.InputNoteText, Complexity: models.ComplexityComplex}

	first, err := svc.Distill(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(8), first.CreditsUsed)

	req.Complexity = models.ComplexitySimple
	second, err := svc.Distill(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Zero(t, second.CreditsUsed)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	used, err := l.CurrentMonthUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), used)
}

func TestDistillInputKindChangesKey(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Distill(ctx, models.DistillRequest{RawText: "home", InputKind: models.InputNoteText})
	require.NoError(t, err)
	b, err := svc.Distill(ctx, models.DistillRequest{RawText: "home", InputKind: models.InputLocationContext})
	require.NoError(t, err)
	assert.False(t, b.FromCache)
	assert.NotEqual(t, a.Event.ID, b.Event.ID)
	assert.Equal(t, models.CategoryLocation, b.Event.Category)
}

func TestDistillOptionalFields(t *testing.T) {
	svc, _ := newService(t)
	occurred := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	res, err := svc.Distill(context.Background(), models.DistillRequest{
		RawText:     "Walked by the river",
		InputKind:   models.InputVoiceTranscript,
		SpatialHint: "garden room",
		OccurredAt:  &occurred,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event.SpatialContext)
	assert.Equal(t, "garden room", res.Event.SpatialContext.LocationName)
	assert.True(t, res.Event.OccurredAt.Equal(occurred))
}

func TestDistillHistoryCopy(t *testing.T) {
	rec := &recorder{}
	svc, _ := newService(t, distill.WithHistory(rec))
	ctx := context.Background()
	req := models.DistillRequest{RawText: "Journal entry", InputKind: models.InputNoteText, ActorID: "user-1"}

	res, err := svc.Distill(ctx, req)
	require.NoError(t, err)
	_, err = svc.Distill(ctx, req)
	require.NoError(t, err)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, distill.OperationKind, rec.entries[0].Kind)
	assert.Equal(t, res.Event.ID, rec.entries[0].ItemID)
}

func TestDistillCustomClassifier(t *testing.T) {
	svc, _ := newService(t, distill.WithClassifier(fixedClassifier{}))
	res, err := svc.Distill(context.Background(), models.DistillRequest{RawText: "anything", InputKind: models.InputNoteText})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAchievement, res.Event.Category)
	assert.Contains(t, res.Event.Tags, "achievement")
}

func TestDistillInvalid(t *testing.T) {
	svc, _ := newService(t)
	cases := map[string]models.DistillRequest{
		"empty text":         {RawText: " ", InputKind: models.InputNoteText},
		"unknown kind":       {RawText: "x", InputKind: "email"},
		"unknown complexity": {RawText: "x", InputKind: models.InputNoteText, Complexity: "extreme"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Distill(context.Background(), req)
			assert.ErrorIs(t, err, distill.ErrInvalidRequest)
		})
	}
}

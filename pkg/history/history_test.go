package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/models"
)

func mustNew(t *testing.T, retentionDays int) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "history_test.db"), retentionDays, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entry(actor, kind, id string, at time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		ActorID:   actor,
		Kind:      kind,
		ItemID:    id,
		Payload:   []byte(`{"asset_id":"` + id + `"}`),
		CreatedAt: at,
	}
}

func TestRecordAndQuery(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a1", "a2", "a3"} {
		if err := l.Record(ctx, entry("user-1", "asset", id, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Record(ctx, entry("user-1", "distillation", "d1", now)); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, entry("user-2", "asset", "b1", now)); err != nil {
		t.Fatal(err)
	}

	got, err := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1", Kind: "asset"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ItemID != "a3" {
		t.Errorf("expected newest first, got %s", got[0].ItemID)
	}
	if string(got[0].Payload) != `{"asset_id":"a3"}` {
		t.Errorf("payload = %s", got[0].Payload)
	}

	all, err := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 entries for user-1, got %d", len(all))
	}

	limited, err := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 entries with limit, got %d", len(limited))
	}
}

func TestRecordReplacesSameItem(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := l.Record(ctx, entry("user-1", "asset", "a1", now)); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, entry("user-1", "asset", "a1", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}

	got, err := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 entry, got %d", len(got))
	}
}

func TestRecordRequiresActor(t *testing.T) {
	l := mustNew(t, 0)
	if err := l.Record(context.Background(), entry("", "asset", "a1", time.Now())); err == nil {
		t.Error("expected error for empty actor")
	}
}

func TestQuerySince(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = l.Record(ctx, entry("user-1", "asset", "old", now.Add(-48*time.Hour)))
	_ = l.Record(ctx, entry("user-1", "asset", "new", now))

	got, err := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1", Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ItemID != "new" {
		t.Errorf("expected only the recent entry, got %+v", got)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()
	day := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	_ = l.Record(ctx, entry("user-1", "asset", "a1", day))
	_ = l.Record(ctx, entry("user-1", "asset", "a2", day.Add(time.Hour)))
	_ = l.Record(ctx, entry("user-1", "distillation", "d1", day))

	stats, err := l.Stats(ctx, "user-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stat rows, got %d", len(stats))
	}
	if stats[0].Kind != "asset" || stats[0].Count != 2 || stats[0].Day != "2024-05-10" {
		t.Errorf("unexpected first row: %+v", stats[0])
	}
}

func TestCleanup(t *testing.T) {
	l := mustNew(t, 30)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = l.Record(ctx, entry("user-1", "asset", "old", now.AddDate(0, 0, -45)))
	_ = l.Record(ctx, entry("user-1", "asset", "new", now))

	n, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}

	got, _ := l.Query(ctx, models.HistoryQueryOpts{ActorID: "user-1"})
	if len(got) != 1 || got[0].ItemID != "new" {
		t.Errorf("expected only the new entry to remain, got %+v", got)
	}
}

func TestCleanupUnboundedRetention(t *testing.T) {
	l := mustNew(t, 0)
	ctx := context.Background()

	_ = l.Record(ctx, entry("user-1", "asset", "old", time.Now().UTC().AddDate(-1, 0, 0)))

	n, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing deleted without retention, got %d", n)
	}
}

func TestNilLog(t *testing.T) {
	var l *Log
	ctx := context.Background()
	if err := l.Record(ctx, entry("user-1", "asset", "a1", time.Now())); err != nil {
		t.Errorf("nil Record: %v", err)
	}
	got, err := l.Query(ctx, models.HistoryQueryOpts{})
	if err != nil || got != nil {
		t.Errorf("nil Query = %v, %v", got, err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestInvalidPath(t *testing.T) {
	_, err := New("/nonexistent/dir/history.db", 0, zerolog.Nop())
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

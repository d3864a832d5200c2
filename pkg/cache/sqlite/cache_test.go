package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/cache/cachetest"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	s, err := New(dbPath, ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, ttl time.Duration) cache.Store {
		return newTestStore(t, ttl)
	})
}

func TestTTLExpiration(t *testing.T) {
	s := newTestStore(t, time.Millisecond)
	ctx := context.Background()

	if err := s.Put(ctx, cachetest.Entry("testhash", "data", time.Now())); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := s.Get(ctx, "testhash"); err != cache.ErrNotFound {
		t.Errorf("expected miss after TTL expiration, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := New(dbPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, cachetest.Entry("fp", `{"ok":true}`, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch(ctx, "fp", time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(dbPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	e, err := s.Get(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if e.AccessCount != 1 {
		t.Errorf("expected access count 1 after reopen, got %d", e.AccessCount)
	}
}

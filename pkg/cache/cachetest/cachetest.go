// Package cachetest holds behaviour tests shared by every cache.Store.
package cachetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/models"
)

// NewStore returns a fresh store with the given TTL (0 = none).
type NewStore func(t *testing.T, ttl time.Duration) cache.Store

// Run exercises store semantics. Each subtest gets a fresh store.
func Run(t *testing.T, newStore NewStore) {
	t.Run("Miss", func(t *testing.T) { testMiss(t, newStore(t, 0)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t, 0)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t, 0)) })
	t.Run("Touch", func(t *testing.T) { testTouch(t, newStore(t, 0)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, newStore(t, time.Hour)) })
	t.Run("PruneAge", func(t *testing.T) { testPruneAge(t, newStore(t, 0)) })
	t.Run("PruneCapacity", func(t *testing.T) { testPruneCapacity(t, newStore(t, 0)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newStore(t, 0)) })
}

// Entry builds a test entry created at createdAt.
func Entry(fp, result string, createdAt time.Time) models.CacheEntry {
	return models.CacheEntry{
		Fingerprint:  fp,
		Result:       []byte(result),
		Kind:         "asset",
		Variant:      "medium",
		CreatedAt:    createdAt.UTC(),
		LastAccessed: createdAt.UTC(),
	}
}

func testMiss(t *testing.T, s cache.Store) {
	_, err := s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func testPutGet(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("fp1", `{"asset_id":"a"}`, now)))

	got, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", got.Fingerprint)
	assert.JSONEq(t, `{"asset_id":"a"}`, string(got.Result))
	assert.Equal(t, "asset", got.Kind)
	assert.Equal(t, "medium", got.Variant)
	assert.Zero(t, got.AccessCount)
	assert.WithinDuration(t, now, got.CreatedAt, time.Second)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testOverwrite(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("fp1", `"first"`, now)))
	require.NoError(t, s.Put(ctx, Entry("fp1", `"second"`, now)))

	got, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(got.Result))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testTouch(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("fp1", `"x"`, now)))

	var prev int64
	for i := 1; i <= 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Touch(ctx, "fp1", at))
		got, err := s.Get(ctx, "fp1")
		require.NoError(t, err)
		assert.Greater(t, got.AccessCount, prev)
		assert.WithinDuration(t, at, got.LastAccessed, time.Millisecond)
		prev = got.AccessCount
	}
	assert.Equal(t, int64(3), prev)

	// Touching a missing entry does not create it.
	require.NoError(t, s.Touch(ctx, "absent", now))
	_, err := s.Get(ctx, "absent")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func testTTL(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("stale", `"old"`, now.Add(-2*time.Hour))))
	require.NoError(t, s.Put(ctx, Entry("fresh", `"new"`, now)))

	_, err := s.Get(ctx, "stale")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func testPruneAge(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("old", `1`, now.Add(-48*time.Hour))))
	require.NoError(t, s.Put(ctx, Entry("new", `2`, now)))

	removed, err := s.Prune(ctx, 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func testPruneCapacity(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for i, fp := range []string{"a", "b", "c"} {
		created := now.Add(time.Duration(i-3) * time.Minute)
		require.NoError(t, s.Put(ctx, Entry(fp, fmt.Sprintf("%d", i), created)))
	}
	require.NoError(t, s.Touch(ctx, "a", now))

	removed, err := s.Prune(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrNotFound, "least recently accessed entry should be evicted")
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "c")
	assert.NoError(t, err)
}

func testClear(t *testing.T, s cache.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Put(ctx, Entry("a", `1`, now)))
	require.NoError(t, s.Put(ctx, Entry("b", `2`, now)))
	require.NoError(t, s.Clear(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

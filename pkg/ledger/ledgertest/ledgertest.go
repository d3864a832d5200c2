// Package ledgertest holds behaviour tests shared by every ledger.Store.
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/models"
)

// Run exercises store semantics against stores returned by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("EmptyMonth", func(t *testing.T) { testEmptyMonth(t, newStore(t)) })
	t.Run("ReserveLimit", func(t *testing.T) { testReserveLimit(t, newStore(t)) })
	t.Run("CommitSettles", func(t *testing.T) { testCommitSettles(t, newStore(t)) })
	t.Run("ReleaseIdempotent", func(t *testing.T) { testReleaseIdempotent(t, newStore(t)) })
	t.Run("AppendAndList", func(t *testing.T) { testAppendAndList(t, newStore(t)) })
	t.Run("Reconcile", func(t *testing.T) { testReconcile(t, newStore(t)) })
	t.Run("ReconcileDuringCommits", func(t *testing.T) { testReconcileDuringCommits(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
}

func record(month string, credits int64, feature string, at time.Time) models.UsageRecord {
	return models.UsageRecord{
		ID:              uuid.NewString(),
		OperationKind:   "asset",
		Timestamp:       at.UTC(),
		MonthKey:        month,
		CreditsConsumed: credits,
		FeatureID:       feature,
	}
}

func reservation(month string, amount int64) models.Reservation {
	return models.Reservation{ID: uuid.NewString(), MonthKey: month, Amount: amount}
}

func testEmptyMonth(t *testing.T, s ledger.Store) {
	agg, err := s.Aggregate(context.Background(), "2031-01")
	require.NoError(t, err)
	assert.Equal(t, "2031-01", agg.MonthKey)
	assert.Zero(t, agg.TotalConsumed)
	assert.Zero(t, agg.Reserved)
}

func testReserveLimit(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	agg, ok, err := s.Reserve(ctx, reservation("2031-01", 60), 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(60), agg.Reserved)

	agg, ok, err = s.Reserve(ctx, reservation("2031-01", 41), 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(60), agg.Reserved)

	_, ok, err = s.Reserve(ctx, reservation("2031-01", 40), 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCommitSettles(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	res := reservation("2031-01", 25)
	_, ok, err := s.Reserve(ctx, res, 100)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Commit(ctx, record("2031-01", 25, "orb", time.Now()), res))

	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(25), agg.TotalConsumed)
	assert.Zero(t, agg.Reserved)

	sum, err := s.SumRecords(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(25), sum)
}

func testReleaseIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	res := reservation("2031-01", 30)
	_, _, err := s.Reserve(ctx, res, 100)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, res))
	require.NoError(t, s.Release(ctx, res))

	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Zero(t, agg.Reserved)
	assert.Zero(t, agg.TotalConsumed)
}

func testAppendAndList(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	older := record("2031-01", 10, "badge", now.Add(-time.Minute))
	older.ActorID = "user-1"
	older.Metadata = map[string]string{"size": "medium"}
	require.NoError(t, s.Append(ctx, older))
	require.NoError(t, s.Append(ctx, record("2031-01", 4, "icon", now)))
	require.NoError(t, s.Append(ctx, record("2031-02", 25, "orb", now)))

	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(14), agg.TotalConsumed)

	records, err := s.ListRecords(ctx, "2031-01", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "icon", records[0].FeatureID)
	assert.Equal(t, "user-1", records[1].ActorID)
	assert.Equal(t, "medium", records[1].Metadata["size"])

	limited, err := s.ListRecords(ctx, "2031-01", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testReconcile(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, record("2031-01", 7, "icon", time.Now())))
	_, ok, err := s.Reserve(ctx, reservation("2031-01", 20), 100)
	require.NoError(t, err)
	require.True(t, ok)

	before, after, err := s.Reconcile(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(7), before)
	assert.Equal(t, int64(7), after)

	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(7), agg.TotalConsumed)
	assert.Equal(t, int64(20), agg.Reserved, "reservations are left alone")

	before, after, err = s.Reconcile(ctx, "2031-02")
	require.NoError(t, err)
	assert.Zero(t, before)
	assert.Zero(t, after)
}

// Commits racing a reconcile must all land in the aggregate.
func testReconcileDuringCommits(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const commits = 20

	var wg sync.WaitGroup
	for range commits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := reservation("2031-01", 5)
			if _, _, err := s.Reserve(ctx, res, 1000); err != nil {
				t.Error(err)
				return
			}
			if err := s.Commit(ctx, record("2031-01", 5, "badge", time.Now()), res); err != nil {
				t.Error(err)
			}
		}()
	}
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Reconcile(ctx, "2031-01"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(commits*5), agg.TotalConsumed)
	assert.Zero(t, agg.Reserved)

	sum, err := s.SumRecords(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, agg.TotalConsumed, sum)
}

func testConcurrentReserve(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, reservation("2031-01", 10), 100)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	agg, err := s.Aggregate(ctx, "2031-01")
	require.NoError(t, err)
	assert.Equal(t, int64(100), agg.Reserved)
}

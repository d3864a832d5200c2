//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/ledger/ledgertest"
	ledgerpg "github.com/pario-ai/metergate/pkg/ledger/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/metergate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("postgres not available: %v", err)
	}
	return pool
}

func newTestStore(t *testing.T) ledger.Store {
	t.Helper()
	pool := newTestPool(t)
	// Unique prefix per test to avoid collisions.
	prefix := "test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "") + "_"
	s := ledgerpg.New(pool, ledgerpg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]smonthly_aggregates, %[1]sreservations, %[1]susage_records", prefix))
		s.Close()
	})
	return s
}

func TestStore(t *testing.T) {
	ledgertest.Run(t, newTestStore)
}

func TestLedgerOverPostgres(t *testing.T) {
	l := ledger.New(newTestStore(t), 100)
	ctx := context.Background()

	if _, err := l.RecordUsage(ctx, "distill", 95, "note_text", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.Reserve(ctx, 10); err == nil {
		t.Fatal("expected budget exceeded")
	}
	res, _, err := l.Reserve(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(ctx, res, "distill", "note_text", "user-1", nil); err != nil {
		t.Fatal(err)
	}
	used, err := l.CurrentMonthUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if used != 100 {
		t.Errorf("expected 100 used, got %d", used)
	}
}

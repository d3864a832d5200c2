package ledger

import (
	"context"

	"github.com/pario-ai/metergate/pkg/models"
)

// Store persists the append-only usage log and the per-month aggregates.
// Every mutating method must be atomic with respect to concurrent callers.
type Store interface {
	// Aggregate returns the aggregate for month. A month without activity
	// yields a zero aggregate, not an error.
	Aggregate(ctx context.Context, month string) (models.MonthlyAggregate, error)
	// Reserve holds res.Amount in res.MonthKey if consumed+reserved+amount <= limit.
	// It returns the aggregate after the attempt and whether the hold was taken.
	Reserve(ctx context.Context, res models.Reservation, limit int64) (models.MonthlyAggregate, bool, error)
	// Commit appends rec, adds rec.CreditsConsumed to rec.MonthKey and drops
	// res from the reserved total of res.MonthKey, all in one atomic step.
	Commit(ctx context.Context, rec models.UsageRecord, res models.Reservation) error
	// Release drops res from the reserved total without consuming it.
	Release(ctx context.Context, res models.Reservation) error
	// Append records usage that was never reserved.
	Append(ctx context.Context, rec models.UsageRecord) error
	// SumRecords totals the credits of every record logged in month.
	SumRecords(ctx context.Context, month string) (int64, error)
	// ListRecords returns records of month, newest first. limit <= 0 returns all.
	ListRecords(ctx context.Context, month string, limit int) ([]models.UsageRecord, error)
	// Reconcile overwrites the consumed total of month with the sum of its
	// log in one atomic step and returns the totals before and after.
	Reconcile(ctx context.Context, month string) (before, after int64, err error)
	// Close releases resources.
	Close() error
}

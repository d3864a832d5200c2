// Package ledger meters credit consumption against a shared monthly allowance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/clock"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/models"
)

// DefaultMonthlyLimit is the shared credit allowance per calendar month.
const DefaultMonthlyLimit int64 = 25000

// ErrInvalidAmount is returned for negative credit amounts.
var ErrInvalidAmount = errors.New("credit amount must not be negative")

// Ledger admits and records metered operations. It holds no state of its own;
// every read goes to the Store.
type Ledger struct {
	store   Store
	limit   int64
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used for month keys and estimates.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger over store with the given monthly limit.
// A non-positive limit falls back to DefaultMonthlyLimit.
func New(store Store, monthlyLimit int64, opts ...Option) *Ledger {
	if monthlyLimit <= 0 {
		monthlyLimit = DefaultMonthlyLimit
	}
	l := &Ledger{
		store:  store,
		limit:  monthlyLimit,
		clock:  clock.Real{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MonthlyLimit returns the configured allowance.
func (l *Ledger) MonthlyLimit() int64 {
	return l.limit
}

// CurrentMonth returns the month key of the ledger clock.
func (l *Ledger) CurrentMonth() string {
	return models.MonthKey(l.clock.Now())
}

// CurrentMonthUsage returns the credits consumed in the current month. On a
// read failure it returns the full limit along with the error, so a caller
// that ignores the error still sees an exhausted budget.
func (l *Ledger) CurrentMonthUsage(ctx context.Context) (int64, error) {
	agg, err := l.store.Aggregate(ctx, l.CurrentMonth())
	if err != nil {
		return l.limit, fmt.Errorf("current month usage: %w", err)
	}
	return agg.TotalConsumed, nil
}

// CheckBudget reports whether requested credits fit in the remaining allowance.
// It does not hold anything; use Reserve to admit an operation.
func (l *Ledger) CheckBudget(ctx context.Context, requested int64) models.BudgetCheckResult {
	used, err := l.CurrentMonthUsage(ctx)
	if err != nil {
		l.logger.Error().Err(err).Int64("requested", requested).Msg("budget check failed, denying")
		return models.BudgetCheckResult{
			Allowed:          false,
			RemainingCredits: 0,
			MonthlyUsed:      l.limit,
			PercentageUsed:   100,
		}
	}
	remaining := l.limit - used
	return models.BudgetCheckResult{
		Allowed:          requested <= remaining,
		RemainingCredits: max(remaining, 0),
		MonthlyUsed:      used,
		PercentageUsed:   l.percentage(used),
	}
}

// Reserve atomically admits requested credits against the current month.
// A denial is an *InsufficientCreditsError wrapping ErrBudgetExceeded; so is a
// storage failure, with Available 0.
func (l *Ledger) Reserve(ctx context.Context, requested int64) (models.Reservation, models.BudgetCheckResult, error) {
	if requested < 0 {
		return models.Reservation{}, models.BudgetCheckResult{}, ErrInvalidAmount
	}
	res := models.Reservation{
		ID:       uuid.NewString(),
		MonthKey: l.CurrentMonth(),
		Amount:   requested,
	}

	agg, ok, err := l.store.Reserve(ctx, res, l.limit)
	if err != nil {
		l.logger.Error().Err(err).Int64("requested", requested).Msg("reserve failed, denying")
		l.metrics.Denied("unavailable")
		return models.Reservation{}, models.BudgetCheckResult{MonthlyUsed: l.limit, PercentageUsed: 100},
			&InsufficientCreditsError{Required: requested, Available: 0, Cause: err}
	}

	available := l.limit - agg.TotalConsumed - agg.Reserved
	check := models.BudgetCheckResult{
		Allowed:          ok,
		RemainingCredits: max(l.limit-agg.TotalConsumed, 0),
		MonthlyUsed:      agg.TotalConsumed,
		PercentageUsed:   l.percentage(agg.TotalConsumed),
	}
	if !ok {
		l.logger.Warn().
			Int64("requested", requested).
			Int64("available", max(available, 0)).
			Str("month", res.MonthKey).
			Msg("budget exceeded")
		l.metrics.Denied("limit")
		return models.Reservation{}, check, &InsufficientCreditsError{Required: requested, Available: max(available, 0)}
	}
	return res, check, nil
}

// Commit turns an admitted reservation into a usage record.
func (l *Ledger) Commit(ctx context.Context, res models.Reservation, kind, featureID, actorID string, metadata map[string]string) (models.UsageRecord, error) {
	rec := l.newRecord(kind, res.Amount, featureID, actorID, metadata)
	if err := l.store.Commit(ctx, rec, res); err != nil {
		return models.UsageRecord{}, fmt.Errorf("commit usage: %w", err)
	}
	l.metrics.Consumed(kind, rec.CreditsConsumed)
	l.logger.Debug().
		Str("record_id", rec.ID).
		Str("kind", kind).
		Str("feature", featureID).
		Int64("credits", rec.CreditsConsumed).
		Msg("usage committed")
	return rec, nil
}

// Release returns a reservation's credits without consuming them.
func (l *Ledger) Release(ctx context.Context, res models.Reservation) error {
	if res.ID == "" || res.Amount == 0 {
		return nil
	}
	if err := l.store.Release(ctx, res); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// RecordUsage appends a usage record and adds its credits to the current
// month without a prior reservation.
func (l *Ledger) RecordUsage(ctx context.Context, kind string, credits int64, featureID, actorID string, metadata map[string]string) (models.UsageRecord, error) {
	if credits < 0 {
		return models.UsageRecord{}, ErrInvalidAmount
	}
	rec := l.newRecord(kind, credits, featureID, actorID, metadata)
	if err := l.store.Append(ctx, rec); err != nil {
		return models.UsageRecord{}, fmt.Errorf("record usage: %w", err)
	}
	l.metrics.Consumed(kind, credits)
	return rec, nil
}

// UsageSummary reports the current month against the allowance.
func (l *Ledger) UsageSummary(ctx context.Context) (models.UsageSummary, error) {
	used, err := l.CurrentMonthUsage(ctx)
	if err != nil {
		return models.UsageSummary{}, err
	}
	now := l.clock.Now().UTC()
	remaining := l.limit - used
	return models.UsageSummary{
		MonthlyUsed:            used,
		MonthlyLimit:           l.limit,
		Remaining:              remaining,
		PercentageUsed:         l.percentage(used),
		EstimatedDaysRemaining: estimateDays(used, remaining, now.Day(), clock.DaysInMonth(now)),
	}, nil
}

// estimateDays projects how many days the remaining credits last at the
// month-to-date daily average, capped at the days left in the month.
func estimateDays(used, remaining int64, dayOfMonth, daysInMonth int) int {
	daysLeft := daysInMonth - dayOfMonth
	if used <= 0 {
		return daysLeft
	}
	if remaining <= 0 {
		return 0
	}
	avgDaily := float64(used) / float64(dayOfMonth)
	est := int(math.Floor(float64(remaining) / avgDaily))
	return min(est, daysLeft)
}

// ReconcileResult reports the aggregate before and after a reconcile.
type ReconcileResult struct {
	MonthKey string `json:"month_key"`
	Before   int64  `json:"before"`
	After    int64  `json:"after"`
}

// Drift is After minus Before.
func (r ReconcileResult) Drift() int64 {
	return r.After - r.Before
}

// CheckDrift compares month's aggregate with the sum of its usage log without
// changing either. An empty month means the current month.
func (l *Ledger) CheckDrift(ctx context.Context, month string) (ReconcileResult, error) {
	if month == "" {
		month = l.CurrentMonth()
	}
	agg, err := l.store.Aggregate(ctx, month)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("check drift: %w", err)
	}
	sum, err := l.store.SumRecords(ctx, month)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("check drift: %w", err)
	}
	return ReconcileResult{MonthKey: month, Before: agg.TotalConsumed, After: sum}, nil
}

// Reconcile recomputes month's consumed total from the usage log and
// overwrites the aggregate with it. An empty month means the current month.
func (l *Ledger) Reconcile(ctx context.Context, month string) (ReconcileResult, error) {
	if month == "" {
		month = l.CurrentMonth()
	}
	before, after, err := l.store.Reconcile(ctx, month)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	result := ReconcileResult{MonthKey: month, Before: before, After: after}
	if before == after {
		return result, nil
	}
	l.logger.Warn().
		Str("month", month).
		Int64("before", before).
		Int64("after", after).
		Msg("ledger aggregate reconciled")
	return result, nil
}

// Breakdown groups month's usage log by operation kind and feature, ordered
// by credits descending. An empty month means the current month.
func (l *Ledger) Breakdown(ctx context.Context, month string) ([]models.FeatureUsage, error) {
	if month == "" {
		month = l.CurrentMonth()
	}
	records, err := l.store.ListRecords(ctx, month, 0)
	if err != nil {
		return nil, fmt.Errorf("breakdown: %w", err)
	}

	type key struct{ kind, feature string }
	rows := make(map[key]*models.FeatureUsage)
	for _, r := range records {
		k := key{r.OperationKind, r.FeatureID}
		row, ok := rows[k]
		if !ok {
			row = &models.FeatureUsage{OperationKind: r.OperationKind, FeatureID: r.FeatureID}
			rows[k] = row
		}
		row.Count++
		row.Credits += r.CreditsConsumed
	}

	out := make([]models.FeatureUsage, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits != out[j].Credits {
			return out[i].Credits > out[j].Credits
		}
		if out[i].OperationKind != out[j].OperationKind {
			return out[i].OperationKind < out[j].OperationKind
		}
		return out[i].FeatureID < out[j].FeatureID
	})
	return out, nil
}

// Records returns up to limit usage records of month, newest first.
func (l *Ledger) Records(ctx context.Context, month string, limit int) ([]models.UsageRecord, error) {
	if month == "" {
		month = l.CurrentMonth()
	}
	records, err := l.store.ListRecords(ctx, month, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) newRecord(kind string, credits int64, featureID, actorID string, metadata map[string]string) models.UsageRecord {
	now := l.clock.Now().UTC()
	return models.UsageRecord{
		ID:              uuid.NewString(),
		OperationKind:   kind,
		Timestamp:       now,
		MonthKey:        models.MonthKey(now),
		CreditsConsumed: credits,
		FeatureID:       featureID,
		ActorID:         actorID,
		Metadata:        metadata,
	}
}

func (l *Ledger) percentage(used int64) float64 {
	return float64(used) / float64(l.limit) * 100
}

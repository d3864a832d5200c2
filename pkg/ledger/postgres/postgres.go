// Package postgres provides a PostgreSQL-backed ledger.Store.
//
// Aggregates, reservations and the usage log live in three tables and every
// mutation runs in a transaction, so several metergate instances can share
// one allowance.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store is a PostgreSQL-backed ledger store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "metergate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a Store over pool. Close closes the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "metergate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, creates a Store and ensures its schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) aggregatesTable() string   { return s.tablePrefix + "monthly_aggregates" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }
func (s *Store) recordsTable() string      { return s.tablePrefix + "usage_records" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			month_key TEXT PRIMARY KEY,
			total_consumed BIGINT NOT NULL DEFAULT 0,
			reserved BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			month_key TEXT NOT NULL,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			operation_kind TEXT NOT NULL,
			feature_id TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			credits BIGINT NOT NULL,
			month_key TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_month_idx ON %[3]s (month_key, created_at);
	`, s.aggregatesTable(), s.reservationsTable(), s.recordsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// Aggregate returns month's aggregate.
func (s *Store) Aggregate(ctx context.Context, month string) (models.MonthlyAggregate, error) {
	agg := models.MonthlyAggregate{MonthKey: month}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT total_consumed, reserved, last_updated FROM %s WHERE month_key = $1`, s.aggregatesTable()),
		month,
	).Scan(&agg.TotalConsumed, &agg.Reserved, &agg.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return models.MonthlyAggregate{}, fmt.Errorf("ledger/postgres: aggregate: %w", err)
	}
	return agg, nil
}

func (s *Store) ensureAggregate(ctx context.Context, tx pgx.Tx, month string) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (month_key) VALUES ($1) ON CONFLICT (month_key) DO NOTHING`, s.aggregatesTable()),
		month,
	)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure aggregate: %w", err)
	}
	return nil
}

// Reserve holds res.Amount if it fits under limit. The conditional UPDATE
// takes the row lock, so concurrent reservations are serialized per month.
func (s *Store) Reserve(ctx context.Context, res models.Reservation, limit int64) (models.MonthlyAggregate, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureAggregate(ctx, tx, res.MonthKey); err != nil {
		return models.MonthlyAggregate{}, false, err
	}

	agg := models.MonthlyAggregate{MonthKey: res.MonthKey}
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = reserved + $1, last_updated = now()
			WHERE month_key = $2 AND ($3 - total_consumed - reserved) >= $1
			RETURNING total_consumed, reserved, last_updated`, s.aggregatesTable()),
		res.Amount, res.MonthKey, limit,
	).Scan(&agg.TotalConsumed, &agg.Reserved, &agg.LastUpdated)

	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT total_consumed, reserved, last_updated FROM %s WHERE month_key = $1`, s.aggregatesTable()),
			res.MonthKey,
		).Scan(&agg.TotalConsumed, &agg.Reserved, &agg.LastUpdated)
		if err != nil {
			return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: read aggregate: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: commit: %w", err)
		}
		return agg, false, nil
	}
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: reserve: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, month_key, amount) VALUES ($1, $2, $3)`, s.reservationsTable()),
		res.ID, res.MonthKey, res.Amount,
	)
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: record reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return agg, true, nil
}

// Commit appends rec and settles res in one transaction.
func (s *Store) Commit(ctx context.Context, rec models.UsageRecord, res models.Reservation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.release(ctx, tx, res); err != nil {
		return err
	}
	if err := s.appendRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

// Release drops a held reservation. Unknown reservations are ignored.
func (s *Store) Release(ctx context.Context, res models.Reservation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.release(ctx, tx, res); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

// Append records unreserved usage.
func (s *Store) Append(ctx context.Context, rec models.UsageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) release(ctx context.Context, tx pgx.Tx, res models.Reservation) error {
	var month string
	var amount int64
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 RETURNING month_key, amount`, s.reservationsTable()),
		res.ID,
	).Scan(&month, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger/postgres: release: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = GREATEST(reserved - $1, 0), last_updated = now() WHERE month_key = $2`,
			s.aggregatesTable()),
		amount, month,
	)
	if err != nil {
		return fmt.Errorf("ledger/postgres: release: %w", err)
	}
	return nil
}

func (s *Store) appendRecord(ctx context.Context, tx pgx.Tx, rec models.UsageRecord) error {
	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("ledger/postgres: encode metadata: %w", err)
		}
		metadata = b
	}

	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, operation_kind, feature_id, actor_id, credits, month_key, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`, s.recordsTable()),
		rec.ID, rec.OperationKind, rec.FeatureID, rec.ActorID, rec.CreditsConsumed, rec.MonthKey, string(metadata), rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("ledger/postgres: append: %w", err)
	}

	if err := s.ensureAggregate(ctx, tx, rec.MonthKey); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET total_consumed = total_consumed + $1, last_updated = $2 WHERE month_key = $3`,
			s.aggregatesTable()),
		rec.CreditsConsumed, rec.Timestamp, rec.MonthKey,
	)
	if err != nil {
		return fmt.Errorf("ledger/postgres: update aggregate: %w", err)
	}
	return nil
}

// SumRecords totals month's logged credits.
func (s *Store) SumRecords(ctx context.Context, month string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(credits), 0)::BIGINT FROM %s WHERE month_key = $1`, s.recordsTable()),
		month,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: sum: %w", err)
	}
	return total, nil
}

// ListRecords returns month's records, newest first.
func (s *Store) ListRecords(ctx context.Context, month string, limit int) ([]models.UsageRecord, error) {
	q := fmt.Sprintf(`SELECT id, operation_kind, feature_id, actor_id, credits, month_key, metadata::text, created_at
		FROM %s WHERE month_key = $1 ORDER BY created_at DESC, id DESC`, s.recordsTable())
	args := []any{month}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var metadata string
		if err := rows.Scan(&r.ID, &r.OperationKind, &r.FeatureID, &r.ActorID, &r.CreditsConsumed, &r.MonthKey, &metadata, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
				return nil, fmt.Errorf("ledger/postgres: decode metadata of %s: %w", r.ID, err)
			}
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Reconcile sets month's consumed total to the sum of its usage log. The
// aggregate row is locked before the log is summed, so a Commit either
// finished first and is in the sum, or applies its increment afterwards.
func (s *Store) Reconcile(ctx context.Context, month string) (int64, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureAggregate(ctx, tx, month); err != nil {
		return 0, 0, err
	}

	var before int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT total_consumed FROM %s WHERE month_key = $1 FOR UPDATE`, s.aggregatesTable()),
		month,
	).Scan(&before)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger/postgres: lock aggregate: %w", err)
	}

	var after int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				total_consumed = (SELECT COALESCE(SUM(credits), 0)::BIGINT FROM %s WHERE month_key = $1),
				last_updated = $2
			WHERE month_key = $1
			RETURNING total_consumed`, s.aggregatesTable(), s.recordsTable()),
		month, time.Now().UTC(),
	).Scan(&after)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger/postgres: reconcile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("ledger/postgres: commit tx: %w", err)
	}
	return before, after, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Package sqlite provides a ledger.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store persists the usage log and monthly aggregates in SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

const createTables = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	operation_kind TEXT NOT NULL,
	feature_id TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	credits INTEGER NOT NULL,
	month_key TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_month_time ON usage_records(month_key, created_at);

CREATE TABLE IF NOT EXISTS monthly_aggregates (
	month_key TEXT PRIMARY KEY,
	total_consumed INTEGER NOT NULL DEFAULT 0,
	reserved INTEGER NOT NULL DEFAULT 0,
	last_updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	month_key TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &Store{db: db}, nil
}

// Aggregate returns month's aggregate.
func (s *Store) Aggregate(ctx context.Context, month string) (models.MonthlyAggregate, error) {
	return scanAggregate(s.db.QueryRowContext(ctx,
		`SELECT month_key, total_consumed, reserved, last_updated FROM monthly_aggregates WHERE month_key = ?`,
		month,
	), month)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner, month string) (models.MonthlyAggregate, error) {
	var agg models.MonthlyAggregate
	err := row.Scan(&agg.MonthKey, &agg.TotalConsumed, &agg.Reserved, &agg.LastUpdated)
	if err == sql.ErrNoRows {
		return models.MonthlyAggregate{MonthKey: month}, nil
	}
	if err != nil {
		return models.MonthlyAggregate{}, fmt.Errorf("read aggregate: %w", err)
	}
	return agg, nil
}

func ensureAggregate(ctx context.Context, tx *sql.Tx, month string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO monthly_aggregates (month_key, total_consumed, reserved, last_updated) VALUES (?, 0, 0, ?)
		 ON CONFLICT(month_key) DO NOTHING`,
		month, now,
	)
	if err != nil {
		return fmt.Errorf("ensure aggregate: %w", err)
	}
	return nil
}

// Reserve holds res.Amount in one transaction if it fits under limit.
func (s *Store) Reserve(ctx context.Context, res models.Reservation, limit int64) (models.MonthlyAggregate, bool, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("reserve: %w", err)
	}
	defer tx.Rollback()

	if err := ensureAggregate(ctx, tx, res.MonthKey, now); err != nil {
		return models.MonthlyAggregate{}, false, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE monthly_aggregates SET reserved = reserved + ?, last_updated = ?
		 WHERE month_key = ? AND total_consumed + reserved + ? <= ?`,
		res.Amount, now, res.MonthKey, res.Amount, limit,
	)
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("reserve: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("reserve: %w", err)
	}
	ok := n == 1

	if ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (id, month_key, amount, created_at) VALUES (?, ?, ?, ?)`,
			res.ID, res.MonthKey, res.Amount, now,
		); err != nil {
			return models.MonthlyAggregate{}, false, fmt.Errorf("record reservation: %w", err)
		}
	}

	agg, err := scanAggregate(tx.QueryRowContext(ctx,
		`SELECT month_key, total_consumed, reserved, last_updated FROM monthly_aggregates WHERE month_key = ?`,
		res.MonthKey,
	), res.MonthKey)
	if err != nil {
		return models.MonthlyAggregate{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("reserve: %w", err)
	}
	return agg, ok, nil
}

// Commit appends rec and settles res in one transaction.
func (s *Store) Commit(ctx context.Context, rec models.UsageRecord, res models.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	defer tx.Rollback()

	if err := release(ctx, tx, res); err != nil {
		return err
	}
	if err := appendRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// Release drops a held reservation. Unknown reservations are ignored.
func (s *Store) Release(ctx context.Context, res models.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	defer tx.Rollback()

	if err := release(ctx, tx, res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Append records unreserved usage.
func (s *Store) Append(ctx context.Context, rec models.UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	defer tx.Rollback()

	if err := appendRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func release(ctx context.Context, tx *sql.Tx, res models.Reservation) error {
	var month string
	var amount int64
	err := tx.QueryRowContext(ctx,
		`DELETE FROM reservations WHERE id = ? RETURNING month_key, amount`, res.ID,
	).Scan(&month, &amount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE monthly_aggregates SET reserved = MAX(reserved - ?, 0), last_updated = ? WHERE month_key = ?`,
		amount, time.Now().UTC(), month,
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func appendRecord(ctx context.Context, tx *sql.Tx, rec models.UsageRecord) error {
	var metadata string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records (id, operation_kind, feature_id, actor_id, credits, month_key, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperationKind, rec.FeatureID, rec.ActorID, rec.CreditsConsumed, rec.MonthKey, metadata, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}

	if err := ensureAggregate(ctx, tx, rec.MonthKey, rec.Timestamp); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE monthly_aggregates SET total_consumed = total_consumed + ?, last_updated = ? WHERE month_key = ?`,
		rec.CreditsConsumed, rec.Timestamp, rec.MonthKey,
	)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	return nil
}

// SumRecords totals month's logged credits.
func (s *Store) SumRecords(ctx context.Context, month string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits), 0) FROM usage_records WHERE month_key = ?`, month,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// ListRecords returns month's records, newest first.
func (s *Store) ListRecords(ctx context.Context, month string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation_kind, feature_id, actor_id, credits, month_key, metadata, created_at
		 FROM usage_records WHERE month_key = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		month, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var metadata string
		if err := rows.Scan(&r.ID, &r.OperationKind, &r.FeatureID, &r.ActorID, &r.CreditsConsumed, &r.MonthKey, &metadata, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Reconcile sets month's consumed total to the sum of its usage log in one
// transaction, so a concurrent Commit is either counted or waits.
func (s *Store) Reconcile(ctx context.Context, month string) (int64, int64, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile: %w", err)
	}
	defer tx.Rollback()

	if err := ensureAggregate(ctx, tx, month, now); err != nil {
		return 0, 0, err
	}
	var before, after int64
	err = tx.QueryRowContext(ctx,
		`SELECT total_consumed FROM monthly_aggregates WHERE month_key = ?`, month,
	).Scan(&before)
	if err != nil {
		return 0, 0, fmt.Errorf("read aggregate: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`UPDATE monthly_aggregates
		 SET total_consumed = (SELECT COALESCE(SUM(credits), 0) FROM usage_records WHERE month_key = ?),
		     last_updated = ?
		 WHERE month_key = ?
		 RETURNING total_consumed`,
		month, now, month,
	).Scan(&after)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile aggregate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("reconcile: %w", err)
	}
	return before, after, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Package history keeps a denormalized per-actor copy of generated items.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/metergate/pkg/models"
)

// Log writes and queries history entries in a SQLite database.
// A nil *Log accepts writes and discards them.
type Log struct {
	db            *sql.DB
	retentionDays int
	logger        zerolog.Logger
	done          chan struct{}
	wg            sync.WaitGroup
}

// New opens the history database and starts the retention loop when
// retentionDays is positive.
func New(dbPath string, retentionDays int, logger zerolog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	l := &Log{
		db:            db,
		retentionDays: retentionDays,
		logger:        logger,
		done:          make(chan struct{}),
	}

	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS history_entries (
		actor_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		item_id    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (actor_id, kind, item_id)
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_actor_created ON history_entries(actor_id, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_created ON history_entries(created_at)`)
	return err
}

// Record stores entry, replacing an earlier copy of the same item.
func (l *Log) Record(ctx context.Context, entry models.HistoryEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.ActorID == "" {
		return fmt.Errorf("record history: actor id is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO history_entries (actor_id, kind, item_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ActorID, entry.Kind, entry.ItemID, string(entry.Payload), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first. Limit defaults to 100.
func (l *Log) Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	q := `SELECT actor_id, kind, item_id, payload, created_at FROM history_entries WHERE 1=1`
	var args []any

	if opts.ActorID != "" {
		q += " AND actor_id = ?"
		args = append(args, opts.ActorID)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var payload string
		if err := rows.Scan(&e.ActorID, &e.Kind, &e.ItemID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats counts an actor's entries grouped by kind and day.
func (l *Log) Stats(ctx context.Context, actorID string) ([]models.HistoryStat, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, substr(created_at, 1, 10) AS day, count(*) AS cnt
		 FROM history_entries WHERE actor_id = ? GROUP BY kind, day ORDER BY day DESC, kind`,
		actorID)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	var stats []models.HistoryStat
	for rows.Next() {
		var s models.HistoryStat
		var day sql.NullString
		if err := rows.Scan(&s.Kind, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan history stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period. It does nothing
// when retention is unbounded.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	if l == nil || l.db == nil || l.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM history_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention loop and closes the database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn().Err(err).Msg("history retention")
				continue
			}
			if n > 0 {
				l.logger.Info().Int64("deleted", n).Msg("history retention")
			}
		}
	}
}

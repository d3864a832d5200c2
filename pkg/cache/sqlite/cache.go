// Package sqlite provides a cache.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store is a fingerprint-keyed result cache backed by SQLite.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

var _ cache.Store = (*Store)(nil)

// Timestamps are unix nanoseconds so eviction order is numeric.
const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT '',
	variant TEXT NOT NULL DEFAULT '',
	result BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);
`

// New opens the cache database at dbPath. A zero ttl keeps entries until
// pruned.
func New(dbPath string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db, ttl: ttl}, nil
}

// Get retrieves a cached entry. Expired entries are reported as not found.
func (s *Store) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	var createdAt, lastAccessed int64

	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, kind, variant, result, created_at, access_count, last_accessed
		 FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Fingerprint, &e.Kind, &e.Variant, &e.Result, &createdAt, &e.AccessCount, &lastAccessed)
	if err == sql.ErrNoRows {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.LastAccessed = time.Unix(0, lastAccessed).UTC()
	if s.ttl > 0 && time.Since(e.CreatedAt) > s.ttl {
		return nil, cache.ErrNotFound
	}
	return &e, nil
}

// Put stores an entry, replacing any previous one.
func (s *Store) Put(ctx context.Context, entry models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, kind, variant, result, created_at, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Fingerprint, entry.Kind, entry.Variant, entry.Result,
		entry.CreatedAt.UnixNano(), entry.AccessCount, entry.LastAccessed.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Touch increments the access count of an existing entry.
func (s *Store) Touch(ctx context.Context, fingerprint string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE fingerprint = ?`,
		at.UnixNano(), fingerprint,
	)
	if err != nil {
		return fmt.Errorf("cache touch: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return count, nil
}

// Prune removes entries older than olderThan, then the least recently
// accessed entries beyond maxEntries.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, maxEntries int) (int64, error) {
	var removed int64
	if olderThan > 0 {
		cutoff := time.Now().Add(-olderThan).UnixNano()
		res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("cache prune: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if maxEntries > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE fingerprint NOT IN (
				SELECT fingerprint FROM cache_entries ORDER BY last_accessed DESC LIMIT ?
			)`, maxEntries)
		if err != nil {
			return removed, fmt.Errorf("cache prune: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

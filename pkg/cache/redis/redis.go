// Package redis provides a Redis-backed cache.Store.
//
// Each entry is a hash under <prefix>cache:entry:<fingerprint>; a sorted set
// scored by last access time indexes entries for capacity eviction. Entry
// keys carry an EXPIRE when a TTL is configured.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store is a Redis-backed result cache.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ cache.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "metergate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTTL expires entries ttl after they are stored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New creates a Store over client. Close closes the client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "metergate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entryKey(fp string) string { return s.keyPrefix + "cache:entry:" + fp }
func (s *Store) indexKey() string          { return s.keyPrefix + "cache:index" }

// touchScript bumps access stats only when the entry still exists.
// KEYS[1] = entry hash, KEYS[2] = index
// ARGV[1] = access time (unix nanos), ARGV[2] = fingerprint
var touchScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HINCRBY", KEYS[1], "access_count", 1)
redis.call("HSET", KEYS[1], "last_accessed", ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Get returns the entry for fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.entryKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache/redis: get: %w", err)
	}
	if len(vals) == 0 {
		return nil, cache.ErrNotFound
	}
	e := &models.CacheEntry{
		Fingerprint:  fingerprint,
		Result:       []byte(vals["result"]),
		Kind:         vals["kind"],
		Variant:      vals["variant"],
		CreatedAt:    nanos(vals["created_at"]),
		AccessCount:  atoi(vals["access_count"]),
		LastAccessed: nanos(vals["last_accessed"]),
	}
	if s.ttl > 0 && time.Since(e.CreatedAt) > s.ttl {
		return nil, cache.ErrNotFound
	}
	return e, nil
}

// Put stores entry and indexes it.
func (s *Store) Put(ctx context.Context, entry models.CacheEntry) error {
	key := s.entryKey(entry.Fingerprint)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"result", entry.Result,
			"kind", entry.Kind,
			"variant", entry.Variant,
			"created_at", entry.CreatedAt.UnixNano(),
			"access_count", entry.AccessCount,
			"last_accessed", entry.LastAccessed.UnixNano(),
		)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(entry.LastAccessed.UnixNano()), Member: entry.Fingerprint})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache/redis: put: %w", err)
	}
	return nil
}

// Touch records an access. Missing entries are ignored.
func (s *Store) Touch(ctx context.Context, fingerprint string, at time.Time) error {
	err := touchScript.Run(ctx, s.client,
		[]string{s.entryKey(fingerprint), s.indexKey()},
		at.UnixNano(), fingerprint,
	).Err()
	if err != nil {
		return fmt.Errorf("cache/redis: touch: %w", err)
	}
	return nil
}

// Count returns the number of indexed entries after dropping expired ones.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if _, err := s.dropExpired(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache/redis: count: %w", err)
	}
	return n, nil
}

// dropExpired removes index members whose entry key has expired.
func (s *Store) dropExpired(ctx context.Context) (int64, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("cache/redis: scan index: %w", err)
	}
	var removed int64
	for _, fp := range members {
		exists, err := s.client.Exists(ctx, s.entryKey(fp)).Result()
		if err != nil {
			return removed, fmt.Errorf("cache/redis: scan index: %w", err)
		}
		if exists == 0 {
			if err := s.client.ZRem(ctx, s.indexKey(), fp).Err(); err != nil {
				return removed, fmt.Errorf("cache/redis: scan index: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) remove(ctx context.Context, fps ...string) error {
	if len(fps) == 0 {
		return nil
	}
	keys := make([]string, len(fps))
	members := make([]any, len(fps))
	for i, fp := range fps {
		keys[i] = s.entryKey(fp)
		members[i] = fp
	}
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	return err
}

// Prune removes entries older than olderThan, then the least recently
// accessed entries beyond maxEntries. Expired keys are always dropped from
// the index; they count as removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, maxEntries int) (int64, error) {
	removed, err := s.dropExpired(ctx)
	if err != nil {
		return 0, err
	}

	if olderThan > 0 {
		cutoff := time.Now().Add(-olderThan)
		members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("cache/redis: prune: %w", err)
		}
		var stale []string
		for _, fp := range members {
			created, err := s.client.HGet(ctx, s.entryKey(fp), "created_at").Result()
			if err != nil && err != goredis.Nil {
				return removed, fmt.Errorf("cache/redis: prune: %w", err)
			}
			if nanos(created).Before(cutoff) {
				stale = append(stale, fp)
			}
		}
		if err := s.remove(ctx, stale...); err != nil {
			return removed, fmt.Errorf("cache/redis: prune: %w", err)
		}
		removed += int64(len(stale))
	}

	if maxEntries > 0 {
		// Lowest scores are the least recently accessed.
		overflow, err := s.client.ZRange(ctx, s.indexKey(), 0, int64(-maxEntries-1)).Result()
		if err != nil {
			return removed, fmt.Errorf("cache/redis: prune: %w", err)
		}
		if err := s.remove(ctx, overflow...); err != nil {
			return removed, fmt.Errorf("cache/redis: prune: %w", err)
		}
		removed += int64(len(overflow))
	}
	return removed, nil
}

// Clear removes every indexed entry and the index.
func (s *Store) Clear(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("cache/redis: clear: %w", err)
	}
	if err := s.remove(ctx, members...); err != nil {
		return fmt.Errorf("cache/redis: clear: %w", err)
	}
	return s.client.Del(ctx, s.indexKey()).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func atoi(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func nanos(v string) time.Time {
	n := atoi(v)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

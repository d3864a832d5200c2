// Package memory provides a bounded in-process cache.Store.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/models"
)

// unbounded is the LRU size used when no capacity is configured.
const unbounded = 1 << 30

// Store is an LRU of cache entries. Entries past the TTL are treated as absent.
type Store struct {
	// mu makes Touch's read-modify-write atomic; the LRU locks itself otherwise.
	mu  sync.Mutex
	lru *lru.Cache[string, models.CacheEntry]
	ttl time.Duration
}

var _ cache.Store = (*Store)(nil)

// New creates a Store holding at most maxEntries (0 = unbounded). A zero ttl
// keeps entries until evicted by capacity.
func New(maxEntries int, ttl time.Duration) (*Store, error) {
	size := maxEntries
	if size <= 0 {
		size = unbounded
	}
	c, err := lru.New[string, models.CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Store{lru: c, ttl: ttl}, nil
}

func (s *Store) expired(e models.CacheEntry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.CreatedAt) > s.ttl
}

// Get returns a copy of the entry for fingerprint.
func (s *Store) Get(_ context.Context, fingerprint string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(fingerprint)
	if !ok {
		return nil, cache.ErrNotFound
	}
	if s.expired(e, time.Now()) {
		s.lru.Remove(fingerprint)
		return nil, cache.ErrNotFound
	}
	e.Result = append([]byte(nil), e.Result...)
	return &e, nil
}

// Put stores entry, evicting the least recently used entry when full.
func (s *Store) Put(_ context.Context, entry models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Result = append([]byte(nil), entry.Result...)
	s.lru.Add(entry.Fingerprint, entry)
	return nil
}

// Touch records an access. Missing entries are ignored.
func (s *Store) Touch(_ context.Context, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(fingerprint)
	if !ok {
		return nil
	}
	e.AccessCount++
	e.LastAccessed = at
	s.lru.Add(fingerprint, e)
	return nil
}

// Count returns the number of held entries, expired ones included.
func (s *Store) Count(_ context.Context) (int64, error) {
	return int64(s.lru.Len()), nil
}

// Prune drops entries older than olderThan and trims to maxEntries.
func (s *Store) Prune(_ context.Context, olderThan time.Duration, maxEntries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	if olderThan > 0 {
		cutoff := time.Now().Add(-olderThan)
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && e.CreatedAt.Before(cutoff) {
				s.lru.Remove(k)
				removed++
			}
		}
	}
	if maxEntries > 0 {
		for s.lru.Len() > maxEntries {
			if _, _, ok := s.lru.RemoveOldest(); !ok {
				break
			}
			removed++
		}
	}
	return removed, nil
}

// Clear removes every entry.
func (s *Store) Clear(_ context.Context) error {
	s.lru.Purge()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

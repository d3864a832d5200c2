// Package cache memoizes generation results by fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/metergate/pkg/clock"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/models"
)

// ErrNotFound is returned by a Store when no live entry exists.
var ErrNotFound = errors.New("cache: entry not found")

// Store is a cache backend. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for fingerprint, or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	// Put stores entry, replacing any previous entry for its fingerprint.
	Put(ctx context.Context, entry models.CacheEntry) error
	// Touch increments the access count and sets the last access time.
	Touch(ctx context.Context, fingerprint string, at time.Time) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)
	// Prune removes entries created more than olderThan ago (when positive)
	// and then the least recently accessed entries beyond maxEntries (when
	// positive). It returns the number of removed entries.
	Prune(ctx context.Context, olderThan time.Duration, maxEntries int) (int64, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// ResultCache fronts a Store with hit accounting and asynchronous access
// tracking. Backend failures never surface to callers as errors on lookup.
type ResultCache struct {
	store   Store
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	hits    atomic.Int64
	misses  atomic.Int64
	pending sync.WaitGroup

	// mu orders pending.Add against the Wait in Close.
	mu     sync.RWMutex
	closed bool

	janitor     sync.WaitGroup
	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock sets the time source for access timestamps.
func WithClock(c clock.Clock) Option {
	return func(rc *ResultCache) { rc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(rc *ResultCache) { rc.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(rc *ResultCache) { rc.metrics = m }
}

// New creates a ResultCache over store.
func New(store Store, opts ...Option) *ResultCache {
	rc := &ResultCache{
		store:       store,
		clock:       clock.Real{},
		logger:      zerolog.Nop(),
		stopJanitor: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Lookup returns the entry for fingerprint. A backend error counts as a miss,
// as does any lookup after Close. On a hit the access statistics are updated
// in the background; call Flush to wait for them.
func (c *ResultCache) Lookup(ctx context.Context, kind, fingerprint string) (*models.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.misses.Add(1)
		c.metrics.CacheLookup(kind, false)
		return nil, false
	}

	entry, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache lookup failed, treating as miss")
		}
		c.misses.Add(1)
		c.metrics.CacheLookup(kind, false)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.CacheLookup(kind, true)

	at := c.clock.Now().UTC()
	bg := context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := c.store.Touch(bg, fingerprint, at); err != nil {
			c.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache access update failed")
		}
	}()
	return entry, true
}

// Store writes entry. CreatedAt and LastAccessed default to now.
func (c *ResultCache) Store(ctx context.Context, entry models.CacheEntry) error {
	now := c.clock.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = entry.CreatedAt
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Stats returns the entry count and the hit/miss counters of this process.
func (c *ResultCache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Prune evicts by age and capacity. See Store.Prune.
func (c *ResultCache) Prune(ctx context.Context, olderThan time.Duration, maxEntries int) (int64, error) {
	n, err := c.store.Prune(ctx, olderThan, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	if n > 0 {
		c.logger.Info().Int64("removed", n).Msg("cache pruned")
	}
	return n, nil
}

// Clear removes every entry.
func (c *ResultCache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Flush waits for pending access updates.
func (c *ResultCache) Flush() {
	c.pending.Wait()
}

// StartJanitor prunes the store every interval until Close. It is a no-op
// when there is nothing to evict by.
func (c *ResultCache) StartJanitor(interval, ttl time.Duration, maxEntries int) {
	if interval <= 0 || (ttl <= 0 && maxEntries <= 0) {
		return
	}
	c.janitor.Add(1)
	go func() {
		defer c.janitor.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopJanitor:
				return
			case <-ticker.C:
				if _, err := c.Prune(context.Background(), ttl, maxEntries); err != nil {
					c.logger.Warn().Err(err).Msg("cache janitor")
				}
			}
		}
	}()
}

// Close stops the janitor, flushes pending updates and closes the store.
// Lookups that arrive afterwards are misses.
func (c *ResultCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopJanitor) })
	c.janitor.Wait()
	c.Flush()
	return c.store.Close()
}

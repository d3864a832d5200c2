// Package runner executes metered operations: cache lookup, admission,
// a single generation and the post-generation bookkeeping.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/metergate/pkg/cache"
	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/models"
)

// ErrGeneration wraps failures of the generator, including timeouts.
// Nothing is billed when it is returned.
var ErrGeneration = errors.New("generation failed")

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 2 * time.Minute

// Operation describes one metered call.
type Operation[T any] struct {
	Kind        string // operation kind, e.g. "asset"
	FeatureID   string // feature within the kind, e.g. "badge"
	Variant     string // cache variant, e.g. the asset size
	ActorID     string
	Fingerprint string
	Cost        int64
	Metadata    map[string]string

	// Generate produces the result. It is called at most once.
	Generate func(ctx context.Context) (T, error)
	// Scope, if set, stores a per-actor copy of a freshly generated value.
	Scope func(ctx context.Context, value T) error
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Value       T
	FromCache   bool
	CreditsUsed int64
	ElapsedMs   int64
}

// Runner holds the collaborators shared by every operation.
type Runner struct {
	ledger  *ledger.Ledger
	cache   *cache.ResultCache
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each generation call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

// New creates a Runner. A nil cache disables memoization.
func New(l *ledger.Ledger, c *cache.ResultCache, opts ...Option) *Runner {
	r := &Runner{
		ledger:  l,
		cache:   c,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ledger returns the runner's ledger.
func (r *Runner) Ledger() *ledger.Ledger { return r.ledger }

// Cache returns the runner's result cache, or nil.
func (r *Runner) Cache() *cache.ResultCache { return r.cache }

// Execute runs op. A cache hit returns immediately at zero cost. Otherwise
// the cost is reserved, the value generated once, and then cached, scoped
// and billed concurrently. Failures of those last steps are logged, not
// returned. Denials are *ledger.InsufficientCreditsError; generator failures
// wrap ErrGeneration. A caller that goes away after admission does not stop
// the generation or its billing.
func Execute[T any](ctx context.Context, r *Runner, op Operation[T]) (Result[T], error) {
	start := time.Now()
	log := r.logger.With().
		Str("kind", op.Kind).
		Str("feature", op.FeatureID).
		Str("fingerprint", op.Fingerprint).
		Logger()

	if value, ok := lookup[T](ctx, r, op, log); ok {
		log.Debug().Msg("served from cache")
		return Result[T]{
			Value:     value,
			FromCache: true,
			ElapsedMs: time.Since(start).Milliseconds(),
		}, nil
	}

	res, _, err := r.ledger.Reserve(ctx, op.Cost)
	if err != nil {
		return Result[T]{}, err
	}

	genStart := time.Now()
	value, err := generate(ctx, r.timeout, op.Generate)
	r.metrics.Generation(op.Kind, time.Since(genStart), err)
	if err != nil {
		if relErr := r.ledger.Release(context.WithoutCancel(ctx), res); relErr != nil {
			log.Error().Err(relErr).Msg("release after failed generation")
		}
		log.Warn().Err(err).Msg("generation failed, nothing billed")
		return Result[T]{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	finish(ctx, r, op, value, res, log)

	return Result[T]{
		Value:       value,
		CreditsUsed: op.Cost,
		ElapsedMs:   time.Since(start).Milliseconds(),
	}, nil
}

func lookup[T any](ctx context.Context, r *Runner, op Operation[T], log zerolog.Logger) (T, bool) {
	var value T
	if r.cache == nil || op.Fingerprint == "" {
		return value, false
	}
	entry, ok := r.cache.Lookup(ctx, op.Kind, op.Fingerprint)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(entry.Result, &value); err != nil {
		log.Warn().Err(err).Msg("undecodable cache entry, regenerating")
		var zero T
		return zero, false
	}
	return value, true
}

type outcome[T any] struct {
	value T
	err   error
}

// generate calls fn once, giving up when the deadline passes even if fn
// does not observe its context. Cancellation of ctx is ignored: once a
// generation is dispatched it runs to completion or timeout and is billed.
func generate[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx = context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// finish runs the post-generation steps concurrently and waits for them.
// They outlive a cancelled request so a generated value is always billed.
func finish[T any](ctx context.Context, r *Runner, op Operation[T], value T, res models.Reservation, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group

	if r.cache != nil && op.Fingerprint != "" {
		g.Go(func() error {
			data, err := json.Marshal(value)
			if err == nil {
				err = r.cache.Store(ctx, models.CacheEntry{
					Fingerprint: op.Fingerprint,
					Result:      data,
					Kind:        op.Kind,
					Variant:     op.Variant,
				})
			}
			if err != nil {
				log.Warn().Err(err).Msg("cache store failed")
				r.metrics.SideEffectFailed(op.Kind, "cache")
			}
			return nil
		})
	}

	if op.Scope != nil && op.ActorID != "" {
		g.Go(func() error {
			if err := op.Scope(ctx, value); err != nil {
				log.Warn().Err(err).Str("actor", op.ActorID).Msg("scoped copy failed")
				r.metrics.SideEffectFailed(op.Kind, "scope")
			}
			return nil
		})
	}

	g.Go(func() error {
		rec, err := r.ledger.Commit(ctx, res, op.Kind, op.FeatureID, op.ActorID, op.Metadata)
		if err != nil {
			log.Error().Err(err).Int64("credits", op.Cost).Msg("usage commit failed")
			r.metrics.SideEffectFailed(op.Kind, "commit")
			if relErr := r.ledger.Release(ctx, res); relErr != nil {
				log.Error().Err(relErr).Msg("release after failed commit")
			}
			return nil
		}
		log.Info().Str("record_id", rec.ID).Int64("credits", rec.CreditsConsumed).Msg("operation billed")
		return nil
	})

	_ = g.Wait()
}

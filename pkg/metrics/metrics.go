// Package metrics provides Prometheus metrics collection for metergate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metergate"

// Collector holds all Prometheus metrics for metergate. A nil *Collector is
// valid and records nothing.
type Collector struct {
	CacheLookups       *prometheus.CounterVec
	CreditsConsumed    *prometheus.CounterVec
	BudgetDenials      *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	GenerationErrors   *prometheus.CounterVec
	SideEffectFailures *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by operation kind and outcome",
			},
			[]string{"kind", "result"},
		),
		CreditsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_consumed_total",
				Help:      "Credits committed to the ledger by operation kind",
			},
			[]string{"kind"},
		),
		BudgetDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_denials_total",
				Help:      "Admissions refused by the ledger",
			},
			[]string{"reason"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of generator calls in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		GenerationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_errors_total",
				Help:      "Failed or timed out generator calls",
			},
			[]string{"kind"},
		),
		SideEffectFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effect_failures_total",
				Help:      "Post-generation side effects that failed",
			},
			[]string{"kind", "effect"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status class",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// CacheLookup records a hit or miss for kind.
func (c *Collector) CacheLookup(kind string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(kind, result).Inc()
}

// Consumed records committed credits.
func (c *Collector) Consumed(kind string, credits int64) {
	if c == nil || credits <= 0 {
		return
	}
	c.CreditsConsumed.WithLabelValues(kind).Add(float64(credits))
}

// Denied records a refused admission. reason is "limit" or "unavailable".
func (c *Collector) Denied(reason string) {
	if c == nil {
		return
	}
	c.BudgetDenials.WithLabelValues(reason).Inc()
}

// Generation records one generator call.
func (c *Collector) Generation(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.GenerationDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		c.GenerationErrors.WithLabelValues(kind).Inc()
	}
}

// SideEffectFailed records a failed post-generation step.
func (c *Collector) SideEffectFailed(kind, effect string) {
	if c == nil {
		return
	}
	c.SideEffectFailures.WithLabelValues(kind, effect).Inc()
}

// Request records one served HTTP request.
func (c *Collector) Request(method, route, status string) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
}

// Package metrics exposes Prometheus instruments for the forecast cache,
// the refresh path and the background scheduler. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for stockcast
type Metrics struct {
	// Cache metrics
	CacheLookups *prometheus.CounterVec
	CacheEntries prometheus.Gauge
	CacheSwept   prometheus.Counter

	// Refresh metrics
	Refreshes         *prometheus.CounterVec
	RecomputeDuration *prometheus.HistogramVec

	// Scheduler metrics
	SchedulerTicks   prometheus.Counter
	SchedulerBatches prometheus.Counter
	PrewarmRequests  *prometheus.CounterVec
}

// New creates and registers all metrics on reg. A nil reg returns nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_cache_lookups_total",
				Help: "Forecast cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stockcast_cache_entries",
				Help: "Number of forecasts held in memory",
			},
		),
		CacheSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stockcast_cache_swept_total",
				Help: "Forecasts removed by the stale sweep",
			},
		),
		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_refreshes_total",
				Help: "Forecast recomputes by result (success, failure, superseded)",
			},
			[]string{"result"},
		),
		RecomputeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockcast_recompute_duration_seconds",
				Help:    "Duration of forecast recomputes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"horizon", "method"},
		),
		SchedulerTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stockcast_scheduler_ticks_total",
				Help: "Background refresh ticks run",
			},
		),
		SchedulerBatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stockcast_scheduler_batches_total",
				Help: "Refresh batches launched by the scheduler",
			},
		),
		PrewarmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_prewarm_requests_total",
				Help: "Prewarm refresh requests by result (ok, failed)",
			},
			[]string{"result"},
		),
	}
}

// Lookup records a cache hit or miss.
func (m *Metrics) Lookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// Refresh records the outcome of one recompute.
func (m *Metrics) Refresh(result string, horizon, method string, took time.Duration) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
	m.RecomputeDuration.WithLabelValues(horizon, method).Observe(took.Seconds())
}

// Entries sets the current cache size.
func (m *Metrics) Entries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// Swept records entries removed by a sweep.
func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.CacheSwept.Add(float64(n))
}

// Tick records one scheduler tick and the batches it launched.
func (m *Metrics) Tick(batches int) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Inc()
	m.SchedulerBatches.Add(float64(batches))
}

// Prewarm records one prewarm request.
func (m *Metrics) Prewarm(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.PrewarmRequests.WithLabelValues(result).Inc()
}

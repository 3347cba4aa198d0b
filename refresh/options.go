package refresh

import (
	"log/slog"
	"time"

	"github.com/karloscodes/stockcast/metrics"
)

// Options configures an Orchestrator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Timeout bounds each recompute. Zero means no bound.
	Timeout time.Duration

	// Clock stamps ComputedAt. Default: time.Now.
	Clock func() time.Time
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics records lookups and recomputes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithTimeout bounds every recompute by d.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithClock overrides the time source. Use the same clock as the cache.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

func applyOptions(opts ...Option) Options {
	options := Options{
		Logger: slog.Default(),
		Clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return options
}

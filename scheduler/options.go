package scheduler

import (
	"log/slog"
	"time"

	"github.com/karloscodes/stockcast/metrics"
)

// Defaults for the background refresh.
const (
	DefaultBatchSize      = 3
	DefaultStagger        = time.Second
	DefaultPrewarmSpacing = 200 * time.Millisecond
)

// Options configures a Scheduler.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// BatchSize is the number of priority keys refreshed together. Default: 3.
	BatchSize int

	// Stagger is the minimum delay between the start of successive batches. Default: 1s.
	Stagger time.Duration

	// PrewarmSpacing separates prewarm requests. Default: 200ms.
	PrewarmSpacing time.Duration

	// FailureCooldown skips keys whose last refresh failed until it expires.
	// Zero disables the cooldown.
	FailureCooldown time.Duration

	// Interval overrides the tick interval from the settings when positive.
	Interval time.Duration
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics records ticks, sweeps and prewarm requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithBatchSize sets how many keys are refreshed together.
func WithBatchSize(n int) Option {
	return func(o *Options) {
		o.BatchSize = n
	}
}

// WithStagger sets the delay between batch starts.
func WithStagger(d time.Duration) Option {
	return func(o *Options) {
		o.Stagger = d
	}
}

// WithPrewarmSpacing sets the delay between prewarm requests.
func WithPrewarmSpacing(d time.Duration) Option {
	return func(o *Options) {
		o.PrewarmSpacing = d
	}
}

// WithFailureCooldown skips failing keys for d after each failure.
func WithFailureCooldown(d time.Duration) Option {
	return func(o *Options) {
		o.FailureCooldown = d
	}
}

// WithInterval overrides the configured refresh interval.
func WithInterval(d time.Duration) Option {
	return func(o *Options) {
		o.Interval = d
	}
}

func applyOptions(opts ...Option) Options {
	options := Options{
		Logger:         slog.Default(),
		BatchSize:      DefaultBatchSize,
		Stagger:        DefaultStagger,
		PrewarmSpacing: DefaultPrewarmSpacing,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.Stagger < 0 {
		options.Stagger = 0
	}
	if options.PrewarmSpacing < 0 {
		options.PrewarmSpacing = 0
	}
	return options
}

// Package refresh serves forecasts from the cache and recomputes them when
// they are missing or stale. Recompute failures never reach the caller: the
// best available value (fresh, stale or none) is served instead.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/forecast"
)

// ErrRecomputePanic wraps a panic raised by a Recomputer.
var ErrRecomputePanic = errors.New("refresh: recompute panicked")

// Recomputer produces a fresh forecast for a key.
type Recomputer interface {
	Recompute(ctx context.Context, key cache.Key) (forecast.Result, error)
}

// RecomputeFunc adapts a function to Recomputer.
type RecomputeFunc func(ctx context.Context, key cache.Key) (forecast.Result, error)

// Recompute calls f.
func (f RecomputeFunc) Recompute(ctx context.Context, key cache.Key) (forecast.Result, error) {
	return f(ctx, key)
}

// SettingsSource supplies the current refresh settings.
type SettingsSource interface {
	Settings() config.CacheRefreshSettings
}

// Source tells where a resolved forecast came from.
type Source string

const (
	SourceFresh      Source = "fresh"
	SourceRecomputed Source = "recomputed"
	SourceStale      Source = "stale"
	SourceNone       Source = "none"
)

// Outcome is the result of Resolve. Err carries a recompute failure that
// was absorbed; Entry then holds the previously cached value, if any.
type Outcome struct {
	Entry  cache.Entry
	Found  bool
	Source Source
	Err    error
}

// Stats accumulates until ResetStats.
type Stats struct {
	LastRefresh  time.Time `json:"last_refresh"`
	RefreshCount int64     `json:"refresh_count"`
	HitCount     int64     `json:"hit_count"`
	MissCount    int64     `json:"miss_count"`
	FailureCount int64     `json:"failure_count"`
}

// HitRate returns hits / (hits + misses), 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}

// Orchestrator decides between serving a cached forecast and recomputing it.
type Orchestrator struct {
	cache      *cache.Cache
	recomputer Recomputer
	settings   SettingsSource
	opts       Options

	group singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New creates an orchestrator. recomputer may be nil, in which case misses
// are answered with whatever the cache holds.
func New(c *cache.Cache, recomputer Recomputer, settings SettingsSource, opts ...Option) *Orchestrator {
	return &Orchestrator{
		cache:      c,
		recomputer: recomputer,
		settings:   settings,
		opts:       applyOptions(opts...),
	}
}

// Cache returns the underlying cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Settings returns the current refresh settings.
func (o *Orchestrator) Settings() config.CacheRefreshSettings { return o.settings.Settings() }

// GetOrRefresh returns the best available forecast for key. It never fails;
// the bool is false when nothing could be served.
func (o *Orchestrator) GetOrRefresh(ctx context.Context, key cache.Key) (cache.Entry, bool) {
	out := o.Resolve(ctx, key)
	return out.Entry, out.Found
}

// Resolve looks key up, serves it if fresh and otherwise recomputes it.
// A failed recompute falls back to the stale entry or to nothing.
func (o *Orchestrator) Resolve(ctx context.Context, key cache.Key) Outcome {
	settings := o.settings.Settings()
	if !settings.Enabled {
		return o.bypass(ctx, key)
	}

	entry, found := o.cache.Get(key)
	if found && !o.cache.IsStale(entry, settings.MaxAge()) {
		o.count(func(s *Stats) { s.HitCount++ })
		o.opts.Metrics.Lookup(true)
		return Outcome{Entry: entry, Found: true, Source: SourceFresh}
	}

	o.count(func(s *Stats) { s.MissCount++ })
	o.opts.Metrics.Lookup(false)

	if o.recomputer == nil {
		return fallback(entry, found, nil)
	}

	v, err, shared := o.group.Do(key.String(), func() (any, error) {
		return o.recompute(ctx, key, true)
	})
	if err != nil {
		o.opts.Logger.Warn("forecast refresh failed, serving cached value",
			slog.String("key", key.String()),
			slog.Bool("has_cached", found),
			slog.Any("error", err),
		)
		return fallback(entry, found, err)
	}
	if shared {
		o.opts.Logger.Debug("joined in-flight refresh", slog.String("key", key.String()))
	}
	return Outcome{Entry: v.(cache.Entry), Found: true, Source: SourceRecomputed}
}

// bypass computes without touching the cache.
func (o *Orchestrator) bypass(ctx context.Context, key cache.Key) Outcome {
	o.count(func(s *Stats) { s.MissCount++ })
	o.opts.Metrics.Lookup(false)
	if o.recomputer == nil {
		return Outcome{Source: SourceNone}
	}
	entry, err := o.recompute(ctx, key, false)
	if err != nil {
		o.opts.Logger.Warn("forecast compute failed", slog.String("key", key.String()), slog.Any("error", err))
		return Outcome{Source: SourceNone, Err: err}
	}
	return Outcome{Entry: entry, Found: true, Source: SourceRecomputed}
}

// recompute runs the Recomputer detached from the caller's cancellation and,
// when store is set, writes the result unless the key was invalidated or a
// newer result landed meanwhile. The timeout bounds the Recomputer only.
func (o *Orchestrator) recompute(ctx context.Context, key cache.Key, store bool) (cache.Entry, error) {
	detached := context.WithoutCancel(ctx)
	callCtx := detached
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(detached, o.opts.Timeout)
		defer cancel()
	}

	gen := o.cache.Generation()
	started := o.opts.Clock()
	result, err := o.call(callCtx, key)
	took := o.opts.Clock().Sub(started)

	if err != nil {
		o.count(func(s *Stats) { s.FailureCount++ })
		o.opts.Metrics.Refresh("failure", key.Horizon.String(), key.Method.String(), took)
		return cache.Entry{}, fmt.Errorf("refresh: recompute %s: %w", key, err)
	}

	entry := cache.Entry{Key: key, Result: result, ComputedAt: started}
	outcome := "success"

	if store {
		stored, err := o.cache.PutIfNewer(detached, entry, gen)
		if err != nil {
			// The in-memory write happened; only the mirror failed.
			o.opts.Logger.Warn("forecast persistence failed",
				slog.String("key", key.String()),
				slog.Any("error", err),
			)
		}
		if !stored {
			outcome = "superseded"
			if current, ok := o.cache.Get(key); ok {
				entry = current
			}
		}
		o.opts.Metrics.Entries(o.cache.Len())
	}

	o.count(func(s *Stats) {
		s.RefreshCount++
		s.LastRefresh = o.opts.Clock()
	})
	o.opts.Metrics.Refresh(outcome, key.Horizon.String(), key.Method.String(), took)
	o.opts.Logger.Debug("forecast recomputed",
		slog.String("key", key.String()),
		slog.Duration("took", took),
		slog.Float64("average_daily", entry.Result.AverageDaily),
	)
	return entry, nil
}

// call invokes the Recomputer with a recover boundary.
func (o *Orchestrator) call(ctx context.Context, key cache.Key) (result forecast.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRecomputePanic, r)
		}
	}()
	return o.recomputer.Recompute(ctx, key)
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// ResetStats zeroes the counters.
func (o *Orchestrator) ResetStats() {
	o.mu.Lock()
	o.stats = Stats{}
	o.mu.Unlock()
	o.opts.Logger.Info("refresh statistics reset")
}

func (o *Orchestrator) count(fn func(*Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

func fallback(entry cache.Entry, found bool, err error) Outcome {
	if !found {
		return Outcome{Source: SourceNone, Err: err}
	}
	return Outcome{Entry: entry, Found: true, Source: SourceStale, Err: err}
}

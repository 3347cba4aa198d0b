// Package scheduler keeps priority forecasts warm in the background. Each
// tick sweeps very stale entries and refreshes stale priority forecasts in
// small, time-staggered batches through the refresh orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/refresh"
)

// ErrInvalidInterval is returned by Start when the refresh interval is not positive.
var ErrInvalidInterval = errors.New("scheduler: refresh interval must be positive")

// PrewarmPairs are the (horizon, method) combinations Prewarm requests per product.
var PrewarmPairs = []struct {
	Horizon forecast.Horizon
	Method  forecast.Method
}{
	{forecast.Horizon30, forecast.MethodMovingAverage},
	{forecast.Horizon60, forecast.MethodMovingAverage},
}

// Refresher serves and refreshes forecasts. *refresh.Orchestrator implements it.
type Refresher interface {
	Resolve(ctx context.Context, key cache.Key) refresh.Outcome
	Cache() *cache.Cache
}

// TickReport summarizes one tick.
type TickReport struct {
	ID              string        `json:"id"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Swept           int           `json:"swept"`
	Candidates      int           `json:"candidates"`
	SkippedCooldown int           `json:"skipped_cooldown"`
	Batches         int           `json:"batches"`
	Refreshed       int           `json:"refreshed"`
	Failed          int           `json:"failed"`
}

// PrewarmReport summarizes one Prewarm call.
type PrewarmReport struct {
	ID        string        `json:"id"`
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Status describes the scheduler state.
type Status struct {
	Running    bool          `json:"running"`
	Interval   time.Duration `json:"interval"`
	NextRun    time.Time     `json:"next_run,omitzero"`
	LastTick   time.Time     `json:"last_tick,omitzero"`
	TicksRun   int64         `json:"ticks_run"`
	LastReport *TickReport   `json:"last_report,omitempty"`
}

// Scheduler owns the cron that drives background refresh ticks.
// Independent schedulers never share state.
type Scheduler struct {
	refresher Refresher
	settings  refresh.SettingsSource
	opts      Options
	cooldown  *ttlcache.Cache[string, struct{}]

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	cancel   context.CancelFunc
	interval time.Duration
	wanted   bool
	ticks    int64
	lastTick time.Time
	last     *TickReport
}

// New creates a stopped scheduler.
func New(refresher Refresher, settings refresh.SettingsSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		settings:  settings,
		opts:      applyOptions(opts...),
	}
	if s.opts.FailureCooldown > 0 {
		s.cooldown = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](s.opts.FailureCooldown),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}
	return s
}

// Start arms the tick cron, replacing any previous one. When the cache is
// disabled in the settings it logs and returns without arming.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = true
	return s.armLocked()
}

// Stop prevents future ticks. Batches not yet launched by a running tick are
// dropped; recomputes already in flight finish and still write their result.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = false
	if s.cron == nil {
		return
	}
	s.disarmLocked()
	s.opts.Logger.Info("background refresh stopped")
}

// Reload re-arms a started scheduler with the current settings. Use it when
// the settings change at runtime.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted {
		return nil
	}
	return s.armLocked()
}

// Status returns the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:  s.cron != nil,
		Interval: s.interval,
		LastTick: s.lastTick,
		TicksRun: s.ticks,
	}
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entry).Next
	}
	if s.last != nil {
		report := *s.last
		st.LastReport = &report
	}
	return st
}

func (s *Scheduler) armLocked() error {
	s.disarmLocked()

	settings := s.settings.Settings()
	if !settings.Enabled {
		s.opts.Logger.Info("forecast cache disabled, background refresh not started")
		return nil
	}

	interval := settings.RefreshInterval()
	if s.opts.Interval > 0 {
		interval = s.opts.Interval
	}
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{logger: s.opts.Logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.entry = c.Schedule(cron.Every(interval), cron.FuncJob(func() { s.Tick(ctx) }))
	c.Start()

	s.cron, s.cancel, s.interval = c, cancel, interval
	s.opts.Logger.Info("background refresh started",
		slog.Duration("interval", interval),
		slog.Int("priority_products", len(settings.PriorityProductIDs)),
		slog.Bool("refresh_enabled", settings.BackgroundRefreshEnabled),
	)
	return nil
}

func (s *Scheduler) disarmLocked() {
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cancel()
	s.cron, s.cancel, s.entry, s.interval = nil, nil, 0, 0
}

// Tick runs one sweep-and-refresh cycle and waits for every batch it
// launched. Cancelling ctx stops further batches from launching.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	settings := s.settings.Settings()
	c := s.refresher.Cache()
	report := TickReport{ID: uuid.NewString(), StartedAt: time.Now()}
	logger := s.opts.Logger.With(slog.String("tick_id", report.ID))

	swept, err := c.SweepStale(ctx, 2*settings.MaxAge())
	if err != nil {
		logger.Warn("stale sweep persistence failed", slog.Any("error", err))
	}
	report.Swept = swept
	s.opts.Metrics.Swept(swept)

	if settings.Enabled && settings.BackgroundRefreshEnabled {
		if s.cooldown != nil {
			s.cooldown.DeleteExpired()
		}
		keys, cooling := s.candidates(c, settings.IsPriority, settings.MaxAge())
		report.Candidates = len(keys)
		report.SkippedCooldown = cooling
		report.Batches, report.Refreshed, report.Failed = s.refreshBatches(ctx, logger, keys)
	}

	report.Duration = time.Since(report.StartedAt)
	s.opts.Metrics.Tick(report.Batches)
	s.opts.Metrics.Entries(c.Len())

	s.mu.Lock()
	s.ticks++
	s.lastTick = report.StartedAt
	s.last = &report
	s.mu.Unlock()

	logger.Info("background refresh tick",
		slog.Int("swept", report.Swept),
		slog.Int("candidates", report.Candidates),
		slog.Int("batches", report.Batches),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", report.Failed),
		slog.Duration("took", report.Duration),
	)
	return report
}

// candidates returns the stale priority keys in insertion order.
func (s *Scheduler) candidates(c *cache.Cache, priority func(string) bool, maxAge time.Duration) ([]cache.Key, int) {
	var keys []cache.Key
	cooling := 0
	for _, e := range c.Entries() {
		if !priority(e.Key.ProductID) || !c.IsStale(e, maxAge) {
			continue
		}
		if s.cooling(e.Key) {
			cooling++
			continue
		}
		keys = append(keys, e.Key)
	}
	return keys, cooling
}

// refreshBatches launches one batch at a time, each no earlier than Stagger
// after the previous one started. Batches may overlap.
func (s *Scheduler) refreshBatches(ctx context.Context, logger *slog.Logger, keys []cache.Key) (batches, refreshed, failed int) {
	var ok, bad atomic.Int64
	var all errgroup.Group
	var prev time.Time

	for _, batch := range chunk(keys, s.opts.BatchSize) {
		if !wait(ctx, time.Until(prev.Add(s.opts.Stagger))) {
			logger.Info("tick cancelled, remaining batches dropped", slog.Int("launched", batches))
			break
		}
		prev = time.Now()
		batches++

		batch := batch // per-iteration copy (Go 1.22 loopvar semantics on go1.21)
		all.Go(func() error {
			var g errgroup.Group
			for _, key := range batch {
				key := key // per-iteration copy (Go 1.22 loopvar semantics on go1.21)
				g.Go(func() error {
					if s.refreshOne(ctx, logger, key) {
						ok.Add(1)
					} else {
						bad.Add(1)
					}
					return nil
				})
			}
			return g.Wait()
		})
	}
	_ = all.Wait()
	return batches, int(ok.Load()), int(bad.Load())
}

// refreshOne refreshes a single key. Failures and panics stay with the key.
func (s *Scheduler) refreshOne(ctx context.Context, logger *slog.Logger, key cache.Key) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("background refresh panicked", slog.String("key", key.String()), slog.Any("panic", r))
			s.coolDown(key)
			ok = false
		}
	}()

	out := s.refresher.Resolve(ctx, key)
	if out.Err != nil || !out.Found {
		logger.Warn("background refresh failed",
			slog.String("key", key.String()),
			slog.String("served", string(out.Source)),
			slog.Any("error", out.Err),
		)
		s.coolDown(key)
		return false
	}
	return true
}

func (s *Scheduler) cooling(key cache.Key) bool {
	return s.cooldown != nil && s.cooldown.Get(key.String()) != nil
}

func (s *Scheduler) coolDown(key cache.Key) {
	if s.cooldown != nil {
		s.cooldown.Set(key.String(), struct{}{}, ttlcache.DefaultTTL)
	}
}

// Prewarm requests every PrewarmPairs combination for each product, starting
// requests PrewarmSpacing apart, and waits for them to finish. Cancelling ctx
// stops further requests from starting.
func (s *Scheduler) Prewarm(ctx context.Context, productIDs []string) PrewarmReport {
	report := PrewarmReport{ID: uuid.NewString()}
	logger := s.opts.Logger.With(slog.String("prewarm_id", report.ID))
	started := time.Now()

	if !s.settings.Settings().Enabled {
		logger.Info("forecast cache disabled, prewarm skipped")
		return report
	}

	var ok, bad atomic.Int64
	var g errgroup.Group
	var prev time.Time

launch:
	for _, productID := range productIDs {
		if productID == "" {
			continue
		}
		for _, pair := range PrewarmPairs {
			if !wait(ctx, time.Until(prev.Add(s.opts.PrewarmSpacing))) {
				logger.Info("prewarm cancelled", slog.Int("requested", report.Requested))
				break launch
			}
			prev = time.Now()
			report.Requested++

			key := cache.Key{ProductID: productID, Horizon: pair.Horizon, Method: pair.Method}
			g.Go(func() error {
				success := s.refreshOne(ctx, logger, key)
				if success {
					ok.Add(1)
				} else {
					bad.Add(1)
				}
				s.opts.Metrics.Prewarm(success)
				return nil
			})
		}
	}
	_ = g.Wait()

	report.Succeeded = int(ok.Load())
	report.Failed = int(bad.Load())
	report.Duration = time.Since(started)
	logger.Info("cache prewarmed",
		slog.Int("products", len(productIDs)),
		slog.Int("requested", report.Requested),
		slog.Int("failed", report.Failed),
		slog.Duration("took", report.Duration),
	)
	return report
}

func chunk(keys []cache.Key, size int) [][]cache.Key {
	var out [][]cache.Key
	for len(keys) > 0 {
		n := min(size, len(keys))
		out = append(out, keys[:n:n])
		keys = keys[n:]
	}
	return out
}

// wait sleeps for d or until ctx is done. It reports whether ctx is still live.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package stockcast

import (
	"context"
	"time"

	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/refresh"
	"github.com/karloscodes/stockcast/scheduler"
)

// Diagnostics is a point-in-time report for operators.
type Diagnostics struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Backend     string                      `json:"backend"`
	Capacity    int                         `json:"capacity"`
	CacheSize   int                         `json:"cache_size"`
	Fresh       int                         `json:"fresh"`
	Stale       int                         `json:"stale"`
	HitRate     float64                     `json:"hit_rate"`
	Stats       refresh.Stats               `json:"stats"`
	Settings    config.CacheRefreshSettings `json:"settings"`
	Scheduler   scheduler.Status            `json:"scheduler"`
	Database    DatabaseHealth              `json:"database"`
}

// DatabaseHealth is the outcome of pinging the sales and inventory database.
type DatabaseHealth struct {
	Driver  string `json:"driver"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Diagnostics reports cache size, freshness, hit rate, scheduler status and
// database reachability.
func (s *Service) Diagnostics(ctx context.Context) Diagnostics {
	settings := s.Settings.Settings()
	cs := s.Cache.Stats(settings.MaxAge())
	stats := s.Orchestrator.Stats()

	return Diagnostics{
		GeneratedAt: time.Now().UTC(),
		Backend:     cs.Backend,
		Capacity:    cs.Capacity,
		CacheSize:   cs.Entries,
		Fresh:       cs.Fresh,
		Stale:       cs.Stale,
		HitRate:     stats.HitRate(),
		Stats:       stats,
		Settings:    settings,
		Scheduler:   s.Scheduler.Status(),
		Database:    s.databaseHealth(ctx),
	}
}

func (s *Service) databaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Driver: s.DB.Driver().Name(), Healthy: true}
	if err := s.DB.Ping(ctx); err != nil {
		health.Healthy = false
		health.Error = err.Error()
	}
	return health
}

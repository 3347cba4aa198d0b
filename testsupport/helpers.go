// Package testsupport holds helpers shared by the stockcast test suites.
package testsupport

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karloscodes/stockcast/config"
)

// NewTestLogger creates a slog.Logger that discards all output.
// Use this for tests where you don't need to verify log messages.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseLogger writes debug-level logs through t.Log.
func NewVerboseLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Clock is a manually advanced clock for deterministic freshness checks.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewTestSettings returns a settings store with the defaults, modified by fn.
func NewTestSettings(fn func(*config.CacheRefreshSettings)) *config.Store {
	s := config.DefaultCacheRefreshSettings()
	if fn != nil {
		fn(&s)
	}
	return config.NewStore(s, config.DefaultForecastDefaults())
}

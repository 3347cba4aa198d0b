package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/karloscodes/stockcast/forecast"
)

// ErrInvalidSettings is returned when an update would leave settings unusable.
var ErrInvalidSettings = errors.New("config: invalid settings")

// CacheRefreshSettings controls forecast caching and background refresh.
type CacheRefreshSettings struct {
	Enabled                  bool     `mapstructure:"enabled" json:"enabled"`
	MaxAgeHours              float64  `mapstructure:"maxagehours" json:"max_age_hours"`
	RefreshIntervalMinutes   int      `mapstructure:"refreshintervalminutes" json:"refresh_interval_minutes"`
	PriorityProductIDs       []string `mapstructure:"priorityproductids" json:"priority_product_ids"`
	BackgroundRefreshEnabled bool     `mapstructure:"backgroundrefreshenabled" json:"background_refresh_enabled"`
}

// DefaultCacheRefreshSettings returns caching on, a 24h freshness window and
// an hourly background tick.
func DefaultCacheRefreshSettings() CacheRefreshSettings {
	return CacheRefreshSettings{
		Enabled:                  true,
		MaxAgeHours:              24,
		RefreshIntervalMinutes:   60,
		PriorityProductIDs:       []string{},
		BackgroundRefreshEnabled: true,
	}
}

// MaxAge returns MaxAgeHours as a duration.
func (s CacheRefreshSettings) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours * float64(time.Hour))
}

// RefreshInterval returns RefreshIntervalMinutes as a duration.
func (s CacheRefreshSettings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalMinutes) * time.Minute
}

// IsPriority reports whether productID is kept warm by the scheduler.
func (s CacheRefreshSettings) IsPriority(productID string) bool {
	return slices.Contains(s.PriorityProductIDs, productID)
}

// Validate checks the settings are usable.
func (s CacheRefreshSettings) Validate() error {
	if s.MaxAgeHours <= 0 {
		return fmt.Errorf("%w: max age hours must be positive, got %v", ErrInvalidSettings, s.MaxAgeHours)
	}
	if s.RefreshIntervalMinutes <= 0 {
		return fmt.Errorf("%w: refresh interval minutes must be positive, got %d", ErrInvalidSettings, s.RefreshIntervalMinutes)
	}
	return nil
}

func (s CacheRefreshSettings) clone() CacheRefreshSettings {
	s.PriorityProductIDs = slices.Clone(s.PriorityProductIDs)
	return s
}

// ForecastDefaults are the parameters used when a request leaves them unset.
type ForecastDefaults struct {
	Method          forecast.Method `mapstructure:"method" json:"method"`
	MinHistoryDays  int             `mapstructure:"minhistorydays" json:"min_history_days"`
	SmoothingFactor float64         `mapstructure:"smoothingfactor" json:"smoothing_factor"`
}

// DefaultForecastDefaults returns moving average, 30 days of history and alpha 0.35.
func DefaultForecastDefaults() ForecastDefaults {
	return ForecastDefaults{
		Method:          forecast.MethodMovingAverage,
		MinHistoryDays:  forecast.DefaultMinHistoryDays,
		SmoothingFactor: forecast.DefaultAlpha,
	}
}

// Validate checks the defaults are usable.
func (d ForecastDefaults) Validate() error {
	if !d.Method.Valid() {
		return fmt.Errorf("%w: unknown forecast method %q", ErrInvalidSettings, d.Method)
	}
	if d.MinHistoryDays <= 0 {
		return fmt.Errorf("%w: min history days must be positive, got %d", ErrInvalidSettings, d.MinHistoryDays)
	}
	if d.SmoothingFactor <= 0 || d.SmoothingFactor > 1 {
		return fmt.Errorf("%w: smoothing factor must be in (0, 1], got %v", ErrInvalidSettings, d.SmoothingFactor)
	}
	return nil
}

// SettingsProvider gives read/write access to the refresh settings and the
// forecasting defaults.
type SettingsProvider interface {
	Settings() CacheRefreshSettings
	ForecastDefaults() ForecastDefaults
	Update(fn func(*CacheRefreshSettings)) error
	UpdateForecastDefaults(fn func(*ForecastDefaults)) error
}

// Store is an in-memory SettingsProvider. Thread-safe.
type Store struct {
	mu        sync.RWMutex
	settings  CacheRefreshSettings
	defaults  ForecastDefaults
	listeners []func(CacheRefreshSettings)
}

// NewStore creates a store holding the given values.
func NewStore(settings CacheRefreshSettings, defaults ForecastDefaults) *Store {
	return &Store{settings: settings.clone(), defaults: defaults}
}

// NewDefaultStore creates a store holding the defaults.
func NewDefaultStore() *Store {
	return NewStore(DefaultCacheRefreshSettings(), DefaultForecastDefaults())
}

// Settings returns a copy of the current refresh settings.
func (s *Store) Settings() CacheRefreshSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// ForecastDefaults returns the current forecasting defaults.
func (s *Store) ForecastDefaults() ForecastDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Update applies fn to a copy of the settings and stores it if valid.
// Listeners registered with OnChange run after the update.
func (s *Store) Update(fn func(*CacheRefreshSettings)) error {
	s.mu.Lock()
	next := s.settings.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.settings = next
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(next.clone())
	}
	return nil
}

// UpdateForecastDefaults applies fn to a copy of the defaults and stores it if valid.
func (s *Store) UpdateForecastDefaults(fn func(*ForecastDefaults)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.defaults
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.defaults = next
	return nil
}

// Replace swaps both sections at once.
func (s *Store) Replace(settings CacheRefreshSettings, defaults ForecastDefaults) error {
	if err := errors.Join(settings.Validate(), defaults.Validate()); err != nil {
		return err
	}
	if err := s.UpdateForecastDefaults(func(d *ForecastDefaults) { *d = defaults }); err != nil {
		return err
	}
	return s.Update(func(c *CacheRefreshSettings) { *c = settings })
}

// OnChange registers fn to run after every successful settings update.
func (s *Store) OnChange(fn func(CacheRefreshSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

var _ SettingsProvider = (*Store)(nil)

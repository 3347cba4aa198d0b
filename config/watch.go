package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReadSettingsFile reads the cache and forecast sections from a YAML (or any
// viper-supported) file. Missing keys fall back to the defaults.
func ReadSettingsFile(path string) (CacheRefreshSettings, ForecastDefaults, error) {
	v := newSettingsViper(path)
	if err := v.ReadInConfig(); err != nil {
		return CacheRefreshSettings{}, ForecastDefaults{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decodeSettings(v)
}

// WatchSettingsFile loads path into store and keeps it in sync as the file
// changes. Invalid edits are logged and ignored; the store keeps its last
// good values.
func WatchSettingsFile(path string, store *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	v := newSettingsViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := apply(v, store); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := apply(v, store); err != nil {
			logger.Warn("ignoring settings change", slog.String("file", e.Name), slog.Any("error", err))
			return
		}
		s := store.Settings()
		logger.Info("settings reloaded",
			slog.String("file", e.Name),
			slog.Bool("enabled", s.Enabled),
			slog.Float64("max_age_hours", s.MaxAgeHours),
			slog.Int("refresh_interval_minutes", s.RefreshIntervalMinutes),
			slog.Int("priority_products", len(s.PriorityProductIDs)),
		)
	})
	v.WatchConfig()
	return nil
}

func newSettingsViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	setSettingsDefaults(v)
	return v
}

func decodeSettings(v *viper.Viper) (CacheRefreshSettings, ForecastDefaults, error) {
	// Unmarshal goes through AllSettings so defaults fill keys the file omits.
	var sections struct {
		Cache    CacheRefreshSettings `mapstructure:"cache"`
		Forecast ForecastDefaults     `mapstructure:"forecast"`
	}
	if err := v.Unmarshal(&sections); err != nil {
		return CacheRefreshSettings{}, ForecastDefaults{}, fmt.Errorf("config: unmarshal settings: %w", err)
	}
	return sections.Cache, sections.Forecast, nil
}

func apply(v *viper.Viper, store *Store) error {
	settings, defaults, err := decodeSettings(v)
	if err != nil {
		return err
	}
	return store.Replace(settings, defaults)
}

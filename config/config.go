package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Environment constants.
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

// Config holds process-level configuration for stockcast.
type Config struct {
	// AppName is the application name, used for env var prefix and database filename.
	AppName string `mapstructure:"appname"`

	// Environment: development, production, or test.
	Environment string `mapstructure:"environment"`

	// Debug enables debug mode.
	Debug bool `mapstructure:"debug"`

	// Logging configuration.
	LogLevel       string `mapstructure:"loglevel"`
	LogsDirectory  string `mapstructure:"logsdirectory"`
	LogsMaxSizeMB  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeDays int    `mapstructure:"logsmaxageindays"`

	// Data and database configuration.
	DataDirectory    string `mapstructure:"datadirectory"`
	DatabaseDriver   string `mapstructure:"databasedriver"`
	DatabaseFilename string `mapstructure:"databasefilename"`
	DatabaseURL      string `mapstructure:"databaseurl"`
	DatabasePath     string `mapstructure:"-"` // Resolved path, not from env
	MaxOpenConns     int    `mapstructure:"databasemaxopenconns"`
	MaxIdleConns     int    `mapstructure:"databasemaxidleconns"`

	// Forecast cache backend and its Redis connection.
	CacheBackend  string `mapstructure:"cachebackend"`
	CacheCapacity int    `mapstructure:"cachecapacity"`
	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`

	// MetricsAddr exposes Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metricsaddr"`

	// SettingsFile is an optional YAML file holding the cache and forecast
	// sections. It is watched for changes by the serve command.
	SettingsFile string `mapstructure:"settingsfile"`

	Cache    CacheRefreshSettings `mapstructure:"cache"`
	Forecast ForecastDefaults     `mapstructure:"forecast"`

	// Internal: the env var prefix (derived from AppName).
	envPrefix string
}

// Load creates a new Config for the given app name.
// It reads from environment variables prefixed with the uppercase app name.
// Example: Load("stockcast") reads STOCKCAST_ENV, STOCKCAST_DATABASE_URL, etc.
func Load(appName string) (*Config, error) {
	v := viper.New()

	// Normalize app name
	appName = strings.ToLower(strings.TrimSpace(appName))
	if appName == "" {
		appName = "stockcast"
	}
	prefix := strings.ToUpper(appName)

	// Read .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	// Set defaults
	setDefaults(v, appName)

	// Bind environment variables
	v.SetEnvPrefix(prefix)
	bindEnvVars(v, prefix)

	cfg := &Config{envPrefix: prefix}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Settings file overrides the cache and forecast sections
	if cfg.SettingsFile != "" {
		settings, defaults, err := ReadSettingsFile(cfg.SettingsFile)
		if err != nil {
			return nil, err
		}
		cfg.Cache, cfg.Forecast = settings, defaults
	}

	// Resolve database path
	cfg.DatabasePath = cfg.resolveDatabasePath()

	// Ensure directories exist
	cfg.ensureDirectories()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, appName string) {
	v.SetDefault("appname", appName)
	v.SetDefault("environment", Production)
	v.SetDefault("debug", false)

	v.SetDefault("loglevel", "error")
	v.SetDefault("logsdirectory", "storage/logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)

	v.SetDefault("datadirectory", "storage")
	v.SetDefault("databasedriver", DriverSQLite)
	v.SetDefault("databasefilename", appName+".db")
	v.SetDefault("databasemaxopenconns", 0)
	v.SetDefault("databasemaxidleconns", 0)

	v.SetDefault("cachebackend", BackendDatabase)
	v.SetDefault("cachecapacity", 100)
	v.SetDefault("redisaddr", "localhost:6379")
	v.SetDefault("redisdb", 0)

	setSettingsDefaults(v)
}

// setSettingsDefaults registers the defaults of the cache and forecast sections.
func setSettingsDefaults(v *viper.Viper) {
	d := DefaultCacheRefreshSettings()
	v.SetDefault("cache.enabled", d.Enabled)
	v.SetDefault("cache.maxagehours", d.MaxAgeHours)
	v.SetDefault("cache.refreshintervalminutes", d.RefreshIntervalMinutes)
	v.SetDefault("cache.priorityproductids", d.PriorityProductIDs)
	v.SetDefault("cache.backgroundrefreshenabled", d.BackgroundRefreshEnabled)

	f := DefaultForecastDefaults()
	v.SetDefault("forecast.method", string(f.Method))
	v.SetDefault("forecast.minhistorydays", f.MinHistoryDays)
	v.SetDefault("forecast.smoothingfactor", f.SmoothingFactor)
}

func bindEnvVars(v *viper.Viper, prefix string) {
	// Core env vars: {PREFIX}_ENV, {PREFIX}_LOG_LEVEL, etc.
	v.BindEnv("environment", prefix+"_ENV")
	v.BindEnv("loglevel", prefix+"_LOG_LEVEL")
	v.BindEnv("datadirectory", prefix+"_DATA_DIR")
	v.BindEnv("logsdirectory", prefix+"_LOGS_DIR")
	v.BindEnv("debug", prefix+"_DEBUG")

	v.BindEnv("databasedriver", prefix+"_DATABASE_DRIVER")
	v.BindEnv("databaseurl", prefix+"_DATABASE_URL")

	v.BindEnv("cachebackend", prefix+"_CACHE_BACKEND")
	v.BindEnv("cachecapacity", prefix+"_CACHE_CAPACITY")
	v.BindEnv("redisaddr", prefix+"_REDIS_ADDR")
	v.BindEnv("redispassword", prefix+"_REDIS_PASSWORD")
	v.BindEnv("redisdb", prefix+"_REDIS_DB")
	v.BindEnv("metricsaddr", prefix+"_METRICS_ADDR")
	v.BindEnv("settingsfile", prefix+"_SETTINGS_FILE")

	v.BindEnv("cache.enabled", prefix+"_CACHE_ENABLED")
	v.BindEnv("cache.maxagehours", prefix+"_CACHE_MAX_AGE_HOURS")
	v.BindEnv("cache.refreshintervalminutes", prefix+"_CACHE_REFRESH_INTERVAL_MINUTES")
	v.BindEnv("cache.priorityproductids", prefix+"_CACHE_PRIORITY_PRODUCTS")
	v.BindEnv("cache.backgroundrefreshenabled", prefix+"_CACHE_BACKGROUND_REFRESH")

	v.BindEnv("forecast.method", prefix+"_FORECAST_METHOD")
	v.BindEnv("forecast.minhistorydays", prefix+"_FORECAST_MIN_HISTORY_DAYS")
	v.BindEnv("forecast.smoothingfactor", prefix+"_FORECAST_SMOOTHING_FACTOR")
}

func (c *Config) validate() error {
	var problems []string

	// Adjust log level for development
	if c.LogLevel == "" || c.LogLevel == "error" {
		if c.IsDevelopment() || c.IsTest() {
			c.LogLevel = "info"
		}
	}

	// Validate environment
	switch c.Environment {
	case Development, Production, Test:
	default:
		problems = append(problems, fmt.Sprintf("invalid %s_ENV value %q", c.envPrefix, c.Environment))
	}

	switch c.DatabaseDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, fmt.Sprintf("%s_DATABASE_URL is REQUIRED for the postgres driver", c.envPrefix))
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid %s_DATABASE_DRIVER value %q", c.envPrefix, c.DatabaseDriver))
	}

	switch c.CacheBackend {
	case BackendMemory, BackendDatabase, BackendRedis:
	default:
		problems = append(problems, fmt.Sprintf("invalid %s_CACHE_BACKEND value %q", c.envPrefix, c.CacheBackend))
	}

	if err := c.Cache.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Forecast.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) resolveDatabasePath() string {
	filename := c.DatabaseFilename
	if filename == "" {
		filename = c.AppName + ".db"
	}

	// Add environment suffix: app.development.db, app.test.db, app.production.db
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	if ext == "" {
		ext = ".db"
	}
	filename = fmt.Sprintf("%s.%s%s", base, c.Environment, ext)

	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(c.DataDirectory, filename)
}

func (c *Config) ensureDirectories() {
	dirs := []string{c.DataDirectory, c.LogsDirectory}
	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Printf("config: failed to create directory %q: %v", dir, err)
			}
		}
	}
}

// Environment checks.

func (c *Config) IsDevelopment() bool { return c.Environment == Development }
func (c *Config) IsProduction() bool  { return c.Environment == Production }
func (c *Config) IsTest() bool        { return c.Environment == Test }

// Logging accessors.

func (c *Config) GetLogLevel() string     { return c.LogLevel }
func (c *Config) GetLogDirectory() string { return c.LogsDirectory }
func (c *Config) GetLogMaxSizeMB() int    { return c.LogsMaxSizeMB }
func (c *Config) GetLogMaxBackups() int   { return c.LogsMaxBackups }
func (c *Config) GetLogMaxAgeDays() int   { return c.LogsMaxAgeDays }
func (c *Config) GetAppName() string      { return c.AppName }

// Database configuration.

// DatabaseDSN returns the sqlite path or the postgres URL.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseDriver == DriverPostgres {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

func (c *Config) GetMaxOpenConns() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	if c.IsProduction() {
		return 10
	}
	return 1
}

func (c *Config) GetMaxIdleConns() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	if c.IsProduction() {
		return 5
	}
	return 1
}

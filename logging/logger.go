// Package logging builds the slog loggers used across stockcast.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment names understood by New.
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Environment selects the handler. Development and test use colored
	// console output, production uses JSON to stdout and a rotating file.
	Environment string

	// Level is the minimum log level. Defaults based on environment:
	// - Development: "info"
	// - Test: "info"
	// - Production: "error"
	// Can be overridden via LOG_LEVEL env var or this field.
	Level string

	// Directory for log files. Only used in production.
	// Defaults to "logs" in the current directory.
	Directory string

	// MaxSizeMB is the max size in megabytes before rotation.
	// Defaults to 100.
	MaxSizeMB int

	// MaxBackups is the max number of old log files to keep.
	// Defaults to 3.
	MaxBackups int

	// MaxAgeDays is the max age in days before a log file is deleted.
	// Defaults to 28.
	MaxAgeDays int

	// AppName is used in the log filename. Defaults to "stockcast".
	AppName string

	// Output replaces stdout. Optional.
	Output io.Writer
}

// ConfigProvider allows configuration objects to provide log settings directly.
type ConfigProvider interface {
	IsDevelopment() bool
	IsTest() bool
	GetLogLevel() string
	GetLogDirectory() string
	GetLogMaxSizeMB() int
	GetLogMaxBackups() int
	GetLogMaxAgeDays() int
	GetAppName() string
}

// ConfigFrom creates a LogConfig from a ConfigProvider.
func ConfigFrom(p ConfigProvider) LogConfig {
	env := Production
	switch {
	case p.IsDevelopment():
		env = Development
	case p.IsTest():
		env = Test
	}
	return LogConfig{
		Environment: env,
		Level:       p.GetLogLevel(),
		Directory:   p.GetLogDirectory(),
		MaxSizeMB:   p.GetLogMaxSizeMB(),
		MaxBackups:  p.GetLogMaxBackups(),
		MaxAgeDays:  p.GetLogMaxAgeDays(),
		AppName:     p.GetAppName(),
	}
}

// New creates a configured slog.Logger based on the environment.
//
// Development and Test:
//   - Logs to stdout only
//   - Uses colored text output (tint)
//   - Default level: info
//
// Production:
//   - Logs to both stdout and rotating file
//   - Uses JSON format
//   - Default level: error
//   - Files rotated via lumberjack
func New(cfg LogConfig) *slog.Logger {
	level := ResolveLevel(cfg.Environment, cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Environment == Development || cfg.Environment == Test {
		return newDevLogger(out, level)
	}
	return newProdLogger(out, level, cfg)
}

// ResolveLevel determines the log level from config, env, or defaults.
func ResolveLevel(environment, configLevel string) slog.Level {
	// Check explicit config first
	levelStr := configLevel

	// Check env var override
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		levelStr = envLevel
	}

	// Use defaults if not set
	if levelStr == "" {
		if environment == Development || environment == Test {
			levelStr = "info"
		} else {
			levelStr = "error"
		}
	}

	// Parse level string
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newDevLogger creates a colored text logger for development/test.
func newDevLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		AddSource:  level == slog.LevelDebug,
	}))
}

// newProdLogger creates a JSON logger that writes to stdout and file.
func newProdLogger(w io.Writer, level slog.Level, cfg LogConfig) *slog.Logger {
	// Apply defaults
	appName := cfg.AppName
	if appName == "" {
		appName = "stockcast"
	}

	dir := cfg.Directory
	if dir == "" {
		dir = "logs"
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 28
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Ensure logs directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Fall back to stdout only if we can't create the directory
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	// Configure rotating file writer
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, appName+".log"),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}

	// Write to both stdout and file
	return slog.New(slog.NewJSONHandler(io.MultiWriter(w, rotator), opts))
}

// Fatal logs a fatal message and exits (helper function since slog doesn't have Fatal)
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

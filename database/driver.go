package database

import (
	"log/slog"

	"gorm.io/gorm"
)

// Driver adapts the Manager to one database engine. The sqlite driver backs
// single-node deployments and tests; postgres backs shared sales history.
type Driver interface {
	// Name is reported in logs and diagnostics ("sqlite", "postgres").
	Name() string

	Open(dsn string) gorm.Dialector

	// ConfigureDSN completes the configured DSN: the immediate transaction
	// lock for sqlite, sslmode and timezone for postgres.
	ConfigureDSN(dsn string, cfg *Config) string

	// AfterConnect runs once the pool is open, before the sales and cache
	// tables are touched.
	AfterConnect(db *gorm.DB, cfg *Config, logger *slog.Logger) error

	// Close flushes engine state before the pool is closed.
	Close(db *gorm.DB, logger *slog.Logger) error

	// SupportsCheckpoint reports whether Checkpoint does anything.
	SupportsCheckpoint() bool

	// Checkpoint folds the write-ahead log into the main file after bulk
	// cache writes such as a prewarm.
	Checkpoint(db *gorm.DB, mode string) error
}

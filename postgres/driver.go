package postgres

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/database"
)

// Driver implements database.Driver for PostgreSQL.
type Driver struct{}

// NewDriver creates a new PostgreSQL driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns "postgres".
func (d *Driver) Name() string {
	return "postgres"
}

// Open returns a GORM PostgreSQL dialector.
func (d *Driver) Open(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// ConfigureDSN adds sslmode and TimeZone unless the DSN already sets them.
// Both URL ("postgres://...") and keyword ("host=... dbname=...") forms are supported.
func (d *Driver) ConfigureDSN(dsn string, cfg *database.Config) string {
	isURL := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var params []string
	if cfg.Postgres.SSLMode != "" && !strings.Contains(dsn, "sslmode=") {
		params = append(params, fmt.Sprintf("sslmode=%s", cfg.Postgres.SSLMode))
	}
	if cfg.Postgres.Timezone != "" && !strings.Contains(dsn, "TimeZone=") {
		params = append(params, fmt.Sprintf("TimeZone=%s", cfg.Postgres.Timezone))
	}
	if len(params) == 0 {
		return dsn
	}

	if !isURL {
		return strings.TrimSpace(dsn + " " + strings.Join(params, " "))
	}

	// If DSN already has query params, append; otherwise add
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join(params, "&")
}

// AfterConnect sets up PostgreSQL-specific configuration.
func (d *Driver) AfterConnect(db *gorm.DB, cfg *database.Config, logger *slog.Logger) error {
	// Set search path if specified
	if cfg.Postgres.SearchPath != "" {
		if err := db.Exec(fmt.Sprintf("SET search_path TO %s", cfg.Postgres.SearchPath)).Error; err != nil {
			logger.Error("failed to set search_path", slog.String("search_path", cfg.Postgres.SearchPath), slog.Any("error", err))
			return fmt.Errorf("postgres: set search_path: %w", err)
		}
	}
	return nil
}

// Close is a no-op for PostgreSQL.
func (d *Driver) Close(db *gorm.DB, logger *slog.Logger) error {
	return nil
}

// SupportsCheckpoint returns false for PostgreSQL.
func (d *Driver) SupportsCheckpoint() bool {
	return false
}

// Checkpoint is a no-op for PostgreSQL.
func (d *Driver) Checkpoint(db *gorm.DB, mode string) error {
	return nil
}

// Ensure Driver implements database.Driver
var _ database.Driver = (*Driver)(nil)

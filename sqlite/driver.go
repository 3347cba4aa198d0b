package sqlite

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/database"
)

// MemoryDSN opens a private in-memory database. Keep MaxOpenConns at 1 so
// every query sees the same database.
const MemoryDSN = ":memory:"

// Driver implements database.Driver for SQLite.
type Driver struct{}

// NewDriver creates a new SQLite driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns "sqlite".
func (d *Driver) Name() string {
	return "sqlite"
}

// Open returns a GORM SQLite dialector.
func (d *Driver) Open(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}

// ConfigureDSN adds SQLite-specific options to the DSN.
func (d *Driver) ConfigureDSN(dsn string, cfg *database.Config) string {
	if dsn == "" {
		dsn = MemoryDSN
	}
	if cfg.SQLite.TxImmediate && !strings.Contains(dsn, "_txlock=") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "_txlock=immediate"
	}
	return dsn
}

// IsMemory reports whether dsn points at an in-memory database.
func IsMemory(dsn string) bool {
	return dsn == "" || strings.HasPrefix(dsn, MemoryDSN) || strings.Contains(dsn, "mode=memory")
}

// AfterConnect applies SQLite pragmas.
func (d *Driver) AfterConnect(db *gorm.DB, cfg *database.Config, logger *slog.Logger) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.SQLite.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}

	// WAL is meaningless for in-memory databases
	if cfg.SQLite.EnableWAL && !IsMemory(cfg.DSN) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			logger.Error("failed to apply pragma", slog.String("pragma", pragma), slog.Any("error", err))
			return fmt.Errorf("sqlite: apply pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// Close performs a passive WAL checkpoint before closing.
func (d *Driver) Close(db *gorm.DB, logger *slog.Logger) error {
	logger.Debug("performing WAL checkpoint before close")
	return d.Checkpoint(db, "PASSIVE")
}

// SupportsCheckpoint returns true for SQLite.
func (d *Driver) SupportsCheckpoint() bool {
	return true
}

// Checkpoint performs a WAL checkpoint.
// Modes: PASSIVE, FULL, RESTART, TRUNCATE
func (d *Driver) Checkpoint(db *gorm.DB, mode string) error {
	return db.Exec("PRAGMA wal_checkpoint(" + mode + ");").Error
}

// Ensure Driver implements database.Driver
var _ database.Driver = (*Driver)(nil)

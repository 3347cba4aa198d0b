package testsupport

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/database"
	"github.com/karloscodes/stockcast/sqlite"
)

// TestDBOptions configures test database creation.
type TestDBOptions struct {
	// Models to auto-migrate
	Models []any

	// Enable SQL logging (default: discarded)
	Verbose bool
}

// SetupTestDB opens a private in-memory SQLite database through a
// database.Manager and migrates the provided models. The connection is
// closed when the test ends.
func SetupTestDB(t *testing.T, opts ...TestDBOptions) *gorm.DB {
	t.Helper()
	manager := NewTestDBManager(t, opts...)

	db, err := manager.Connect()
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}
	return db
}

// NewTestDBManager returns a connected manager over an in-memory SQLite
// database. A single pooled connection keeps every query on the same database.
func NewTestDBManager(t *testing.T, opts ...TestDBOptions) *database.Manager {
	t.Helper()

	var options TestDBOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	logger := NewTestLogger()
	if options.Verbose {
		logger = NewVerboseLogger(t)
	}

	cfg := database.DefaultConfig(sqlite.MemoryDSN)
	manager := database.NewManager(sqlite.NewDriver(), cfg, logger)
	t.Cleanup(func() { _ = manager.Close() })

	if err := manager.Migrate(context.Background(), database.NewAutoMigrator(options.Models...)); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}
	return manager
}

package database

import (
	"context"

	"gorm.io/gorm"
)

// Migrator defines how to run database migrations.
type Migrator interface {
	Migrate(ctx context.Context, db *gorm.DB) error
}

// AutoMigrator uses GORM's AutoMigrate for the stockcast tables.
type AutoMigrator struct {
	models []any
}

// NewAutoMigrator creates a migrator that auto-migrates the provided models.
func NewAutoMigrator(models ...any) *AutoMigrator {
	return &AutoMigrator{models: models}
}

// Migrate runs GORM AutoMigrate on all registered models.
func (m *AutoMigrator) Migrate(ctx context.Context, db *gorm.DB) error {
	if len(m.models) == 0 {
		return nil
	}
	return db.WithContext(ctx).AutoMigrate(m.models...)
}

// Models returns the registered models.
func (m *AutoMigrator) Models() []any { return m.models }

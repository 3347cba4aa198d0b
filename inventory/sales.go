package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/database"
	"github.com/karloscodes/stockcast/forecast"
)

// SalesHistoryProvider returns sales recorded in [from, to).
type SalesHistoryProvider interface {
	SalesBetween(ctx context.Context, from, to time.Time) ([]forecast.SalesEvent, error)
}

// ProductSalesProvider narrows the history to one product and, when
// locationID is set, one location. Providers that implement it let the
// Recomputer avoid loading unrelated sales.
type ProductSalesProvider interface {
	ProductSalesBetween(ctx context.Context, productID, locationID string, from, to time.Time) ([]forecast.SalesEvent, error)
}

// SalesRepository reads and records sales events with gorm.
type SalesRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewSalesRepository creates a repository over db.
func NewSalesRepository(db *gorm.DB, logger *slog.Logger) *SalesRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SalesRepository{db: db, logger: logger.With(slog.String("source", "sales"))}
}

// SalesBetween returns every sale in [from, to), oldest first. Malformed rows
// are logged and skipped.
func (r *SalesRepository) SalesBetween(ctx context.Context, from, to time.Time) ([]forecast.SalesEvent, error) {
	return r.query(ctx, r.db.WithContext(ctx), from, to)
}

// ProductSalesBetween is SalesBetween restricted to one product and optionally one location.
func (r *SalesRepository) ProductSalesBetween(ctx context.Context, productID, locationID string, from, to time.Time) ([]forecast.SalesEvent, error) {
	q := r.db.WithContext(ctx).Where("product_id = ?", productID)
	if locationID != "" && locationID != cache.AllLocations {
		q = q.Where("location_id = ?", locationID)
	}
	return r.query(ctx, q, from, to)
}

func (r *SalesRepository) query(ctx context.Context, q *gorm.DB, from, to time.Time) ([]forecast.SalesEvent, error) {
	var records []SaleRecord
	err := q.Where("sold_at >= ? AND sold_at < ?", from.UTC(), to.UTC()).
		Order("sold_at ASC").
		Find(&records).Error
	if err != nil {
		r.logger.Error("sales query failed", slog.Any("error", err))
		return nil, fmt.Errorf("inventory: load sales: %w", err)
	}

	events := make([]forecast.SalesEvent, 0, len(records))
	skipped := 0
	for _, rec := range records {
		e := rec.event()
		if err := forecast.ValidateEvent(e); err != nil {
			skipped++
			r.logger.Warn("skipping malformed sales event", slog.Uint64("id", uint64(rec.ID)), slog.Any("error", err))
			continue
		}
		events = append(events, e)
	}
	if skipped > 0 {
		r.logger.InfoContext(ctx, "sales history loaded with skipped rows",
			slog.Int("events", len(events)),
			slog.Int("skipped", skipped))
	}
	return events, nil
}

// RecordSales stores events in a single write transaction. Malformed events
// reject the whole batch.
func (r *SalesRepository) RecordSales(ctx context.Context, events ...forecast.SalesEvent) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	records := make([]SaleRecord, 0, len(events))
	for _, e := range events {
		if err := forecast.ValidateEvent(e); err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, saleRecord(e))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	return database.PerformWrite(ctx, r.logger, r.db, func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(records, 200).Error; err != nil {
			return fmt.Errorf("inventory: record sales: %w", err)
		}
		return nil
	})
}

var (
	_ SalesHistoryProvider = (*SalesRepository)(nil)
	_ ProductSalesProvider = (*SalesRepository)(nil)
)

package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/refresh"
)

// DefaultsSource supplies the forecasting defaults.
type DefaultsSource interface {
	ForecastDefaults() config.ForecastDefaults
}

// Recomputer computes forecasts from stored sales history.
type Recomputer struct {
	sales    SalesHistoryProvider
	defaults DefaultsSource
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRecomputer creates a Recomputer. A nil clock means time.Now.
func NewRecomputer(sales SalesHistoryProvider, defaults DefaultsSource, clock func() time.Time, logger *slog.Logger) *Recomputer {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recomputer{sales: sales, defaults: defaults, clock: clock, logger: logger}
}

// Recompute loads the lookback window for key and runs the forecast engine.
func (r *Recomputer) Recompute(ctx context.Context, key cache.Key) (forecast.Result, error) {
	req := r.request(key)
	if !req.Horizon.Valid() {
		return forecast.Result{}, fmt.Errorf("inventory: unsupported horizon %d", req.Horizon)
	}

	today := r.clock()
	start, end := forecast.LookbackWindow(req.Horizon, req.MinHistoryDays, today)
	to := end.AddDate(0, 0, 1)

	var (
		events []forecast.SalesEvent
		err    error
	)
	if p, ok := r.sales.(ProductSalesProvider); ok {
		events, err = p.ProductSalesBetween(ctx, req.ProductID, req.LocationID, start, to)
	} else {
		events, err = r.sales.SalesBetween(ctx, start, to)
	}
	if err != nil {
		return forecast.Result{}, fmt.Errorf("inventory: sales history for %s: %w", key, err)
	}

	result := forecast.ForHorizon(events, req, today)
	r.logger.Debug("forecast computed",
		slog.String("key", key.String()),
		slog.Int("events", len(events)),
		slog.Float64("average_daily", result.AverageDaily))
	return result, nil
}

func (r *Recomputer) request(key cache.Key) forecast.Request {
	req := key.Request()
	d := config.DefaultForecastDefaults()
	if r.defaults != nil {
		d = r.defaults.ForecastDefaults()
	}
	if req.Method == "" {
		req.Method = d.Method
	}
	req.MinHistoryDays = d.MinHistoryDays
	req.Alpha = d.SmoothingFactor
	return req
}

var _ refresh.Recomputer = (*Recomputer)(nil)

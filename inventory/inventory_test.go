package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/inventory"
	"github.com/karloscodes/stockcast/refresh"
	"github.com/karloscodes/stockcast/testsupport"
)

var today = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*gorm.DB, *inventory.SalesRepository, *inventory.StateRepository) {
	t.Helper()
	db := testsupport.SetupTestDB(t, testsupport.TestDBOptions{Models: inventory.Models()})
	logger := testsupport.NewTestLogger()
	return db, inventory.NewSalesRepository(db, logger), inventory.NewStateRepository(db, logger)
}

// dailySales records qty units per day for the given number of days ending yesterday.
func dailySales(productID, locationID string, days, qty int) []forecast.SalesEvent {
	events := make([]forecast.SalesEvent, 0, days)
	yesterday := forecast.Day(today).AddDate(0, 0, -1).Add(12 * time.Hour)
	for i := 0; i < days; i++ {
		events = append(events, forecast.SalesEvent{
			ProductID:  productID,
			LocationID: locationID,
			Quantity:   qty,
			SoldAt:     yesterday.AddDate(0, 0, -i),
		})
	}
	return events
}

func ptr(n int) *int { return &n }

func TestSalesRepository(t *testing.T) {
	ctx := context.Background()
	db, sales, _ := setup(t)

	require.NoError(t, sales.RecordSales(ctx, dailySales("p1", "north", 5, 2)...))
	require.NoError(t, sales.RecordSales(ctx, dailySales("p1", "south", 5, 3)...))
	require.NoError(t, sales.RecordSales(ctx, dailySales("p2", "north", 5, 4)...))
	require.NoError(t, sales.RecordSales(ctx))

	from := forecast.Day(today).AddDate(0, 0, -3)
	to := forecast.Day(today)

	t.Run("range is half open", func(t *testing.T) {
		events, err := sales.SalesBetween(ctx, from, to)
		require.NoError(t, err)
		assert.Len(t, events, 9)
		for i := 1; i < len(events); i++ {
			assert.False(t, events[i].SoldAt.Before(events[i-1].SoldAt), "ordered oldest first")
		}
	})

	t.Run("product and location filter", func(t *testing.T) {
		events, err := sales.ProductSalesBetween(ctx, "p1", "", from, to)
		require.NoError(t, err)
		assert.Len(t, events, 6)

		events, err = sales.ProductSalesBetween(ctx, "p1", "south", from, to)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, 3, events[0].Quantity)

		events, err = sales.ProductSalesBetween(ctx, "p1", cache.AllLocations, from, to)
		require.NoError(t, err)
		assert.Len(t, events, 6)
	})

	t.Run("malformed rows are skipped", func(t *testing.T) {
		require.NoError(t, db.Create(&inventory.SaleRecord{ProductID: "p3", Quantity: -4, SoldAt: from.Add(time.Hour)}).Error)
		events, err := sales.ProductSalesBetween(ctx, "p3", "", from, to)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("malformed input rejects the batch", func(t *testing.T) {
		err := sales.RecordSales(ctx,
			forecast.SalesEvent{ProductID: "p4", Quantity: 1, SoldAt: from},
			forecast.SalesEvent{Quantity: 1, SoldAt: from},
		)
		assert.ErrorIs(t, err, forecast.ErrMalformedEvent)

		var count int64
		require.NoError(t, db.Model(&inventory.SaleRecord{}).Where("product_id = ?", "p4").Count(&count).Error)
		assert.Zero(t, count)
	})
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()
	_, _, state := setup(t)

	require.NoError(t, state.SaveLevel(ctx, inventory.Level{ProductID: "p1", LocationID: "north", OnHand: 60, SafetyStock: 20, ReorderPoint: 30, LeadTimeDays: 7}))
	require.NoError(t, state.SaveLevel(ctx, inventory.Level{ProductID: "p1", LocationID: "south", OnHand: 40, SafetyStock: 30, ReorderPoint: 25, LeadTimeDays: 14, ReorderQtyFloor: ptr(100)}))

	s, err := state.State(ctx, "p1", "north")
	require.NoError(t, err)
	assert.Equal(t, inventory.State{ProductID: "p1", LocationID: "north", OnHand: 60, SafetyStock: 20, ReorderPoint: 30, LeadTimeDays: 7}, s)

	all, err := state.State(ctx, "p1", "")
	require.NoError(t, err)
	assert.Empty(t, all.LocationID)
	assert.Equal(t, 100, all.OnHand)
	assert.Equal(t, 50, all.SafetyStock)
	assert.Equal(t, 55, all.ReorderPoint)
	assert.Equal(t, 14, all.LeadTimeDays)
	require.NotNil(t, all.ReorderQtyFloor)
	assert.Equal(t, 100, *all.ReorderQtyFloor)

	require.NoError(t, state.SaveLevel(ctx, inventory.Level{ProductID: "p1", LocationID: "north", OnHand: 5, LeadTimeDays: 7}))
	s, err = state.State(ctx, "p1", "north")
	require.NoError(t, err)
	assert.Equal(t, 5, s.OnHand, "save replaces the level")

	_, err = state.State(ctx, "missing", "")
	assert.ErrorIs(t, err, inventory.ErrUnknownProduct)

	assert.Error(t, state.SaveLevel(ctx, inventory.Level{LocationID: "north"}))
}

func TestRecomputer(t *testing.T) {
	ctx := context.Background()
	_, sales, _ := setup(t)
	require.NoError(t, sales.RecordSales(ctx, dailySales("steady", "", 60, 10)...))
	require.NoError(t, sales.RecordSales(ctx, dailySales("sparse", "", 5, 7)...))

	settings := config.NewDefaultStore()
	clock := func() time.Time { return today }
	r := inventory.NewRecomputer(sales, settings, clock, testsupport.NewTestLogger())

	t.Run("moving average", func(t *testing.T) {
		res, err := r.Recompute(ctx, cache.Key{ProductID: "steady", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage})
		require.NoError(t, err)
		assert.Equal(t, 10.0, res.AverageDaily)
		assert.Equal(t, 10.0, res.PeakDaily)
		assert.Len(t, res.DailyProjection, forecast.ProjectionDays)
	})

	t.Run("ewma", func(t *testing.T) {
		res, err := r.Recompute(ctx, cache.Key{ProductID: "steady", Horizon: forecast.Horizon60, Method: forecast.MethodEWMA})
		require.NoError(t, err)
		assert.InDelta(t, 10.0, res.AverageDaily, 1e-9)
	})

	t.Run("sparse history falls back to seven days", func(t *testing.T) {
		res, err := r.Recompute(ctx, cache.Key{ProductID: "sparse", Horizon: forecast.Horizon30, Method: forecast.MethodEWMA})
		require.NoError(t, err)
		assert.Equal(t, 5.0, res.AverageDaily)
		assert.Equal(t, 7.0, res.PeakDaily)
	})

	t.Run("no history", func(t *testing.T) {
		res, err := r.Recompute(ctx, cache.Key{ProductID: "nothing", Horizon: forecast.Horizon90, Method: forecast.MethodMovingAverage})
		require.NoError(t, err)
		assert.Zero(t, res.AverageDaily)
		assert.Zero(t, res.PeakDaily)
	})

	t.Run("unsupported horizon", func(t *testing.T) {
		_, err := r.Recompute(ctx, cache.Key{ProductID: "steady", Horizon: 45})
		assert.Error(t, err)
	})

	t.Run("min history follows settings", func(t *testing.T) {
		require.NoError(t, settings.UpdateForecastDefaults(func(d *config.ForecastDefaults) { d.MinHistoryDays = 5 }))
		t.Cleanup(func() {
			_ = settings.UpdateForecastDefaults(func(d *config.ForecastDefaults) { d.MinHistoryDays = forecast.DefaultMinHistoryDays })
		})
		res, err := r.Recompute(ctx, cache.Key{ProductID: "sparse", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage})
		require.NoError(t, err)
		assert.Equal(t, 1.3, res.AverageDaily, "35 units over the 28 day window")
	})
}

type failingSales struct{}

func (failingSales) SalesBetween(context.Context, time.Time, time.Time) ([]forecast.SalesEvent, error) {
	return nil, errors.New("connection reset")
}

func TestRecomputerProviderFailure(t *testing.T) {
	r := inventory.NewRecomputer(failingSales{}, nil, nil, nil)
	_, err := r.Recompute(context.Background(), cache.Key{ProductID: "p1", Horizon: forecast.Horizon30})
	assert.ErrorContains(t, err, "connection reset")
}

type stubResolver struct {
	out  refresh.Outcome
	keys []cache.Key
}

func (s *stubResolver) Resolve(_ context.Context, key cache.Key) refresh.Outcome {
	s.keys = append(s.keys, key)
	return s.out
}

func TestAdvisorSuggest(t *testing.T) {
	ctx := context.Background()
	_, _, state := setup(t)
	require.NoError(t, state.SaveLevel(ctx, inventory.Level{ProductID: "p1", LocationID: "main", OnHand: 100, SafetyStock: 50, LeadTimeDays: 14, ReorderQtyFloor: ptr(100)}))

	resolver := &stubResolver{out: refresh.Outcome{
		Entry:  cache.Entry{Result: forecast.Result{AverageDaily: 5}},
		Found:  true,
		Source: refresh.SourceFresh,
	}}
	advisor := inventory.NewAdvisor(resolver, state, config.NewDefaultStore(), func() time.Time { return today })

	advice, err := advisor.Suggest(ctx, "p1", "main", forecast.Horizon30)
	require.NoError(t, err)
	assert.Equal(t, refresh.SourceFresh, advice.Source)
	assert.Equal(t, 10.0, advice.Suggestion.CoverDays)
	assert.Equal(t, 0, advice.Suggestion.DaysUntilReorder)
	assert.Equal(t, 100, advice.Suggestion.SuggestedQty)
	assert.Equal(t, forecast.Day(today), advice.Suggestion.NextReorderDate)

	require.Len(t, resolver.keys, 1)
	assert.Equal(t, cache.Key{ProductID: "p1", LocationID: "main", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}, resolver.keys[0])

	t.Run("no forecast", func(t *testing.T) {
		resolver.out = refresh.Outcome{Source: refresh.SourceNone, Err: errors.New("boom")}
		_, err := advisor.Suggest(ctx, "p1", "main", forecast.Horizon30)
		assert.ErrorIs(t, err, inventory.ErrForecastUnavailable)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("unknown product", func(t *testing.T) {
		_, err := advisor.Suggest(ctx, "ghost", "", forecast.Horizon30)
		assert.ErrorIs(t, err, inventory.ErrUnknownProduct)
	})
}

func TestAdvisorWithOrchestrator(t *testing.T) {
	ctx := context.Background()
	_, sales, state := setup(t)
	require.NoError(t, sales.RecordSales(ctx, dailySales("p1", "main", 60, 4)...))
	require.NoError(t, state.SaveLevel(ctx, inventory.Level{ProductID: "p1", LocationID: "main", OnHand: 30, SafetyStock: 10, LeadTimeDays: 3}))

	settings := config.NewDefaultStore()
	clock := func() time.Time { return today }
	c := cache.New(cache.WithClock(clock))
	orch := refresh.New(c, inventory.NewRecomputer(sales, settings, clock, nil), settings,
		refresh.WithClock(clock), refresh.WithLogger(testsupport.NewTestLogger()))
	advisor := inventory.NewAdvisor(orch, state, settings, clock)

	advice, err := advisor.Suggest(ctx, "p1", "main", forecast.Horizon30)
	require.NoError(t, err)
	assert.Equal(t, refresh.SourceRecomputed, advice.Source)
	assert.Equal(t, 4.0, advice.Forecast.Result.AverageDaily)
	// cover (30-10)/4 = 5, reorder in 5-3 = 2 days, need (3+14)*4+10-30 = 48
	assert.Equal(t, 5.0, advice.Suggestion.CoverDays)
	assert.Equal(t, 2, advice.Suggestion.DaysUntilReorder)
	assert.Equal(t, 48, advice.Suggestion.SuggestedQty)

	advice, err = advisor.Suggest(ctx, "p1", "main", forecast.Horizon30)
	require.NoError(t, err)
	assert.Equal(t, refresh.SourceFresh, advice.Source)
	assert.Equal(t, int64(1), orch.Stats().HitCount)
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/refresh"
)

// ErrForecastUnavailable is returned when neither a cached nor a fresh
// forecast could be produced.
var ErrForecastUnavailable = errors.New("inventory: forecast unavailable")

// Resolver serves forecasts. *refresh.Orchestrator implements it.
type Resolver interface {
	Resolve(ctx context.Context, key cache.Key) refresh.Outcome
}

// Advice is a reorder suggestion together with the forecast it came from.
type Advice struct {
	Forecast   cache.Entry         `json:"forecast"`
	Source     refresh.Source      `json:"source"`
	Suggestion forecast.Suggestion `json:"suggestion"`
}

// Advisor derives reorder suggestions from forecasts and stock levels.
type Advisor struct {
	forecasts Resolver
	state     StateProvider
	defaults  DefaultsSource
	clock     func() time.Time
}

// NewAdvisor creates an Advisor. A nil clock means time.Now.
func NewAdvisor(forecasts Resolver, state StateProvider, defaults DefaultsSource, clock func() time.Time) *Advisor {
	if clock == nil {
		clock = time.Now
	}
	return &Advisor{forecasts: forecasts, state: state, defaults: defaults, clock: clock}
}

// Suggest computes a reorder suggestion for a product using the default method.
func (a *Advisor) Suggest(ctx context.Context, productID, locationID string, horizon forecast.Horizon) (Advice, error) {
	state, err := a.state.State(ctx, productID, locationID)
	if err != nil {
		return Advice{}, err
	}

	key := cache.Key{ProductID: productID, LocationID: locationID, Horizon: horizon, Method: a.method()}
	out := a.forecasts.Resolve(ctx, key)
	if !out.Found {
		if out.Err != nil {
			return Advice{}, fmt.Errorf("%w: %s: %w", ErrForecastUnavailable, key, out.Err)
		}
		return Advice{}, fmt.Errorf("%w: %s", ErrForecastUnavailable, key)
	}

	suggestion := forecast.CalcSuggestion(forecast.SuggestionInput{
		OnHand:          state.OnHand,
		SafetyStock:     state.SafetyStock,
		AverageDaily:    out.Entry.Result.AverageDaily,
		LeadTimeDays:    state.LeadTimeDays,
		ReorderQtyFloor: state.ReorderQtyFloor,
	}, a.clock())

	return Advice{Forecast: out.Entry, Source: out.Source, Suggestion: suggestion}, nil
}

func (a *Advisor) method() forecast.Method {
	if a.defaults == nil {
		return forecast.MethodMovingAverage
	}
	return a.defaults.ForecastDefaults().Method
}

// Package stockcast forecasts product demand from sales history and keeps
// the forecasts warm in a bounded cache.
//
// A Service ties the pieces together:
//
//	svc, err := stockcast.Open("stockcast")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	if err := svc.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	out := svc.Forecast(ctx, cache.Key{ProductID: "sku-1", Horizon: forecast.Horizon30})
//	advice, err := svc.Suggest(ctx, "sku-1", "", forecast.Horizon30)
//
// Forecast never fails: a recompute failure serves the stale value, or
// nothing, and is reported in the outcome. Diagnostics summarizes the cache,
// the hit rate and the scheduler for an operations surface.
package stockcast

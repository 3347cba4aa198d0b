package forecast

import "time"

// GroupDailySales sums the quantity sold per UTC day for productID. When
// locationID is empty every location counts. Events for other products or
// locations are ignored, as are malformed events.
func GroupDailySales(events []SalesEvent, productID, locationID string) map[time.Time]float64 {
	daily := make(map[time.Time]float64)
	for _, e := range events {
		if e.ProductID != productID {
			continue
		}
		if locationID != "" && e.LocationID != locationID {
			continue
		}
		if ValidateEvent(e) != nil {
			continue
		}
		daily[Day(e.SoldAt)] += float64(e.Quantity)
	}
	return daily
}

// FillMissingDays returns one entry per day in [start, end], using zero for
// days absent from daily. The result is empty when end is before start.
func FillMissingDays(daily map[time.Time]float64, start, end time.Time) []DailySales {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil
	}

	series := make([]DailySales, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		series = append(series, DailySales{Date: d, Quantity: daily[d]})
	}
	return series
}

// firstDay returns the earliest day in daily that falls inside [start, end].
func firstDay(daily map[time.Time]float64, start, end time.Time) (time.Time, bool) {
	var first time.Time
	found := false
	for d := range daily {
		if d.Before(start) || d.After(end) {
			continue
		}
		if !found || d.Before(first) {
			first = d
			found = true
		}
	}
	return first, found
}

func tail(series []DailySales, n int) []DailySales {
	if n >= len(series) {
		return series
	}
	return series[len(series)-n:]
}

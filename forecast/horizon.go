package forecast

import "time"

// Request describes one forecast computation.
type Request struct {
	ProductID  string
	LocationID string // empty means all locations
	Horizon    Horizon
	Method     Method

	// MinHistoryDays below which the short-window fallback is used.
	// Zero means DefaultMinHistoryDays.
	MinHistoryDays int

	// Alpha is the EWMA smoothing factor. Zero means DefaultAlpha.
	Alpha float64
}

// LookbackWindow returns the inclusive history range used for a horizon:
// max(minHistoryDays, horizon+30) days ending yesterday.
func LookbackWindow(h Horizon, minHistoryDays int, today time.Time) (start, end time.Time) {
	if minHistoryDays <= 0 {
		minHistoryDays = DefaultMinHistoryDays
	}
	hd := h.Days()
	if hd <= 0 {
		hd = Horizon30.Days()
	}

	days := max(minHistoryDays, hd+30)
	end = Day(today).AddDate(0, 0, -1)
	start = end.AddDate(0, 0, -(days - 1))
	return start, end
}

// ForHorizon computes the forecast for req from raw sales events. The series
// runs from the first recorded sale inside the lookback window to yesterday.
// When it is shorter than MinHistoryDays the requested method is ignored and
// a moving average over the last 7 days is returned instead. ForHorizon never
// fails; with no history it returns a zero result.
func ForHorizon(events []SalesEvent, req Request, today time.Time) Result {
	minHistory := req.MinHistoryDays
	if minHistory <= 0 {
		minHistory = DefaultMinHistoryDays
	}

	start, end := LookbackWindow(req.Horizon, minHistory, today)
	daily := GroupDailySales(events, req.ProductID, req.LocationID)

	var series []DailySales
	if first, ok := firstDay(daily, start, end); ok {
		series = FillMissingDays(daily, first, end)
	}

	if len(series) < minHistory {
		return MovingAverage(tail(series, fallbackWindow), fallbackWindow)
	}

	switch req.Method {
	case MethodEWMA:
		return EWMA(series, req.Alpha)
	default:
		return MovingAverage(series, DefaultWindow)
	}
}

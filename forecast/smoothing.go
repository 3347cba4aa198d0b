package forecast

import (
	"math"

	"github.com/shopspring/decimal"
)

// MovingAverage averages the last window days of series. The sum is divided
// by window even when fewer days are present, so short histories are pulled
// toward zero. A window of zero or less uses DefaultWindow.
func MovingAverage(series []DailySales, window int) Result {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(series) == 0 {
		return Result{}
	}

	sum := 0.0
	for _, d := range tail(series, window) {
		sum += d.Quantity
	}
	avg := round1(sum / float64(window))

	return Result{
		DailyProjection: project(series, avg),
		AverageDaily:    avg,
		PeakDaily:       peak(series),
	}
}

// EWMA smooths series with smoothed = alpha*today + (1-alpha)*previous,
// seeded with the first day. Alpha outside (0, 1] uses DefaultAlpha.
func EWMA(series []DailySales, alpha float64) Result {
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	if len(series) == 0 {
		return Result{}
	}

	smoothed := series[0].Quantity
	for _, d := range series[1:] {
		smoothed = alpha*d.Quantity + (1-alpha)*smoothed
	}
	avg := round1(smoothed)

	return Result{
		DailyProjection: project(series, avg),
		AverageDaily:    avg,
		PeakDaily:       peak(series),
	}
}

// peak is the largest single day over the last 60 days.
func peak(series []DailySales) float64 {
	highest := 0.0
	for _, d := range tail(series, peakLookbackDays) {
		if d.Quantity > highest {
			highest = d.Quantity
		}
	}
	return highest
}

// project holds value flat for ProjectionDays days after the series ends.
func project(series []DailySales, value float64) []DailySales {
	next := series[len(series)-1].Date.AddDate(0, 0, 1)
	out := make([]DailySales, ProjectionDays)
	for i := range out {
		out[i] = DailySales{Date: next.AddDate(0, 0, i), Quantity: value}
	}
	return out
}

func round1(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(1).InexactFloat64()
}

// Package forecast turns raw sales history into per-product demand projections
// and reorder suggestions. Everything in this package is pure: callers pass
// "today" explicitly and no function performs I/O.
package forecast

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine defaults.
const (
	DefaultWindow         = 28
	DefaultAlpha          = 0.35
	DefaultMinHistoryDays = 30

	// ProjectionDays is the length of every projection regardless of horizon.
	ProjectionDays = 30

	peakLookbackDays = 60
	fallbackWindow   = 7
	reorderBuffer    = 14
)

// ErrMalformedEvent marks a sales record that cannot be used.
var ErrMalformedEvent = errors.New("forecast: malformed sales event")

// Horizon is the forecast look-ahead window in days.
type Horizon int

const (
	Horizon30 Horizon = 30
	Horizon60 Horizon = 60
	Horizon90 Horizon = 90
)

// Days returns the horizon length in days.
func (h Horizon) Days() int { return int(h) }

// Valid reports whether h is one of the supported horizons.
func (h Horizon) Valid() bool {
	switch h {
	case Horizon30, Horizon60, Horizon90:
		return true
	}
	return false
}

func (h Horizon) String() string { return strconv.Itoa(int(h)) }

// ParseHorizon parses "30", "60" or "90" (an optional trailing "d" is accepted).
func ParseHorizon(s string) (Horizon, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "d"))
	if err != nil {
		return 0, fmt.Errorf("forecast: invalid horizon %q", s)
	}
	h := Horizon(n)
	if !h.Valid() {
		return 0, fmt.Errorf("forecast: unsupported horizon %d", n)
	}
	return h, nil
}

// Method is the projection algorithm.
type Method string

const (
	MethodMovingAverage Method = "moving_average"
	MethodEWMA          Method = "ewma"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodMovingAverage || m == MethodEWMA
}

func (m Method) String() string { return string(m) }

// ParseMethod accepts the canonical names plus the short forms "ma" and "moving-average".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moving_average", "moving-average", "ma":
		return MethodMovingAverage, nil
	case "ewma", "exponential":
		return MethodEWMA, nil
	}
	return "", fmt.Errorf("forecast: unknown method %q", s)
}

// SalesEvent is one raw sales record as returned by the sales history provider.
// An empty LocationID means the sale is not attributed to a location.
type SalesEvent struct {
	ProductID  string
	LocationID string
	Quantity   int
	SoldAt     time.Time
}

// ValidateEvent returns ErrMalformedEvent when e cannot be aggregated.
func ValidateEvent(e SalesEvent) error {
	switch {
	case e.ProductID == "":
		return fmt.Errorf("%w: missing product id", ErrMalformedEvent)
	case e.Quantity < 0:
		return fmt.Errorf("%w: negative quantity %d for %s", ErrMalformedEvent, e.Quantity, e.ProductID)
	case e.SoldAt.IsZero():
		return fmt.Errorf("%w: missing timestamp for %s", ErrMalformedEvent, e.ProductID)
	}
	return nil
}

// DailySales is the demand for one UTC calendar day. Historical quantities are
// whole units; projected quantities carry the one-decimal daily average.
type DailySales struct {
	Date     time.Time `json:"date"`
	Quantity float64   `json:"quantity"`
}

// Result is a computed forecast. It is never mutated after creation.
type Result struct {
	DailyProjection []DailySales `json:"daily_projection"`
	AverageDaily    float64      `json:"average_daily"`
	PeakDaily       float64      `json:"peak_daily"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

package forecast

import (
	"math"
	"time"
)

// maxSuggestedQty caps suggestions so absurd demand figures cannot overflow int.
const maxSuggestedQty = math.MaxInt32

// SuggestionInput is the inventory state a reorder suggestion is derived from.
type SuggestionInput struct {
	OnHand       int
	SafetyStock  int
	AverageDaily float64
	LeadTimeDays int

	// ReorderQtyFloor is an optional minimum order quantity.
	ReorderQtyFloor *int
}

// Suggestion is a derived reorder recommendation. It is never stored.
type Suggestion struct {
	OnHand           int       `json:"on_hand"`
	SafetyStock      int       `json:"safety_stock"`
	AverageDaily     float64   `json:"average_daily"`
	LeadTimeDays     int       `json:"lead_time_days"`
	ReorderQtyFloor  *int      `json:"reorder_qty_floor,omitempty"`
	CoverDays        float64   `json:"cover_days"`
	DaysUntilReorder int       `json:"days_until_reorder"`
	NextReorderDate  time.Time `json:"next_reorder_date"`
	SuggestedQty     int       `json:"suggested_qty"`
}

// CalcSuggestion derives when to reorder and how much. Daily demand is never
// taken below one unit so cover days stay finite.
func CalcSuggestion(in SuggestionInput, today time.Time) Suggestion {
	demand := math.Max(1, in.AverageDaily)
	if math.IsNaN(demand) {
		demand = 1
	}
	lead := max(0, in.LeadTimeDays)

	cover := math.Max(0, float64(in.OnHand-in.SafetyStock)/demand)
	untilReorder := max(0, int(math.Floor(cover))-lead)

	targetNeed := float64(lead+reorderBuffer)*demand + float64(in.SafetyStock)
	qty := int(math.Min(math.Ceil(targetNeed-float64(in.OnHand)), maxSuggestedQty))
	if in.ReorderQtyFloor != nil && *in.ReorderQtyFloor > qty {
		qty = *in.ReorderQtyFloor
	}

	return Suggestion{
		OnHand:           in.OnHand,
		SafetyStock:      in.SafetyStock,
		AverageDaily:     in.AverageDaily,
		LeadTimeDays:     in.LeadTimeDays,
		ReorderQtyFloor:  in.ReorderQtyFloor,
		CoverDays:        cover,
		DaysUntilReorder: untilReorder,
		NextReorderDate:  Day(today).AddDate(0, 0, untilReorder),
		SuggestedQty:     max(0, qty),
	}
}

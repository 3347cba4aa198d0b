package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/database"
)

// ErrUnknownProduct is returned when no stock level exists for a product.
var ErrUnknownProduct = errors.New("inventory: unknown product")

// State is the current stock position used to derive a reorder suggestion.
type State struct {
	ProductID       string `json:"product_id"`
	LocationID      string `json:"location_id,omitempty"`
	OnHand          int    `json:"on_hand"`
	SafetyStock     int    `json:"safety_stock"`
	ReorderPoint    int    `json:"reorder_point"`
	LeadTimeDays    int    `json:"lead_time_days"`
	ReorderQtyFloor *int   `json:"reorder_qty_floor,omitempty"`
}

// StateProvider returns the stock position of a product. An empty locationID
// aggregates every location.
type StateProvider interface {
	State(ctx context.Context, productID, locationID string) (State, error)
}

// StateRepository reads and writes inventory levels with gorm.
type StateRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStateRepository creates a repository over db.
func NewStateRepository(db *gorm.DB, logger *slog.Logger) *StateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateRepository{db: db, logger: logger.With(slog.String("source", "inventory"))}
}

// State returns the level for one location or, for an empty or "all"
// location, the sum over every location. Lead time and reorder floor take the
// largest value across locations.
func (r *StateRepository) State(ctx context.Context, productID, locationID string) (State, error) {
	q := r.db.WithContext(ctx).Where("product_id = ?", productID)
	aggregate := locationID == "" || locationID == cache.AllLocations
	if !aggregate {
		q = q.Where("location_id = ?", locationID)
	}

	var levels []Level
	if err := q.Order("location_id").Find(&levels).Error; err != nil {
		return State{}, fmt.Errorf("inventory: load levels for %s: %w", productID, err)
	}
	if len(levels) == 0 {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}

	state := State{ProductID: productID}
	if !aggregate {
		state.LocationID = locationID
	}
	for _, l := range levels {
		state.OnHand += l.OnHand
		state.SafetyStock += l.SafetyStock
		state.ReorderPoint += l.ReorderPoint
		state.LeadTimeDays = max(state.LeadTimeDays, l.LeadTimeDays)
		if l.ReorderQtyFloor != nil && (state.ReorderQtyFloor == nil || *l.ReorderQtyFloor > *state.ReorderQtyFloor) {
			floor := *l.ReorderQtyFloor
			state.ReorderQtyFloor = &floor
		}
	}
	return state, nil
}

// SaveLevel inserts or replaces the level for (ProductID, LocationID).
func (r *StateRepository) SaveLevel(ctx context.Context, level Level) error {
	if level.ProductID == "" {
		return fmt.Errorf("inventory: save level: missing product id")
	}
	return database.PerformWrite(ctx, r.logger, r.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&level).Error
	})
}

var _ StateProvider = (*StateRepository)(nil)

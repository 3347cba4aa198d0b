// Package inventory connects the forecast core to stored sales history and
// stock levels. It provides the gorm-backed collaborators the refresh path
// consumes and the Advisor that turns forecasts into reorder suggestions.
package inventory

import (
	"time"

	"github.com/karloscodes/stockcast/forecast"
)

// SaleRecord is one stored sales event.
type SaleRecord struct {
	ID         uint      `gorm:"primaryKey"`
	ProductID  string    `gorm:"size:64;not null;index:idx_sales_product_sold,priority:1"`
	LocationID string    `gorm:"size:64;index"`
	Quantity   int       `gorm:"not null"`
	SoldAt     time.Time `gorm:"not null;index:idx_sales_product_sold,priority:2;index"`
	CreatedAt  time.Time
}

// TableName pins the table name.
func (SaleRecord) TableName() string { return "sales_events" }

func (r SaleRecord) event() forecast.SalesEvent {
	return forecast.SalesEvent{
		ProductID:  r.ProductID,
		LocationID: r.LocationID,
		Quantity:   r.Quantity,
		SoldAt:     r.SoldAt.UTC(),
	}
}

func saleRecord(e forecast.SalesEvent) SaleRecord {
	return SaleRecord{
		ProductID:  e.ProductID,
		LocationID: e.LocationID,
		Quantity:   e.Quantity,
		SoldAt:     e.SoldAt.UTC(),
	}
}

// Level is the stock position of a product at one location.
type Level struct {
	ProductID       string `gorm:"primaryKey;size:64"`
	LocationID      string `gorm:"primaryKey;size:64"`
	OnHand          int    `gorm:"not null"`
	SafetyStock     int    `gorm:"not null"`
	ReorderPoint    int    `gorm:"not null"`
	LeadTimeDays    int    `gorm:"not null"`
	ReorderQtyFloor *int
	UpdatedAt       time.Time
}

// TableName pins the table name.
func (Level) TableName() string { return "inventory_levels" }

// Models returns every table this package owns, for migrations.
func Models() []any {
	return []any{&SaleRecord{}, &Level{}}
}

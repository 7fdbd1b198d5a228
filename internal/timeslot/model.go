package timeslot

import (
	"time"

	"github.com/gofrs/uuid"
)

// TimeSlot is a bounded pickup/delivery window. A slot carries two
// independent counters: how many orders it holds and how many line items
// those orders add up to. Both are capped.
type TimeSlot struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Date          time.Time `json:"date" db:"slot_date"`
	StartTime     string    `json:"start_time" db:"start_time"`
	EndTime       string    `json:"end_time" db:"end_time"`
	MaxOrders     int       `json:"max_orders" db:"max_orders"`
	CurrentOrders int       `json:"current_orders" db:"current_orders"`
	MaxItems      int       `json:"max_items" db:"max_items"`
	CurrentItems  int       `json:"current_items" db:"current_items"`
	IsAvailable   bool      `json:"is_available" db:"is_available"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// CapacityPercent is the higher of order-count and item-count utilization,
// used for near-full warnings.
func (s *TimeSlot) CapacityPercent() float64 {
	orderPct := float64(s.CurrentOrders) / float64(s.MaxOrders) * 100
	itemPct := float64(s.CurrentItems) / float64(s.MaxItems) * 100
	if orderPct > itemPct {
		return orderPct
	}
	return itemPct
}

// Window describes one recurring slot window for bulk generation.
type Window struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	MaxOrders int    `json:"max_orders"`
	MaxItems  int    `json:"max_items"`
}

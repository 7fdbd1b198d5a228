package fulfillment

import (
	"time"

	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) String() string {
	return string(s)
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemAdded      ItemStatus = "ADDED"
	ItemPartial    ItemStatus = "PARTIAL"
	ItemOutOfStock ItemStatus = "OUT_OF_STOCK"
)

func (s ItemStatus) String() string {
	return string(s)
}

// DeriveItemStatus maps a processed item's fulfilled quantity to its status.
// The status is never caller-supplied; it is always this function of the
// quantities.
func DeriveItemStatus(quantityFulfilled, quantityOrdered int) ItemStatus {
	switch {
	case quantityFulfilled == 0:
		return ItemOutOfStock
	case quantityFulfilled == quantityOrdered:
		return ItemAdded
	default:
		return ItemPartial
	}
}

type Item struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	FulfillmentID     uuid.UUID  `json:"fulfillment_id" db:"fulfillment_id"`
	Index             int        `json:"index" db:"item_index"`
	ProductID         uuid.UUID  `json:"product_id" db:"product_id"`
	ProductName       string     `json:"product_name" db:"product_name"`
	QuantityOrdered   int        `json:"quantity_ordered" db:"quantity_ordered"`
	QuantityFulfilled int        `json:"quantity_fulfilled" db:"quantity_fulfilled"`
	Status            ItemStatus `json:"status" db:"status"`
	ProcessedBy       string     `json:"processed_by,omitempty" db:"processed_by"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	Notes             string     `json:"notes,omitempty" db:"notes"`
}

type Fulfillment struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	OrderID             uuid.UUID  `json:"order_id" db:"order_id"`
	Status              Status     `json:"status" db:"status"`
	Items               []Item     `json:"items" db:"-"`
	TotalItemsOrdered   int        `json:"total_items_ordered" db:"total_items_ordered"`
	TotalItemsFulfilled int        `json:"total_items_fulfilled" db:"total_items_fulfilled"`
	StartedBy           string     `json:"started_by,omitempty" db:"started_by"`
	StartedAt           *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedBy         string     `json:"completed_by,omitempty" db:"completed_by"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Notes               string     `json:"notes,omitempty" db:"notes"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// CreateInput clones an order's line items into a fresh fulfillment.
type CreateInput struct {
	OrderID uuid.UUID
	Items   []CreateItem
}

type CreateItem struct {
	ProductID   uuid.UUID
	ProductName string
	Quantity    int
}

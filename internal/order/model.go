package order

import (
	"time"

	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusPaid           Status = "PAID"
	StatusProcessing     Status = "PROCESSING"
	StatusReadyForPickup Status = "READY_FOR_PICKUP"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunded       Status = "REFUNDED"
)

func (s Status) String() string {
	return string(s)
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) String() string {
	return string(s)
}

type FulfillmentType string

const (
	FulfillmentPickup   FulfillmentType = "PICKUP"
	FulfillmentDelivery FulfillmentType = "DELIVERY"
)

type OrderItem struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OrderID     uuid.UUID `json:"order_id" db:"order_id"`
	ProductID   uuid.UUID `json:"product_id" db:"product_id"`
	ProductName string    `json:"product_name" db:"product_name"`
	Quantity    int       `json:"quantity" db:"quantity"`
	UnitPrice   float64   `json:"unit_price" db:"unit_price"` // price snapshot at checkout
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Order struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	OrderNumber     string          `json:"order_number" db:"order_number"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	Status          Status          `json:"status" db:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status" db:"payment_status"`
	FulfillmentType FulfillmentType `json:"fulfillment_type" db:"fulfillment_type"`
	Items           []OrderItem     `json:"items" db:"-"`
	Subtotal        float64         `json:"subtotal" db:"subtotal"`
	Tax             float64         `json:"tax" db:"tax"`
	DeliveryFee     float64         `json:"delivery_fee" db:"delivery_fee"`
	Discount        float64         `json:"discount" db:"discount"`
	Total           float64         `json:"total" db:"total"`
	RefundedAmount  float64         `json:"refunded_amount" db:"refunded_amount"`
	RefundIDs       []uuid.UUID     `json:"refund_ids" db:"refund_ids"`
	PaymentRef      string          `json:"payment_ref,omitempty" db:"payment_ref"`
	SlotDate        *time.Time      `json:"slot_date,omitempty" db:"slot_date"`
	SlotStart       *string         `json:"slot_start,omitempty" db:"slot_start"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ActualDelivery  *time.Time      `json:"actual_delivery_time,omitempty" db:"actual_delivery_time"`
}

// ItemCount is the number of units across all line items, which is what
// counts against a slot's item capacity.
func (o *Order) ItemCount() int {
	n := 0
	for i := range o.Items {
		n += o.Items[i].Quantity
	}
	return n
}

// StatusHistory rows are the order's audit trail. They are appended in the
// same transaction as their status write and never mutated afterwards.
type StatusHistory struct {
	ID        int64     `json:"id" db:"id"`
	OrderID   uuid.UUID `json:"order_id" db:"order_id"`
	Status    Status    `json:"status" db:"status"`
	Note      string    `json:"note" db:"note"`
	Actor     string    `json:"actor" db:"actor"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

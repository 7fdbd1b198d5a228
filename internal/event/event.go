package event

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// Event is the envelope written to the outbox and relayed to the
// notification topic. Payload carries event-specific fields only.
type Event struct {
	EventID    uuid.UUID      `json:"event_id"`
	OrderID    uuid.UUID      `json:"order_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

const (
	TypeOrderStatusChanged   = "order.status_changed"
	TypeFulfillmentCompleted = "fulfillment.completed"
	TypeRefundCompleted      = "refund.completed"
	TypeStockConfirmed       = "fulfillment.stock_confirmed"
	TypeSlotNearFull         = "slot.near_full"
)

// Publisher is what the domain services see. Implementations must be
// non-blocking with respect to the caller's transaction: a failed publish is
// the implementation's problem to log, never the caller's to roll back.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func New(orderID uuid.UUID, eventType string, payload map[string]any) (Event, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Event{}, fmt.Errorf("event: failed to generate event ID: %w", err)
	}
	return Event{
		EventID:    id,
		OrderID:    orderID,
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

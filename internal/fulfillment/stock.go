package fulfillment

import (
	"context"
	"fmt"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/gofrs/uuid"
)

// OutboxStockNotifier hands confirmed quantities to the catalog service as
// an outbox event. The catalog consumes the topic and owns the actual stock
// decrement, so a catalog outage never blocks picking.
type OutboxStockNotifier struct {
	publisher event.Publisher
}

func NewOutboxStockNotifier(publisher event.Publisher) *OutboxStockNotifier {
	return &OutboxStockNotifier{publisher: publisher}
}

func (n *OutboxStockNotifier) FulfillmentConfirmed(ctx context.Context, orderID uuid.UUID, items []ConfirmedItem) error {
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, map[string]any{
			"product_id": item.ProductID.String(),
			"quantity":   item.Quantity,
		})
	}

	ev, err := event.New(orderID, event.TypeStockConfirmed, map[string]any{"items": payload})
	if err != nil {
		return fmt.Errorf("stock: failed to build stock confirmation event: %w", err)
	}
	if err := n.publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("stock: failed to publish stock confirmation event: %w", err)
	}
	return nil
}

package fulfillment_test

import (
	"context"
	"testing"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxStockNotifier(t *testing.T) {
	pub := &capturingPublisher{}
	notifier := fulfillment.NewOutboxStockNotifier(pub)

	orderID, err := uuid.NewV4()
	require.NoError(t, err)
	productID, err := uuid.NewV4()
	require.NoError(t, err)

	err = notifier.FulfillmentConfirmed(context.Background(), orderID, []fulfillment.ConfirmedItem{
		{ProductID: productID, Quantity: 3},
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, event.TypeStockConfirmed, ev.Type)
	assert.Equal(t, orderID, ev.OrderID)

	items, ok := ev.Payload["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, productID.String(), items[0]["product_id"])
	assert.Equal(t, 3, items[0]["quantity"])
}

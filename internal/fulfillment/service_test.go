package fulfillment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepository mirrors the transactional behavior of the postgres
// repository in memory: item writes recompute the totals and evaluate
// auto-completion atomically.
type fakeRepository struct {
	byID map[uuid.UUID]*fulfillment.Fulfillment
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byID: make(map[uuid.UUID]*fulfillment.Fulfillment)}
}

func (r *fakeRepository) Create(_ context.Context, f *fulfillment.Fulfillment) error {
	cp := *f
	r.byID[f.ID] = &cp
	return nil
}

func (r *fakeRepository) GetByID(_ context.Context, id uuid.UUID) (*fulfillment.Fulfillment, error) {
	f, ok := r.byID[id]
	if !ok {
		return nil, fulfillment.ErrFulfillmentNotFound
	}
	cp := *f
	cp.Items = append([]fulfillment.Item(nil), f.Items...)
	return &cp, nil
}

func (r *fakeRepository) GetByOrderID(_ context.Context, orderID uuid.UUID) (*fulfillment.Fulfillment, error) {
	for _, f := range r.byID {
		if f.OrderID == orderID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, fulfillment.ErrFulfillmentNotFound
}

func (r *fakeRepository) Start(_ context.Context, id uuid.UUID, actor string, at time.Time) error {
	f, ok := r.byID[id]
	if !ok {
		return fulfillment.ErrFulfillmentNotFound
	}
	if f.Status != fulfillment.StatusPending {
		return fulfillment.ErrNotStartable
	}
	f.Status = fulfillment.StatusInProgress
	f.StartedBy = actor
	f.StartedAt = &at
	return nil
}

func (r *fakeRepository) UpdateItem(ctx context.Context, upd fulfillment.ItemUpdate) (*fulfillment.Fulfillment, error) {
	f, ok := r.byID[upd.FulfillmentID]
	if !ok {
		return nil, fulfillment.ErrFulfillmentNotFound
	}
	if f.Status == fulfillment.StatusCompleted || f.Status == fulfillment.StatusCancelled {
		return nil, fulfillment.ErrFulfillmentClosed
	}
	if upd.Index < 0 || upd.Index >= len(f.Items) {
		return nil, fulfillment.ErrItemNotFound
	}

	item := &f.Items[upd.Index]
	item.QuantityFulfilled = upd.QuantityFulfilled
	item.Status = upd.Status
	item.ProcessedBy = upd.ProcessedBy
	item.Notes = upd.Notes
	item.ProcessedAt = &upd.At

	total, pending := 0, 0
	for _, it := range f.Items {
		total += it.QuantityFulfilled
		if it.Status == fulfillment.ItemPending {
			pending++
		}
	}
	f.TotalItemsFulfilled = total
	if pending == 0 {
		f.Status = fulfillment.StatusCompleted
		f.CompletedBy = upd.ProcessedBy
		f.CompletedAt = &upd.At
	}
	return r.GetByID(ctx, upd.FulfillmentID)
}

func (r *fakeRepository) Complete(ctx context.Context, id uuid.UUID, actor, notes string, at time.Time) (*fulfillment.Fulfillment, bool, error) {
	f, ok := r.byID[id]
	if !ok {
		return nil, false, fulfillment.ErrFulfillmentNotFound
	}
	if f.Status == fulfillment.StatusCompleted {
		cur, err := r.GetByID(ctx, id)
		return cur, false, err
	}
	if f.Status == fulfillment.StatusCancelled {
		return nil, false, fulfillment.ErrFulfillmentClosed
	}
	for _, it := range f.Items {
		if it.Status == fulfillment.ItemPending {
			return nil, false, fulfillment.ErrIncompleteItems
		}
	}
	f.Status = fulfillment.StatusCompleted
	f.CompletedBy = actor
	f.CompletedAt = &at
	if notes != "" {
		f.Notes = notes
	}
	cur, err := r.GetByID(ctx, id)
	return cur, true, err
}

func (r *fakeRepository) Cancel(_ context.Context, id uuid.UUID, actor string, at time.Time) error {
	f, ok := r.byID[id]
	if !ok {
		return fulfillment.ErrFulfillmentNotFound
	}
	if f.Status == fulfillment.StatusCompleted || f.Status == fulfillment.StatusCancelled {
		return fulfillment.ErrFulfillmentClosed
	}
	f.Status = fulfillment.StatusCancelled
	return nil
}

func (r *fakeRepository) AddNotes(_ context.Context, id uuid.UUID, notes string) error {
	f, ok := r.byID[id]
	if !ok {
		return fulfillment.ErrFulfillmentNotFound
	}
	f.Notes = notes
	return nil
}

type capturingPublisher struct {
	events []event.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev event.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type capturingStock struct {
	orderID uuid.UUID
	items   []fulfillment.ConfirmedItem
	calls   int
}

func (s *capturingStock) FulfillmentConfirmed(_ context.Context, orderID uuid.UUID, items []fulfillment.ConfirmedItem) error {
	s.calls++
	s.orderID = orderID
	s.items = items
	return nil
}

func seedFulfillment(t *testing.T, svc fulfillment.Service, quantities ...int) *fulfillment.Fulfillment {
	t.Helper()
	orderID, err := uuid.NewV4()
	require.NoError(t, err)

	in := fulfillment.CreateInput{OrderID: orderID}
	for i, q := range quantities {
		productID, err := uuid.NewV4()
		require.NoError(t, err)
		in.Items = append(in.Items, fulfillment.CreateItem{
			ProductID:   productID,
			ProductName: []string{"Eggs", "Butter", "Flour", "Yeast"}[i%4],
			Quantity:    q,
		})
	}

	f, err := svc.CreateForOrder(context.Background(), in)
	require.NoError(t, err)
	return f
}

func TestDeriveItemStatus(t *testing.T) {
	assert.Equal(t, fulfillment.ItemOutOfStock, fulfillment.DeriveItemStatus(0, 5))
	assert.Equal(t, fulfillment.ItemAdded, fulfillment.DeriveItemStatus(5, 5))
	assert.Equal(t, fulfillment.ItemPartial, fulfillment.DeriveItemStatus(3, 5))
	assert.Equal(t, fulfillment.ItemPartial, fulfillment.DeriveItemStatus(1, 5))
}

func TestFulfillmentService_CreateForOrder(t *testing.T) {
	svc := fulfillment.NewService(newFakeRepository(), nil, nil)

	f := seedFulfillment(t, svc, 2, 1, 3)
	assert.Equal(t, fulfillment.StatusPending, f.Status)
	assert.Equal(t, 6, f.TotalItemsOrdered)
	assert.Equal(t, 0, f.TotalItemsFulfilled)
	require.Len(t, f.Items, 3)
	for i, item := range f.Items {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, fulfillment.ItemPending, item.Status)
	}

	_, err := svc.CreateForOrder(context.Background(), fulfillment.CreateInput{})
	assert.Error(t, err)
}

func TestFulfillmentService_Start(t *testing.T) {
	svc := fulfillment.NewService(newFakeRepository(), nil, nil)
	f := seedFulfillment(t, svc, 2)

	started, err := svc.Start(context.Background(), f.ID, "picker-7")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusInProgress, started.Status)
	assert.Equal(t, "picker-7", started.StartedBy)

	_, err = svc.Start(context.Background(), f.ID, "picker-8")
	assert.True(t, errors.Is(err, fulfillment.ErrNotStartable))
}

func TestFulfillmentService_UpdateItem_QuantityValidation(t *testing.T) {
	svc := fulfillment.NewService(newFakeRepository(), nil, nil)
	f := seedFulfillment(t, svc, 3)
	_, err := svc.Start(context.Background(), f.ID, "picker-7")
	require.NoError(t, err)

	_, err = svc.UpdateItem(context.Background(), f.ID, 0, 4, "", "picker-7")
	assert.True(t, errors.Is(err, fulfillment.ErrInvalidQuantity))

	_, err = svc.UpdateItem(context.Background(), f.ID, 0, -1, "", "picker-7")
	assert.True(t, errors.Is(err, fulfillment.ErrInvalidQuantity))

	_, err = svc.UpdateItem(context.Background(), f.ID, 5, 1, "", "picker-7")
	assert.True(t, errors.Is(err, fulfillment.ErrItemNotFound))
}

func TestFulfillmentService_UpdateItem_AutoCompletes(t *testing.T) {
	pub := &capturingPublisher{}
	stock := &capturingStock{}
	svc := fulfillment.NewService(newFakeRepository(), pub, stock)
	f := seedFulfillment(t, svc, 2, 1, 3)
	_, err := svc.Start(context.Background(), f.ID, "picker-7")
	require.NoError(t, err)

	// Full pick, out of stock, full pick.
	updated, err := svc.UpdateItem(context.Background(), f.ID, 0, 2, "", "picker-7")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusInProgress, updated.Status)
	assert.Equal(t, fulfillment.ItemAdded, updated.Items[0].Status)

	updated, err = svc.UpdateItem(context.Background(), f.ID, 1, 0, "shelf empty", "picker-7")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusInProgress, updated.Status)
	assert.Equal(t, fulfillment.ItemOutOfStock, updated.Items[1].Status)
	assert.Empty(t, pub.events, "completion must not fire while items are pending")

	updated, err = svc.UpdateItem(context.Background(), f.ID, 2, 3, "", "picker-7")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusCompleted, updated.Status)
	assert.Equal(t, 5, updated.TotalItemsFulfilled)

	require.Len(t, pub.events, 1)
	assert.Equal(t, event.TypeFulfillmentCompleted, pub.events[0].Type)
	assert.Equal(t, 5, pub.events[0].Payload["total_items_fulfilled"])

	require.Equal(t, 1, stock.calls)
	assert.Equal(t, f.OrderID, stock.orderID)
	// The out-of-stock line never left the shelf, so it is not confirmed.
	require.Len(t, stock.items, 2)
	assert.Equal(t, 2, stock.items[0].Quantity)
	assert.Equal(t, 3, stock.items[1].Quantity)

	_, err = svc.UpdateItem(context.Background(), f.ID, 0, 1, "", "picker-7")
	assert.True(t, errors.Is(err, fulfillment.ErrFulfillmentClosed))
}

func TestFulfillmentService_Complete(t *testing.T) {
	pub := &capturingPublisher{}
	svc := fulfillment.NewService(newFakeRepository(), pub, nil)
	f := seedFulfillment(t, svc, 2, 1)
	_, err := svc.Start(context.Background(), f.ID, "picker-7")
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), f.ID, "picker-7", "")
	assert.True(t, errors.Is(err, fulfillment.ErrIncompleteItems))

	_, err = svc.UpdateItem(context.Background(), f.ID, 0, 2, "", "picker-7")
	require.NoError(t, err)
	_, err = svc.UpdateItem(context.Background(), f.ID, 1, 0, "", "picker-7")
	require.NoError(t, err)

	// Every item processed: the last update already auto-completed.
	done, err := svc.Complete(context.Background(), f.ID, "picker-7", "double checked")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusCompleted, done.Status)
	assert.Len(t, pub.events, 1, "a repeated completion must not emit again")
}

func TestFulfillmentService_Complete_ManualFlipEmitsOnce(t *testing.T) {
	repo := newFakeRepository()
	pub := &capturingPublisher{}
	stock := &capturingStock{}
	svc := fulfillment.NewService(repo, pub, stock)
	f := seedFulfillment(t, svc, 2)
	_, err := svc.Start(context.Background(), f.ID, "picker-7")
	require.NoError(t, err)

	// Mark the item processed directly so the manual path does the flip.
	stored := repo.byID[f.ID]
	stored.Items[0].QuantityFulfilled = 2
	stored.Items[0].Status = fulfillment.ItemAdded
	stored.TotalItemsFulfilled = 2

	done, err := svc.Complete(context.Background(), f.ID, "picker-7", "")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusCompleted, done.Status)
	require.Len(t, pub.events, 1)
	assert.Equal(t, 1, stock.calls)

	// The repeat call sees the repository report no flip, so nothing fires.
	_, err = svc.Complete(context.Background(), f.ID, "picker-7", "")
	require.NoError(t, err)
	assert.Len(t, pub.events, 1)
	assert.Equal(t, 1, stock.calls)
}

func TestFulfillmentService_Cancel(t *testing.T) {
	svc := fulfillment.NewService(newFakeRepository(), nil, nil)
	f := seedFulfillment(t, svc, 2)

	require.NoError(t, svc.Cancel(context.Background(), f.ID, "manager"))

	err := svc.Cancel(context.Background(), f.ID, "manager")
	assert.True(t, errors.Is(err, fulfillment.ErrFulfillmentClosed))

	_, err = svc.UpdateItem(context.Background(), f.ID, 0, 1, "", "picker-7")
	assert.True(t, errors.Is(err, fulfillment.ErrFulfillmentClosed))
}

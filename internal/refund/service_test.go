package refund_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/refund"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrder is the slice of order state the refund cascade touches.
type fakeOrder struct {
	status         order.Status
	total          float64
	refundedAmount float64
	paymentStatus  order.PaymentStatus
}

// fakeRepository reproduces the repository's transactional semantics in
// memory: the cumulative cap at create, and the complete-plus-cascade as
// one step.
type fakeRepository struct {
	orders  map[uuid.UUID]*fakeOrder
	refunds map[uuid.UUID]*refund.Refund
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		orders:  make(map[uuid.UUID]*fakeOrder),
		refunds: make(map[uuid.UUID]*refund.Refund),
	}
}

func (r *fakeRepository) Create(_ context.Context, ref *refund.Refund) error {
	o, ok := r.orders[ref.OrderID]
	if !ok {
		return order.ErrOrderNotFound
	}

	completedSum := 0.0
	for _, existing := range r.refunds {
		if existing.OrderID == ref.OrderID && existing.Status == refund.StatusCompleted {
			completedSum += existing.Amount
		}
	}
	if ref.Amount+completedSum > o.total {
		return refund.ErrExceedsOrderTotal
	}
	if !refundableStatus(o.status) {
		return refund.ErrOrderNotRefundable
	}

	ref.Status = refund.StatusPending
	cp := *ref
	r.refunds[ref.ID] = &cp
	return nil
}

func (r *fakeRepository) GetByID(_ context.Context, id uuid.UUID) (*refund.Refund, error) {
	ref, ok := r.refunds[id]
	if !ok {
		return nil, refund.ErrRefundNotFound
	}
	cp := *ref
	return &cp, nil
}

func (r *fakeRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]refund.Refund, error) {
	out := make([]refund.Refund, 0)
	for _, ref := range r.refunds {
		if ref.OrderID == orderID {
			out = append(out, *ref)
		}
	}
	return out, nil
}

func (r *fakeRepository) UpdateStatus(_ context.Context, chg refund.StatusChange) error {
	ref, ok := r.refunds[chg.RefundID]
	if !ok {
		return refund.ErrRefundNotFound
	}
	if ref.Status != chg.From {
		return refund.ErrRefundStateConflict
	}
	ref.Status = chg.To
	if chg.ProcessedBy != "" {
		ref.ProcessedBy = chg.ProcessedBy
	}
	if chg.AdminNotes != "" {
		ref.AdminNotes = chg.AdminNotes
	}
	if chg.GatewayRefundID != "" {
		ref.GatewayRefundID = chg.GatewayRefundID
	}
	return nil
}

func (r *fakeRepository) Complete(_ context.Context, id uuid.UUID) (*refund.Refund, bool, error) {
	ref, ok := r.refunds[id]
	if !ok {
		return nil, false, refund.ErrRefundNotFound
	}
	if ref.Status == refund.StatusCompleted {
		cp := *ref
		return &cp, false, refund.ErrAlreadyCompleted
	}
	if ref.Status != refund.StatusProcessing {
		return nil, false, refund.ErrRefundStateConflict
	}

	o := r.orders[ref.OrderID]
	newRefunded := o.refundedAmount + ref.Amount
	if newRefunded > o.total {
		return nil, false, refund.ErrExceedsOrderTotal
	}
	fullyRefunded := newRefunded >= o.total
	cascade := fullyRefunded && refundableStatus(o.status)

	now := time.Now().UTC()
	ref.Status = refund.StatusCompleted
	ref.CompletedAt = &now

	o.refundedAmount = newRefunded
	if fullyRefunded {
		o.paymentStatus = order.PaymentRefunded
	} else {
		o.paymentStatus = order.PaymentPartiallyRefunded
	}
	if cascade {
		o.status = order.StatusRefunded
	}

	cp := *ref
	return &cp, cascade, nil
}

func refundableStatus(s order.Status) bool {
	switch s {
	case order.StatusPaid, order.StatusProcessing, order.StatusDelivered, order.StatusCompleted:
		return true
	}
	return false
}

type fakeGateway struct {
	calls map[string]int
	fail  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int)}
}

func (g *fakeGateway) Refund(_ context.Context, idempotencyKey string, _ uuid.UUID, _ float64) (string, error) {
	if g.fail != nil {
		return "", g.fail
	}
	g.calls[idempotencyKey]++
	return "gw_" + idempotencyKey[:8], nil
}

type capturingPublisher struct {
	events []event.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev event.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func admin() refund.Actor {
	id, _ := uuid.NewV4()
	return refund.Actor{ID: id, Role: refund.RoleAdmin}
}

func staff() refund.Actor {
	id, _ := uuid.NewV4()
	return refund.Actor{ID: id, Role: refund.RoleStaff}
}

func seedOrder(repo *fakeRepository, status order.Status, total float64) uuid.UUID {
	id, _ := uuid.NewV4()
	repo.orders[id] = &fakeOrder{status: status, total: total, paymentStatus: order.PaymentPaid}
	return id
}

// driveToProcessing walks a fresh refund through approval and the gateway.
func driveToProcessing(t *testing.T, svc refund.Service, orderID uuid.UUID, amount float64) *refund.Refund {
	t.Helper()
	ref, err := svc.Create(context.Background(), orderID, amount, "damaged goods", staff())
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ref.ID, admin(), "verified photos")
	require.NoError(t, err)
	ref, err = svc.ProcessGatewayRefund(context.Background(), ref.ID, admin(), "")
	require.NoError(t, err)
	return ref
}

func TestRefundService_Create(t *testing.T) {
	repo := newFakeRepository()
	svc := refund.NewService(repo, nil, nil, nil)
	orderID := seedOrder(repo, order.StatusDelivered, 100)

	t.Run("successful_create", func(t *testing.T) {
		ref, err := svc.Create(context.Background(), orderID, 60, "missing item", staff())
		require.NoError(t, err)
		assert.Equal(t, refund.StatusPending, ref.Status)
		assert.Contains(t, ref.RefundNumber, "REF-")
	})

	t.Run("zero_amount", func(t *testing.T) {
		_, err := svc.Create(context.Background(), orderID, 0, "nothing", staff())
		assert.True(t, errors.Is(err, refund.ErrInvalidAmount))
	})

	t.Run("negative_amount", func(t *testing.T) {
		_, err := svc.Create(context.Background(), orderID, -5, "nothing", staff())
		assert.True(t, errors.Is(err, refund.ErrInvalidAmount))
	})

	t.Run("amount_exceeds_total", func(t *testing.T) {
		_, err := svc.Create(context.Background(), orderID, 101, "everything and more", staff())
		assert.True(t, errors.Is(err, refund.ErrExceedsOrderTotal))
	})

	t.Run("order_not_found", func(t *testing.T) {
		missing, _ := uuid.NewV4()
		_, err := svc.Create(context.Background(), missing, 10, "ghost order", staff())
		assert.True(t, errors.Is(err, order.ErrOrderNotFound))
	})

	t.Run("pending_order_not_refundable", func(t *testing.T) {
		pendingOrder := seedOrder(repo, order.StatusPending, 100)
		_, err := svc.Create(context.Background(), pendingOrder, 10, "too early", staff())
		assert.True(t, errors.Is(err, refund.ErrOrderNotRefundable))
	})

	t.Run("cancelled_order_not_refundable", func(t *testing.T) {
		cancelledOrder := seedOrder(repo, order.StatusCancelled, 100)
		_, err := svc.Create(context.Background(), cancelledOrder, 10, "already cancelled", staff())
		assert.True(t, errors.Is(err, refund.ErrOrderNotRefundable))
	})
}

func TestRefundService_Review(t *testing.T) {
	repo := newFakeRepository()
	svc := refund.NewService(repo, nil, nil, nil)
	orderID := seedOrder(repo, order.StatusDelivered, 100)

	ref, err := svc.Create(context.Background(), orderID, 50, "wrong item", staff())
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), ref.ID, staff(), "I insist")
	assert.True(t, errors.Is(err, refund.ErrPermissionDenied))

	approved, err := svc.Approve(context.Background(), ref.ID, admin(), "looks legit")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusApproved, approved.Status)
	assert.Equal(t, "looks legit", approved.AdminNotes)

	// An approved refund cannot be reviewed again.
	_, err = svc.Reject(context.Background(), ref.ID, admin(), "changed my mind")
	assert.True(t, errors.Is(err, refund.ErrRefundStateConflict))
}

func TestRefundService_ProcessGatewayRefund(t *testing.T) {
	repo := newFakeRepository()
	gw := newFakeGateway()
	svc := refund.NewService(repo, gw, nil, nil)
	orderID := seedOrder(repo, order.StatusDelivered, 100)

	ref, err := svc.Create(context.Background(), orderID, 50, "wrong item", staff())
	require.NoError(t, err)

	// Not yet approved.
	_, err = svc.ProcessGatewayRefund(context.Background(), ref.ID, admin(), "")
	assert.True(t, errors.Is(err, refund.ErrRefundStateConflict))

	_, err = svc.Approve(context.Background(), ref.ID, admin(), "")
	require.NoError(t, err)

	processed, err := svc.ProcessGatewayRefund(context.Background(), ref.ID, admin(), "")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusProcessing, processed.Status)
	assert.NotEmpty(t, processed.GatewayRefundID)
	assert.Equal(t, 1, gw.calls[ref.ID.String()], "gateway call is keyed by refund ID")
}

func TestRefundService_ProcessGatewayRefund_NoGateway(t *testing.T) {
	repo := newFakeRepository()
	svc := refund.NewService(repo, nil, nil, nil)
	orderID := seedOrder(repo, order.StatusDelivered, 100)

	ref, err := svc.Create(context.Background(), orderID, 50, "wrong item", staff())
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), ref.ID, admin(), "")
	require.NoError(t, err)

	// Without a gateway the money moves out of band; the caller must supply
	// the reference of that transfer.
	_, err = svc.ProcessGatewayRefund(context.Background(), ref.ID, admin(), "")
	assert.True(t, errors.Is(err, refund.ErrMissingGatewayRef))

	processed, err := svc.ProcessGatewayRefund(context.Background(), ref.ID, admin(), "ch_manual_123")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusProcessing, processed.Status)
	assert.Equal(t, "ch_manual_123", processed.GatewayRefundID)
}

func TestRefundService_Complete_PartialThenFull(t *testing.T) {
	repo := newFakeRepository()
	pub := &capturingPublisher{}
	svc := refund.NewService(repo, newFakeGateway(), pub, nil)
	orderID := seedOrder(repo, order.StatusDelivered, 100)

	first := driveToProcessing(t, svc, orderID, 60)
	done, err := svc.Complete(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, done.Status)
	assert.Equal(t, order.StatusDelivered, repo.orders[orderID].status, "partial refund leaves the order status alone")
	assert.Equal(t, order.PaymentPartiallyRefunded, repo.orders[orderID].paymentStatus)
	require.Len(t, pub.events, 1)
	assert.Equal(t, event.TypeRefundCompleted, pub.events[0].Type)
	assert.Equal(t, false, pub.events[0].Payload["order_refunded"])

	second := driveToProcessing(t, svc, orderID, 40)
	done, err = svc.Complete(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, done.Status)
	assert.Equal(t, order.StatusRefunded, repo.orders[orderID].status, "the full refund cascades into the order")
	assert.Equal(t, order.PaymentRefunded, repo.orders[orderID].paymentStatus)
	require.Len(t, pub.events, 2)
	assert.Equal(t, true, pub.events[1].Payload["order_refunded"])

	// The order is now spent: even a one-dollar request reports the cap,
	// not the order state.
	_, err = svc.Create(context.Background(), orderID, 1, "one more dollar", staff())
	assert.True(t, errors.Is(err, refund.ErrExceedsOrderTotal))
}

func TestRefundService_Complete_OrderMovedOn(t *testing.T) {
	repo := newFakeRepository()
	pub := &capturingPublisher{}
	svc := refund.NewService(repo, newFakeGateway(), pub, nil)
	orderID := seedOrder(repo, order.StatusProcessing, 100)

	ref := driveToProcessing(t, svc, orderID, 100)

	// Staff cancelled the order while the gateway was settling. The money
	// still comes back, but the status machine has no CANCELLED -> REFUNDED
	// edge, so the order keeps its state.
	repo.orders[orderID].status = order.StatusCancelled

	done, err := svc.Complete(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, done.Status)
	assert.Equal(t, order.StatusCancelled, repo.orders[orderID].status)
	assert.Equal(t, order.PaymentRefunded, repo.orders[orderID].paymentStatus)
	assert.InDelta(t, 100, repo.orders[orderID].refundedAmount, 0.001)
	require.Len(t, pub.events, 1)
	assert.Equal(t, false, pub.events[0].Payload["order_refunded"])
}

func TestRefundService_Complete_Idempotent(t *testing.T) {
	repo := newFakeRepository()
	pub := &capturingPublisher{}
	svc := refund.NewService(repo, newFakeGateway(), pub, nil)
	orderID := seedOrder(repo, order.StatusCompleted, 80)

	ref := driveToProcessing(t, svc, orderID, 30)
	_, err := svc.Complete(context.Background(), ref.ID)
	require.NoError(t, err)

	// A repeated settlement callback must not apply the amount again.
	again, err := svc.Complete(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, again.Status)
	assert.InDelta(t, 30, repo.orders[orderID].refundedAmount, 0.001)
	assert.Len(t, pub.events, 1, "no second completion event")
}

func TestRefundService_Fail(t *testing.T) {
	repo := newFakeRepository()
	svc := refund.NewService(repo, newFakeGateway(), nil, nil)
	orderID := seedOrder(repo, order.StatusPaid, 100)

	ref := driveToProcessing(t, svc, orderID, 25)
	failed, err := svc.Fail(context.Background(), ref.ID, "gateway timeout")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusFailed, failed.Status)
	assert.Equal(t, "gateway timeout", failed.AdminNotes)

	// FAILED is terminal.
	_, err = svc.Complete(context.Background(), ref.ID)
	assert.True(t, errors.Is(err, refund.ErrRefundStateConflict))
}

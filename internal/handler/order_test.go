package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
)

type mockOrderService struct {
	CheckoutFunc           func(ctx context.Context, in order.CheckoutInput) (*order.Order, error)
	GetByIDFunc            func(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetByNumberFunc        func(ctx context.Context, orderNumber string) (*order.Order, error)
	ListByUserFunc         func(ctx context.Context, userID uuid.UUID) ([]order.Order, error)
	TransitionFunc         func(ctx context.Context, orderID uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error)
	MarkPaidFunc           func(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error)
	GetStatusHistoryFunc   func(ctx context.Context, orderID uuid.UUID) ([]order.StatusHistory, error)
	ExpireStalePendingFunc func(ctx context.Context, ttl time.Duration) (int, error)
}

func (m *mockOrderService) Checkout(ctx context.Context, in order.CheckoutInput) (*order.Order, error) {
	return m.CheckoutFunc(ctx, in)
}

func (m *mockOrderService) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return m.GetByIDFunc(ctx, id)
}

func (m *mockOrderService) GetByNumber(ctx context.Context, orderNumber string) (*order.Order, error) {
	return m.GetByNumberFunc(ctx, orderNumber)
}

func (m *mockOrderService) ListByUser(ctx context.Context, userID uuid.UUID) ([]order.Order, error) {
	return m.ListByUserFunc(ctx, userID)
}

func (m *mockOrderService) Transition(ctx context.Context, orderID uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
	return m.TransitionFunc(ctx, orderID, newStatus, note, actor)
}

func (m *mockOrderService) MarkPaid(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error) {
	return m.MarkPaidFunc(ctx, orderNumber, paymentRef)
}

func (m *mockOrderService) GetStatusHistory(ctx context.Context, orderID uuid.UUID) ([]order.StatusHistory, error) {
	return m.GetStatusHistoryFunc(ctx, orderID)
}

func (m *mockOrderService) ExpireStalePending(ctx context.Context, ttl time.Duration) (int, error) {
	return m.ExpireStalePendingFunc(ctx, ttl)
}

func TestOrderHandler_Checkout(t *testing.T) {
	okOrder := &order.Order{
		OrderNumber: "ORD-20260901-AB12CD34",
		Status:      order.StatusPending,
		Total:       42,
	}

	tests := []struct {
		name           string
		body           string
		checkout       func(ctx context.Context, in order.CheckoutInput) (*order.Order, error)
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"user_id":"123e4567-e89b-12d3-a456-426614174000","fulfillment_type":"PICKUP","items":[{"product_id":"550e8400-e29b-41d4-a716-446655440000","product_name":"Oat Milk","quantity":2,"unit_price":3.5}],"slot_date":"2026-09-02T00:00:00Z","slot_start":"10:00"}`,
			checkout: func(ctx context.Context, in order.CheckoutInput) (*order.Order, error) {
				assert.Equal(t, order.FulfillmentPickup, in.FulfillmentType)
				assert.Len(t, in.Items, 1)
				return okOrder, nil
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "invalid_json",
			body:           `{invalid json}`,
			checkout:       func(ctx context.Context, in order.CheckoutInput) (*order.Order, error) { return okOrder, nil },
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "empty_order",
			body: `{"user_id":"123e4567-e89b-12d3-a456-426614174000","fulfillment_type":"PICKUP","items":[],"slot_start":"10:00"}`,
			checkout: func(ctx context.Context, in order.CheckoutInput) (*order.Order, error) {
				return nil, order.ErrEmptyOrder
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "slot_full",
			body: `{"user_id":"123e4567-e89b-12d3-a456-426614174000","fulfillment_type":"PICKUP","items":[{"product_id":"550e8400-e29b-41d4-a716-446655440000","quantity":1,"unit_price":1}],"slot_start":"10:00"}`,
			checkout: func(ctx context.Context, in order.CheckoutInput) (*order.Order, error) {
				return nil, timeslot.ErrSlotFull
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "slot_unavailable",
			body: `{"user_id":"123e4567-e89b-12d3-a456-426614174000","fulfillment_type":"PICKUP","items":[{"product_id":"550e8400-e29b-41d4-a716-446655440000","quantity":1,"unit_price":1}],"slot_start":"10:00"}`,
			checkout: func(ctx context.Context, in order.CheckoutInput) (*order.Order, error) {
				return nil, timeslot.ErrSlotUnavailable
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := &mockOrderService{CheckoutFunc: tt.checkout}

			handler := NewOrderHandler(mockSvc)
			r := chi.NewRouter()
			r.Post("/orders", handler.Checkout)

			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestOrderHandler_GetByID(t *testing.T) {
	orderID, _ := uuid.NewV4()

	tests := []struct {
		name           string
		url            string
		getByID        func(ctx context.Context, id uuid.UUID) (*order.Order, error)
		expectedStatus int
	}{
		{
			name: "success",
			url:  "/orders/" + orderID.String(),
			getByID: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				assert.Equal(t, orderID, id)
				return &order.Order{ID: id, Status: order.StatusPaid}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "not_found",
			url:  "/orders/" + orderID.String(),
			getByID: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return nil, order.ErrOrderNotFound
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid_id",
			url:            "/orders/not-a-uuid",
			getByID:        func(ctx context.Context, id uuid.UUID) (*order.Order, error) { return nil, nil },
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := &mockOrderService{GetByIDFunc: tt.getByID}

			handler := NewOrderHandler(mockSvc)
			r := chi.NewRouter()
			r.Get("/orders/{id}", handler.GetByID)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestOrderHandler_UpdateStatus(t *testing.T) {
	orderID, _ := uuid.NewV4()

	tests := []struct {
		name           string
		body           string
		transition     func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error)
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"status":"PROCESSING","note":"picking started","actor":"staff-3"}`,
			transition: func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
				assert.Equal(t, order.StatusProcessing, newStatus)
				assert.Equal(t, "picking started", note)
				assert.Equal(t, "staff-3", actor)
				return &order.Order{ID: id, Status: newStatus}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "invalid_transition",
			body: `{"status":"DELIVERED"}`,
			transition: func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
				return nil, fmt.Errorf("%w: PENDING -> DELIVERED", order.ErrInvalidTransition)
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "concurrent_conflict",
			body: `{"status":"PAID"}`,
			transition: func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
				return nil, order.ErrStatusConflict
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "missing_status",
			body: `{"note":"no status here"}`,
			transition: func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
				return nil, nil
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "not_found",
			body: `{"status":"PAID"}`,
			transition: func(ctx context.Context, id uuid.UUID, newStatus order.Status, note, actor string) (*order.Order, error) {
				return nil, order.ErrOrderNotFound
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := &mockOrderService{TransitionFunc: tt.transition}

			handler := NewOrderHandler(mockSvc)
			r := chi.NewRouter()
			r.Post("/orders/{id}/status", handler.UpdateStatus)

			req := httptest.NewRequest(http.MethodPost, "/orders/"+orderID.String()+"/status", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestOrderHandler_ConfirmPayment(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		markPaid       func(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error)
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"order_number":"ORD-20260901-AB12CD34","payment_ref":"pi_12345"}`,
			markPaid: func(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error) {
				assert.Equal(t, "ORD-20260901-AB12CD34", orderNumber)
				assert.Equal(t, "pi_12345", paymentRef)
				return &order.Order{OrderNumber: orderNumber, Status: order.StatusPaid}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "missing_order_number",
			body: `{"payment_ref":"pi_12345"}`,
			markPaid: func(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error) {
				return nil, nil
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "already_paid",
			body: `{"order_number":"ORD-20260901-AB12CD34"}`,
			markPaid: func(ctx context.Context, orderNumber, paymentRef string) (*order.Order, error) {
				return nil, fmt.Errorf("%w: PAID -> PAID", order.ErrInvalidTransition)
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSvc := &mockOrderService{MarkPaidFunc: tt.markPaid}

			handler := NewOrderHandler(mockSvc)
			r := chi.NewRouter()
			r.Post("/payments/confirm", handler.ConfirmPayment)

			req := httptest.NewRequest(http.MethodPost, "/payments/confirm", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

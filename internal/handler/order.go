package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/rs/zerolog/log"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	svc order.Service
}

func NewOrderHandler(svc order.Service) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// Checkout creates a PENDING order and reserves its time slot.
func (h *OrderHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var in order.CheckoutInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := h.svc.Checkout(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, timeslot.ErrSlotFull):
			http.Error(w, "this slot is full", http.StatusConflict)
		case errors.Is(err, timeslot.ErrSlotUnavailable):
			http.Error(w, "this slot is not accepting orders", http.StatusConflict)
		case errors.Is(err, order.ErrEmptyOrder), errors.Is(err, order.ErrTotalMismatch), errors.Is(err, timeslot.ErrInvalidItemCount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			log.Info().Msgf("Failed to create order: %v", err)
			http.Error(w, "failed to create order", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusCreated, o)
}

func (h *OrderHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	o, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get order by id: %v", err)
		http.Error(w, "failed to get order", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := urlUUID(w, r, "userID")
	if !ok {
		return
	}

	orders, err := h.svc.ListByUser(r.Context(), userID)
	if err != nil {
		log.Info().Msgf("Failed to list user orders: %v", err)
		http.Error(w, "failed to list orders", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, orders)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
	Actor  string `json:"actor"`
}

// UpdateStatus drives the order state machine along one edge.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	o, err := h.svc.Transition(r.Context(), id, order.Status(req.Status), req.Note, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStatusConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to update order status: %v", err)
			http.Error(w, "failed to update order status", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) GetStatusHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	entries, err := h.svc.GetStatusHistory(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get status history: %v", err)
		http.Error(w, "failed to get status history", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

type confirmPaymentRequest struct {
	OrderNumber string `json:"order_number"`
	PaymentRef  string `json:"payment_ref"`
}

// ConfirmPayment is the gateway webhook: it drives PENDING -> PAID.
func (h *OrderHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderNumber == "" {
		http.Error(w, "order_number is required", http.StatusBadRequest)
		return
	}

	o, err := h.svc.MarkPaid(r.Context(), req.OrderNumber, req.PaymentRef)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStatusConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to confirm payment: %v", err)
			http.Error(w, "failed to confirm payment", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, o)
}

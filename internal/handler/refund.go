package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/refund"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// RefundHandler handles HTTP requests for the refund ledger.
type RefundHandler struct {
	svc refund.Service
}

func NewRefundHandler(svc refund.Service) *RefundHandler {
	return &RefundHandler{svc: svc}
}

type createRefundRequest struct {
	OrderID uuid.UUID    `json:"order_id"`
	Amount  float64      `json:"amount"`
	Reason  string       `json:"reason"`
	Actor   refund.Actor `json:"actor"`
}

func (h *RefundHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == uuid.Nil {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}

	ref, err := h.svc.Create(r.Context(), req.OrderID, req.Amount, req.Reason, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, refund.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, refund.ErrOrderNotRefundable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, refund.ErrExceedsOrderTotal):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			log.Info().Msgf("Failed to create refund: %v", err)
			http.Error(w, "failed to create refund", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusCreated, ref)
}

func (h *RefundHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	ref, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, refund.ErrRefundNotFound) {
			http.Error(w, "refund not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get refund: %v", err)
		http.Error(w, "failed to get refund", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, ref)
}

func (h *RefundHandler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := urlUUID(w, r, "orderID")
	if !ok {
		return
	}

	refunds, err := h.svc.ListByOrder(r.Context(), orderID)
	if err != nil {
		log.Info().Msgf("Failed to list refunds: %v", err)
		http.Error(w, "failed to list refunds", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, refunds)
}

type reviewRefundRequest struct {
	Actor refund.Actor `json:"actor"`
	Notes string       `json:"notes"`
}

func (h *RefundHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Approve)
}

func (h *RefundHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Reject)
}

func (h *RefundHandler) review(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID, actor refund.Actor, notes string) (*refund.Refund, error)) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req reviewRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := fn(r.Context(), id, req.Actor, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, refund.ErrRefundNotFound):
			http.Error(w, "refund not found", http.StatusNotFound)
		case errors.Is(err, refund.ErrPermissionDenied):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, refund.ErrRefundStateConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to review refund: %v", err)
			http.Error(w, "failed to review refund", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, ref)
}

type processRefundRequest struct {
	Actor           refund.Actor `json:"actor"`
	GatewayRefundID string       `json:"gateway_refund_id"`
}

// Process runs the gateway transfer and moves the refund to PROCESSING.
// Without a configured gateway the caller supplies the reference of the
// out-of-band transfer.
func (h *RefundHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req processRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := h.svc.ProcessGatewayRefund(r.Context(), id, req.Actor, req.GatewayRefundID)
	if err != nil {
		switch {
		case errors.Is(err, refund.ErrRefundNotFound):
			http.Error(w, "refund not found", http.StatusNotFound)
		case errors.Is(err, refund.ErrMissingGatewayRef):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, refund.ErrRefundStateConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to process refund: %v", err)
			http.Error(w, "failed to process refund", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, ref)
}

// Complete is the gateway settlement callback. Repeated deliveries are safe.
func (h *RefundHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	ref, err := h.svc.Complete(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, refund.ErrRefundNotFound):
			http.Error(w, "refund not found", http.StatusNotFound)
		case errors.Is(err, refund.ErrRefundStateConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, refund.ErrExceedsOrderTotal):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			log.Info().Msgf("Failed to complete refund: %v", err)
			http.Error(w, "failed to complete refund", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, ref)
}

type failRefundRequest struct {
	Reason string `json:"reason"`
}

func (h *RefundHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req failRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := h.svc.Fail(r.Context(), id, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, refund.ErrRefundNotFound):
			http.Error(w, "refund not found", http.StatusNotFound)
		case errors.Is(err, refund.ErrRefundStateConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to fail refund: %v", err)
			http.Error(w, "failed to fail refund", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, ref)
}

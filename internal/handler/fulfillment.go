package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// FulfillmentHandler handles HTTP requests for staff picking workflows.
type FulfillmentHandler struct {
	svc fulfillment.Service
}

func NewFulfillmentHandler(svc fulfillment.Service) *FulfillmentHandler {
	return &FulfillmentHandler{svc: svc}
}

func (h *FulfillmentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	f, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, fulfillment.ErrFulfillmentNotFound) {
			http.Error(w, "fulfillment not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get fulfillment: %v", err)
		http.Error(w, "failed to get fulfillment", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, f)
}

func (h *FulfillmentHandler) GetByOrderID(w http.ResponseWriter, r *http.Request) {
	orderID, ok := urlUUID(w, r, "orderID")
	if !ok {
		return
	}

	f, err := h.svc.GetByOrderID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, fulfillment.ErrFulfillmentNotFound) {
			http.Error(w, "fulfillment not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to get fulfillment by order: %v", err)
		http.Error(w, "failed to get fulfillment", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, f)
}

type startFulfillmentRequest struct {
	Actor string `json:"actor"`
}

// Start claims the fulfillment for a picker and moves it to IN_PROGRESS.
func (h *FulfillmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req startFulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}

	f, err := h.svc.Start(r.Context(), id, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, fulfillment.ErrFulfillmentNotFound):
			http.Error(w, "fulfillment not found", http.StatusNotFound)
		case errors.Is(err, fulfillment.ErrNotStartable):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to start fulfillment: %v", err)
			http.Error(w, "failed to start fulfillment", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, f)
}

type updateItemRequest struct {
	QuantityFulfilled int    `json:"quantity_fulfilled"`
	Notes             string `json:"notes"`
	Actor             string `json:"actor"`
}

// UpdateItem records the picked quantity for one line. The item status is
// derived from the quantity, never sent by the client.
func (h *FulfillmentHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		http.Error(w, "invalid item index", http.StatusBadRequest)
		return
	}

	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	f, err := h.svc.UpdateItem(r.Context(), id, index, req.QuantityFulfilled, req.Notes, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, fulfillment.ErrFulfillmentNotFound):
			http.Error(w, "fulfillment not found", http.StatusNotFound)
		case errors.Is(err, fulfillment.ErrItemNotFound):
			http.Error(w, "fulfillment item not found", http.StatusNotFound)
		case errors.Is(err, fulfillment.ErrInvalidQuantity):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, fulfillment.ErrFulfillmentClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to update fulfillment item: %v", err)
			http.Error(w, "failed to update fulfillment item", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, f)
}

type completeFulfillmentRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func (h *FulfillmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req completeFulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	f, err := h.svc.Complete(r.Context(), id, req.Actor, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, fulfillment.ErrFulfillmentNotFound):
			http.Error(w, "fulfillment not found", http.StatusNotFound)
		case errors.Is(err, fulfillment.ErrIncompleteItems), errors.Is(err, fulfillment.ErrFulfillmentClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to complete fulfillment: %v", err)
			http.Error(w, "failed to complete fulfillment", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, f)
}

type cancelFulfillmentRequest struct {
	Actor string `json:"actor"`
}

func (h *FulfillmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req cancelFulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.svc.Cancel(r.Context(), id, req.Actor); err != nil {
		switch {
		case errors.Is(err, fulfillment.ErrFulfillmentNotFound):
			http.Error(w, "fulfillment not found", http.StatusNotFound)
		case errors.Is(err, fulfillment.ErrFulfillmentClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Info().Msgf("Failed to cancel fulfillment: %v", err)
			http.Error(w, "failed to cancel fulfillment", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type addNotesRequest struct {
	Notes string `json:"notes"`
}

func (h *FulfillmentHandler) AddNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req addNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Notes == "" {
		http.Error(w, "notes is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.AddNotes(r.Context(), id, req.Notes); err != nil {
		if errors.Is(err, fulfillment.ErrFulfillmentNotFound) {
			http.Error(w, "fulfillment not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to add fulfillment notes: %v", err)
		http.Error(w, "failed to add fulfillment notes", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

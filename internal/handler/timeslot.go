package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/rs/zerolog/log"
)

// TimeSlotHandler handles HTTP requests for slot capacity management.
type TimeSlotHandler struct {
	svc timeslot.Service
}

func NewTimeSlotHandler(svc timeslot.Service) *TimeSlotHandler {
	return &TimeSlotHandler{svc: svc}
}

// ListByDate returns all slots for ?date=YYYY-MM-DD.
func (h *TimeSlotHandler) ListByDate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		http.Error(w, "date query parameter is required", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	slots, err := h.svc.ListByDate(r.Context(), date)
	if err != nil {
		log.Info().Msgf("Failed to list slots: %v", err)
		http.Error(w, "failed to list slots", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, slots)
}

type generateSlotsRequest struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Windows []timeslot.Window `json:"windows"`
}

// Generate pre-creates slots for a date range; re-running it is harmless.
func (h *TimeSlotHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateSlotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		http.Error(w, "invalid from date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		http.Error(w, "invalid to date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	created, err := h.svc.Generate(r.Context(), from, to, req.Windows)
	if err != nil {
		log.Info().Msgf("Failed to generate slots: %v", err)
		http.Error(w, "failed to generate slots", http.StatusBadRequest)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int{"created": created})
}

type toggleAvailabilityRequest struct {
	IsAvailable bool `json:"is_available"`
}

func (h *TimeSlotHandler) ToggleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req toggleAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	slot, err := h.svc.ToggleAvailability(r.Context(), id, req.IsAvailable)
	if err != nil {
		if errors.Is(err, timeslot.ErrSlotNotFound) {
			http.Error(w, "slot not found", http.StatusNotFound)
			return
		}
		log.Info().Msgf("Failed to toggle slot availability: %v", err)
		http.Error(w, "failed to toggle slot availability", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, slot)
}

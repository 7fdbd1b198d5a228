package timeslot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshlane/order-engine/pkg/metrics"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// nearFullThreshold is the capacity percentage above which a slot is flagged
// for operational attention.
const nearFullThreshold = 90.0

var ErrInvalidItemCount = errors.New("item count must be greater than zero")

type Defaults struct {
	MaxOrders int
	MaxItems  int
}

type Service interface {
	Reserve(ctx context.Context, date time.Time, startTime string, itemCount int) (*TimeSlot, error)
	Release(ctx context.Context, date time.Time, startTime string, itemCount int) error
	GetOrCreate(ctx context.Context, date time.Time, startTime string) (*TimeSlot, error)
	ToggleAvailability(ctx context.Context, slotID uuid.UUID, isAvailable bool) (*TimeSlot, error)
	ListByDate(ctx context.Context, date time.Time) ([]TimeSlot, error)
	Generate(ctx context.Context, from, to time.Time, windows []Window) (int, error)
}

type service struct {
	repo     Repository
	defaults Defaults
	metrics  *metrics.Metrics
}

// NewService wires the capacity manager. metrics may be nil in tests.
func NewService(repo Repository, defaults Defaults, m *metrics.Metrics) Service {
	return &service{repo: repo, defaults: defaults, metrics: m}
}

func (s *service) Reserve(ctx context.Context, date time.Time, startTime string, itemCount int) (*TimeSlot, error) {
	if itemCount <= 0 {
		return nil, ErrInvalidItemCount
	}

	// Materialize the slot first so ad-hoc dates never fail with "not found".
	if _, err := s.GetOrCreate(ctx, date, startTime); err != nil {
		return nil, err
	}

	slot, err := s.repo.Reserve(ctx, date, startTime, itemCount)
	if err != nil {
		if errors.Is(err, ErrSlotFull) || errors.Is(err, ErrSlotUnavailable) {
			s.countReservation("rejected")
			log.Warn().
				Str("slot_date", date.Format("2006-01-02")).
				Str("start_time", startTime).
				Int("item_count", itemCount).
				Err(err).
				Msg("service: slot reservation rejected")
			return nil, err
		}
		s.countReservation("error")
		log.Error().Err(err).Str("slot_date", date.Format("2006-01-02")).Str("start_time", startTime).Msg("service: failed to reserve slot")
		return nil, fmt.Errorf("service: failed to reserve slot: %w", err)
	}

	s.countReservation("reserved")
	s.observeUtilization(slot)
	log.Info().
		Stringer("slot_id", slot.ID).
		Int("current_orders", slot.CurrentOrders).
		Int("current_items", slot.CurrentItems).
		Msg("service: slot reserved")
	return slot, nil
}

func (s *service) Release(ctx context.Context, date time.Time, startTime string, itemCount int) error {
	if itemCount < 0 {
		return ErrInvalidItemCount
	}
	if err := s.repo.Release(ctx, date, startTime, itemCount); err != nil {
		log.Error().Err(err).Str("slot_date", date.Format("2006-01-02")).Str("start_time", startTime).Msg("service: failed to release slot")
		return fmt.Errorf("service: failed to release slot: %w", err)
	}
	log.Info().Str("slot_date", date.Format("2006-01-02")).Str("start_time", startTime).Int("item_count", itemCount).Msg("service: slot released")
	return nil
}

func (s *service) GetOrCreate(ctx context.Context, date time.Time, startTime string) (*TimeSlot, error) {
	endTime := defaultEndTime(startTime)
	slot, err := s.repo.GetOrCreate(ctx, date, startTime, endTime, s.defaults.MaxOrders, s.defaults.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get or create slot: %w", err)
	}
	return slot, nil
}

func (s *service) ToggleAvailability(ctx context.Context, slotID uuid.UUID, isAvailable bool) (*TimeSlot, error) {
	if err := s.repo.SetAvailability(ctx, slotID, isAvailable); err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("service: failed to toggle slot availability: %w", err)
	}
	slot, err := s.repo.GetByID(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to reload slot after toggle: %w", err)
	}
	log.Info().Stringer("slot_id", slotID).Bool("is_available", isAvailable).Msg("service: slot availability toggled")
	return slot, nil
}

func (s *service) ListByDate(ctx context.Context, date time.Time) ([]TimeSlot, error) {
	slots, err := s.repo.ListByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list slots: %w", err)
	}
	return slots, nil
}

// Generate pre-creates one slot per (day, window) over [from, to]. Existing
// slots are left untouched, so re-running the generation is harmless.
func (s *service) Generate(ctx context.Context, from, to time.Time, windows []Window) (int, error) {
	if to.Before(from) {
		return 0, errors.New("service: generation range end precedes start")
	}
	if len(windows) == 0 {
		return 0, errors.New("service: at least one window is required")
	}

	var slots []TimeSlot
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, w := range windows {
			maxOrders := w.MaxOrders
			if maxOrders <= 0 {
				maxOrders = s.defaults.MaxOrders
			}
			maxItems := w.MaxItems
			if maxItems <= 0 {
				maxItems = s.defaults.MaxItems
			}
			slots = append(slots, TimeSlot{
				Date:      day,
				StartTime: w.StartTime,
				EndTime:   w.EndTime,
				MaxOrders: maxOrders,
				MaxItems:  maxItems,
			})
		}
	}

	created, err := s.repo.InsertMissing(ctx, slots)
	if err != nil {
		return created, fmt.Errorf("service: failed to generate slots: %w", err)
	}
	log.Info().Int("created", created).Int("requested", len(slots)).Msg("service: slots generated")
	return created, nil
}

func (s *service) countReservation(result string) {
	if s.metrics != nil {
		s.metrics.Reservations.WithLabelValues(result).Inc()
	}
}

func (s *service) observeUtilization(slot *TimeSlot) {
	pct := slot.CapacityPercent()
	if s.metrics != nil {
		s.metrics.SlotUtilization.WithLabelValues(slot.Date.Format("2006-01-02"), slot.StartTime).Set(pct)
	}
	if pct >= nearFullThreshold {
		log.Warn().
			Stringer("slot_id", slot.ID).
			Float64("capacity_percent", pct).
			Msg("service: slot is near full")
	}
}

// defaultEndTime derives a one-hour window end for lazily created slots.
func defaultEndTime(startTime string) string {
	t, err := time.Parse("15:04", startTime)
	if err != nil {
		return startTime
	}
	return t.Add(time.Hour).Format("15:04")
}

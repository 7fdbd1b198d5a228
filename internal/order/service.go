package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/freshlane/order-engine/pkg/metrics"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// allowedTransitions is the whole legality story: an edge missing here does
// not exist. REFUNDED edges carry the extra cumulative-refund condition
// checked in Transition.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPaid:      true,
		StatusCancelled: true,
	},
	StatusPaid: {
		StatusProcessing: true,
		StatusCancelled:  true,
		StatusRefunded:   true,
	},
	StatusProcessing: {
		StatusReadyForPickup: true,
		StatusOutForDelivery: true,
		StatusCancelled:      true,
		StatusRefunded:       true,
	},
	StatusReadyForPickup: {
		StatusDelivered: true,
		StatusCompleted: true,
	},
	StatusOutForDelivery: {
		StatusDelivered: true,
		StatusCompleted: true,
	},
	StatusDelivered: {
		StatusRefunded: true,
	},
	StatusCompleted: {
		StatusRefunded: true,
	},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// notifyStatuses is the fixed allowlist of transitions that emit a
// notification event. PENDING and REFUNDED are deliberately absent: checkout
// has its own confirmation path and refunds notify through the ledger.
var notifyStatuses = map[Status]bool{
	StatusPaid:           true,
	StatusProcessing:     true,
	StatusReadyForPickup: true,
	StatusOutForDelivery: true,
	StatusDelivered:      true,
	StatusCompleted:      true,
	StatusCancelled:      true,
}

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrEmptyOrder        = errors.New("order must contain at least one item")
	ErrTotalMismatch     = errors.New("order total does not match its components")
)

// SlotManager is the slice of the time-slot service checkout and
// cancellation need.
type SlotManager interface {
	Reserve(ctx context.Context, date time.Time, startTime string, itemCount int) (*timeslot.TimeSlot, error)
	Release(ctx context.Context, date time.Time, startTime string, itemCount int) error
}

// FulfillmentCreator creates the pick/pack record when an order is paid.
type FulfillmentCreator interface {
	CreateForOrder(ctx context.Context, in fulfillment.CreateInput) (*fulfillment.Fulfillment, error)
}

type CheckoutItem struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int       `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
}

type CheckoutInput struct {
	UserID          uuid.UUID       `json:"user_id"`
	FulfillmentType FulfillmentType `json:"fulfillment_type"`
	Items           []CheckoutItem  `json:"items"`
	Tax             float64         `json:"tax"`
	DeliveryFee     float64         `json:"delivery_fee"`
	Discount        float64         `json:"discount"`
	SlotDate        time.Time       `json:"slot_date"`
	SlotStart       string          `json:"slot_start"`
}

type Service interface {
	Checkout(ctx context.Context, in CheckoutInput) (*Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, newStatus Status, note, actor string) (*Order, error)
	MarkPaid(ctx context.Context, orderNumber, paymentRef string) (*Order, error)
	GetStatusHistory(ctx context.Context, orderID uuid.UUID) ([]StatusHistory, error)
	ExpireStalePending(ctx context.Context, ttl time.Duration) (int, error)
}

type service struct {
	repo         Repository
	slots        SlotManager
	fulfillments FulfillmentCreator
	metrics      *metrics.Metrics
}

// NewService wires the order lifecycle. metrics may be nil in tests.
// Notification events ride on the StatusUpdate into the repository, so the
// service needs no publisher of its own.
func NewService(repo Repository, slots SlotManager, fulfillments FulfillmentCreator, m *metrics.Metrics) Service {
	return &service{
		repo:         repo,
		slots:        slots,
		fulfillments: fulfillments,
		metrics:      m,
	}
}

// Checkout reserves the slot, then creates the order PENDING. If the insert
// fails after the reservation succeeded, the reservation is compensated.
func (s *service) Checkout(ctx context.Context, in CheckoutInput) (*Order, error) {
	if len(in.Items) == 0 {
		log.Warn().Stringer("user_id", in.UserID).Msg("service: attempt to create order with no items")
		return nil, ErrEmptyOrder
	}
	if in.FulfillmentType != FulfillmentPickup && in.FulfillmentType != FulfillmentDelivery {
		return nil, fmt.Errorf("service: unknown fulfillment type %q", in.FulfillmentType)
	}
	if in.SlotStart == "" {
		return nil, errors.New("service: a time slot is required")
	}
	if in.Tax < 0 || in.DeliveryFee < 0 || in.Discount < 0 {
		return nil, errors.New("service: tax, delivery fee and discount cannot be negative")
	}

	subtotal := 0.0
	itemCount := 0
	for _, item := range in.Items {
		if item.ProductID == uuid.Nil {
			return nil, errors.New("service: product id in order item cannot be nil")
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("service: order item quantity for product %s must be greater than zero", item.ProductID)
		}
		if item.UnitPrice < 0 {
			return nil, fmt.Errorf("service: order item price for product %s cannot be negative", item.ProductID)
		}
		subtotal += float64(item.Quantity) * item.UnitPrice
		itemCount += item.Quantity
	}

	total := subtotal + in.Tax + in.DeliveryFee - in.Discount
	if total < 0 {
		return nil, ErrTotalMismatch
	}

	if _, err := s.slots.Reserve(ctx, in.SlotDate, in.SlotStart, itemCount); err != nil {
		return nil, err
	}

	orderNumber, err := newOrderNumber()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order number: %w", err)
	}

	slotDate := in.SlotDate
	slotStart := in.SlotStart
	o := &Order{
		OrderNumber:     orderNumber,
		UserID:          in.UserID,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		FulfillmentType: in.FulfillmentType,
		Subtotal:        subtotal,
		Tax:             in.Tax,
		DeliveryFee:     in.DeliveryFee,
		Discount:        in.Discount,
		Total:           total,
		RefundIDs:       []uuid.UUID{},
		SlotDate:        &slotDate,
		SlotStart:       &slotStart,
	}
	for _, item := range in.Items {
		o.Items = append(o.Items, OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}

	if err := s.repo.Create(ctx, o); err != nil {
		log.Error().Err(err).Stringer("user_id", in.UserID).Msg("service: failed to create order, releasing slot")
		if relErr := s.slots.Release(ctx, in.SlotDate, in.SlotStart, itemCount); relErr != nil {
			log.Error().Err(relErr).Msg("service: failed to release slot after create failure")
		}
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().Stringer("order_id", o.ID).Str("order_number", o.OrderNumber).Stringer("user_id", o.UserID).Msg("service: order created")
	return o, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch order: %w", err)
	}
	return o, nil
}

func (s *service) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	o, err := s.repo.GetByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch order by number: %w", err)
	}
	return o, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}
	return orders, nil
}

// Transition moves the order along a legal edge, stamps the status-specific
// timestamp, and commits the history row plus the notification event for
// allowlisted statuses together with the status write.
func (s *service) Transition(ctx context.Context, orderID uuid.UUID, newStatus Status, note, actor string) (*Order, error) {
	current, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to get order for transition: %w", err)
	}

	return s.transition(ctx, current, newStatus, note, actor, "")
}

func (s *service) transition(ctx context.Context, current *Order, newStatus Status, note, actor, paymentRef string) (*Order, error) {
	if !allowedTransitions[current.Status][newStatus] {
		log.Warn().
			Stringer("order_id", current.ID).
			Stringer("current_status", current.Status).
			Stringer("new_status", newStatus).
			Msg("service: invalid status transition attempt")
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}
	if newStatus == StatusRefunded && current.RefundedAmount < current.Total {
		// REFUNDED is reachable only once the ledger reports a full refund.
		return nil, fmt.Errorf("%w: order %s is not fully refunded", ErrInvalidTransition, current.OrderNumber)
	}

	upd := StatusUpdate{
		OrderID:    current.ID,
		From:       current.Status,
		To:         newStatus,
		Note:       note,
		Actor:      actor,
		PaymentRef: paymentRef,
		At:         time.Now().UTC(),
	}
	if newStatus == StatusPaid {
		paid := PaymentPaid
		upd.PaymentStatus = &paid
	}
	if notifyStatuses[newStatus] {
		// The event commits with the status write, so a notification can
		// never describe a transition that rolled back.
		ev, err := event.New(current.ID, event.TypeOrderStatusChanged, map[string]any{
			"order_number": current.OrderNumber,
			"user_id":      current.UserID.String(),
			"status":       string(newStatus),
			"note":         note,
		})
		if err != nil {
			return nil, fmt.Errorf("service: failed to build status change event: %w", err)
		}
		upd.Event = &ev
	}

	if err := s.repo.UpdateStatus(ctx, upd); err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(newStatus)).Inc()
	}
	log.Info().
		Stringer("order_id", current.ID).
		Stringer("old_status", current.Status).
		Stringer("new_status", newStatus).
		Str("actor", actor).
		Msg("service: order status updated")

	updated, err := s.repo.GetByID(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to reload order after transition: %w", err)
	}

	s.runSideEffects(ctx, updated)
	return updated, nil
}

// runSideEffects handles the orchestration attached to committed
// transitions. Everything here is observational relative to the status
// write: failures are logged, never rolled back into the transition.
func (s *service) runSideEffects(ctx context.Context, o *Order) {
	switch o.Status {
	case StatusPaid:
		if s.fulfillments != nil {
			in := fulfillment.CreateInput{OrderID: o.ID}
			for _, item := range o.Items {
				in.Items = append(in.Items, fulfillment.CreateItem{
					ProductID:   item.ProductID,
					ProductName: item.ProductName,
					Quantity:    item.Quantity,
				})
			}
			if _, err := s.fulfillments.CreateForOrder(ctx, in); err != nil {
				log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to create fulfillment for paid order")
			}
		}
	case StatusCancelled:
		if s.slots != nil && o.SlotDate != nil && o.SlotStart != nil {
			if err := s.slots.Release(ctx, *o.SlotDate, *o.SlotStart, o.ItemCount()); err != nil {
				log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to release slot for cancelled order")
			}
		}
	}
}

// MarkPaid is the payment-confirmation entry point. The gateway reference
// lands on the order together with the PENDING -> PAID transition.
func (s *service) MarkPaid(ctx context.Context, orderNumber, paymentRef string) (*Order, error) {
	current, err := s.repo.GetByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to get order for payment confirmation: %w", err)
	}

	return s.transition(ctx, current, StatusPaid, "payment confirmed", "payment-gateway", paymentRef)
}

func (s *service) GetStatusHistory(ctx context.Context, orderID uuid.UUID) ([]StatusHistory, error) {
	if _, err := s.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := s.repo.History(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to fetch status history: %w", err)
	}
	return entries, nil
}

// ExpireStalePending cancels unpaid orders past the TTL and releases their
// reservations. Safe to run from several instances at once: the conditional
// status write makes a lost race a skip, not a double cancel.
func (s *service) ExpireStalePending(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	stale, err := s.repo.ListStalePending(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("service: failed to list stale pending orders: %w", err)
	}

	expired := 0
	for i := range stale {
		o := &stale[i]
		if _, err := s.transition(ctx, o, StatusCancelled, "payment window expired", "system", ""); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue // another instance got there first
			}
			log.Error().Err(err).Stringer("order_id", o.ID).Msg("service: failed to expire pending order")
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Info().Int("expired", expired).Msg("service: stale pending orders cancelled")
	}
	return expired, nil
}

func newOrderNumber() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), suffix), nil
}

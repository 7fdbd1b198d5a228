package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/pkg/metrics"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidAmount     = errors.New("refund amount must be greater than zero")
	ErrPermissionDenied  = errors.New("operation requires an admin")
	ErrMissingGatewayRef = errors.New("a gateway refund reference is required")
)

// Gateway executes the money transfer. The idempotency key is the refund ID,
// so a retried call cannot move the money twice; retries on transient
// failures are the gateway's side of the contract.
type Gateway interface {
	Refund(ctx context.Context, idempotencyKey string, orderID uuid.UUID, amount float64) (gatewayRefundID string, err error)
}

type Service interface {
	Create(ctx context.Context, orderID uuid.UUID, amount float64, reason string, actor Actor) (*Refund, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Refund, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error)
	Approve(ctx context.Context, id uuid.UUID, actor Actor, notes string) (*Refund, error)
	Reject(ctx context.Context, id uuid.UUID, actor Actor, notes string) (*Refund, error)
	ProcessGatewayRefund(ctx context.Context, id uuid.UUID, actor Actor, gatewayRefundID string) (*Refund, error)
	Complete(ctx context.Context, id uuid.UUID) (*Refund, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (*Refund, error)
}

type service struct {
	repo      Repository
	gateway   Gateway
	publisher event.Publisher
	metrics   *metrics.Metrics
}

// NewService wires the ledger. gateway, publisher and metrics may be nil in
// tests.
func NewService(repo Repository, gateway Gateway, publisher event.Publisher, m *metrics.Metrics) Service {
	return &service{repo: repo, gateway: gateway, publisher: publisher, metrics: m}
}

// Create opens a refund request. The cumulative cap against completed
// refunds is enforced before any record exists.
func (s *service) Create(ctx context.Context, orderID uuid.UUID, amount float64, reason string, actor Actor) (*Refund, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate refund ID: %w", err)
	}
	number, err := newRefundNumber()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate refund number: %w", err)
	}

	r := &Refund{
		ID:           id,
		RefundNumber: number,
		OrderID:      orderID,
		Amount:       amount,
		Reason:       reason,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		if errors.Is(err, order.ErrOrderNotFound) || errors.Is(err, ErrOrderNotRefundable) || errors.Is(err, ErrExceedsOrderTotal) {
			log.Warn().Err(err).Stringer("order_id", orderID).Float64("amount", amount).Msg("service: refund request rejected")
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to create refund: %w", err)
	}

	s.countRefund(StatusPending)
	log.Info().Stringer("refund_id", r.ID).Str("refund_number", r.RefundNumber).Stringer("order_id", orderID).Float64("amount", amount).Stringer("requested_by", actor.ID).Msg("service: refund created")
	return r, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch refund: %w", err)
	}
	return r, nil
}

func (s *service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error) {
	refunds, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list refunds: %w", err)
	}
	return refunds, nil
}

func (s *service) Approve(ctx context.Context, id uuid.UUID, actor Actor, notes string) (*Refund, error) {
	return s.review(ctx, id, actor, notes, StatusApproved)
}

func (s *service) Reject(ctx context.Context, id uuid.UUID, actor Actor, notes string) (*Refund, error) {
	return s.review(ctx, id, actor, notes, StatusRejected)
}

func (s *service) review(ctx context.Context, id uuid.UUID, actor Actor, notes string, to Status) (*Refund, error) {
	if actor.Role != RoleAdmin {
		log.Warn().Stringer("refund_id", id).Stringer("actor_id", actor.ID).Str("role", actor.Role).Msg("service: refund review denied")
		return nil, ErrPermissionDenied
	}

	err := s.repo.UpdateStatus(ctx, StatusChange{
		RefundID:    id,
		From:        StatusPending,
		To:          to,
		ProcessedBy: actor.ID.String(),
		AdminNotes:  notes,
	})
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) || errors.Is(err, ErrRefundStateConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to review refund: %w", err)
	}

	s.countRefund(to)
	log.Info().Stringer("refund_id", id).Stringer("status", to).Stringer("processed_by", actor.ID).Msg("service: refund reviewed")
	return s.GetByID(ctx, id)
}

// ProcessGatewayRefund executes the transfer and moves the refund to
// PROCESSING. With a gateway configured the call is keyed by the refund ID,
// so re-running this after a crash cannot refund twice; without one the
// caller supplies the reference of a transfer executed out of band. Either
// way a gateway reference is recorded before the refund leaves APPROVED.
func (s *service) ProcessGatewayRefund(ctx context.Context, id uuid.UUID, actor Actor, gatewayRefundID string) (*Refund, error) {
	r, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusApproved {
		return nil, ErrRefundStateConflict
	}

	if s.gateway != nil {
		gatewayRefundID, err = s.gateway.Refund(ctx, r.ID.String(), r.OrderID, r.Amount)
		if err != nil {
			return nil, fmt.Errorf("service: gateway refund failed: %w", err)
		}
	}
	if gatewayRefundID == "" {
		log.Warn().Stringer("refund_id", id).Msg("service: refund processing rejected, no gateway reference")
		return nil, ErrMissingGatewayRef
	}

	err = s.repo.UpdateStatus(ctx, StatusChange{
		RefundID:        id,
		From:            StatusApproved,
		To:              StatusProcessing,
		ProcessedBy:     actor.ID.String(),
		GatewayRefundID: gatewayRefundID,
	})
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) || errors.Is(err, ErrRefundStateConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to mark refund processing: %w", err)
	}

	s.countRefund(StatusProcessing)
	log.Info().Stringer("refund_id", id).Str("gateway_refund_id", gatewayRefundID).Msg("service: refund processing")
	return s.GetByID(ctx, id)
}

// Complete finishes the refund and cascades into the order atomically.
// Completing an already-completed refund is a no-op, never a double apply.
func (s *service) Complete(ctx context.Context, id uuid.UUID) (*Refund, error) {
	r, cascaded, err := s.repo.Complete(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			log.Info().Stringer("refund_id", id).Msg("service: refund already completed, skipping")
			return r, nil
		}
		if errors.Is(err, ErrRefundNotFound) || errors.Is(err, ErrRefundStateConflict) || errors.Is(err, ErrExceedsOrderTotal) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to complete refund: %w", err)
	}

	s.countRefund(StatusCompleted)
	log.Info().Stringer("refund_id", id).Stringer("order_id", r.OrderID).Float64("amount", r.Amount).Bool("order_refunded", cascaded).Msg("service: refund completed")

	if s.publisher != nil {
		ev, err := event.New(r.OrderID, event.TypeRefundCompleted, map[string]any{
			"refund_id":      r.ID.String(),
			"refund_number":  r.RefundNumber,
			"amount":         r.Amount,
			"order_refunded": cascaded,
		})
		if err != nil {
			log.Error().Err(err).Stringer("refund_id", r.ID).Msg("service: failed to build refund completion event")
		} else if err := s.publisher.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Stringer("refund_id", r.ID).Msg("service: failed to publish refund completion event")
		}
	}
	return r, nil
}

// Fail is terminal: recovery means creating a new refund.
func (s *service) Fail(ctx context.Context, id uuid.UUID, reason string) (*Refund, error) {
	err := s.repo.UpdateStatus(ctx, StatusChange{
		RefundID:   id,
		From:       StatusProcessing,
		To:         StatusFailed,
		AdminNotes: reason,
	})
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) || errors.Is(err, ErrRefundStateConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to mark refund failed: %w", err)
	}

	s.countRefund(StatusFailed)
	log.Warn().Stringer("refund_id", id).Str("reason", reason).Msg("service: refund failed")
	return s.GetByID(ctx, id)
}

func (s *service) countRefund(status Status) {
	if s.metrics != nil {
		s.metrics.Refunds.WithLabelValues(string(status)).Inc()
	}
}

func newRefundNumber() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return fmt.Sprintf("REF-%s-%s", time.Now().UTC().Format("20060102"), suffix), nil
}

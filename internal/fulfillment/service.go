package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInvalidQuantity = errors.New("fulfilled quantity is out of range")

// StockNotifier tells the catalog collaborator which quantities left the
// shelf once a fulfillment completes. The counter itself is owned over there.
type StockNotifier interface {
	FulfillmentConfirmed(ctx context.Context, orderID uuid.UUID, items []ConfirmedItem) error
}

type ConfirmedItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

type Service interface {
	CreateForOrder(ctx context.Context, in CreateInput) (*Fulfillment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Fulfillment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Fulfillment, error)
	Start(ctx context.Context, id uuid.UUID, actor string) (*Fulfillment, error)
	UpdateItem(ctx context.Context, id uuid.UUID, index, quantityFulfilled int, notes, actor string) (*Fulfillment, error)
	Complete(ctx context.Context, id uuid.UUID, actor, notes string) (*Fulfillment, error)
	Cancel(ctx context.Context, id uuid.UUID, actor string) error
	AddNotes(ctx context.Context, id uuid.UUID, notes string) error
}

type service struct {
	repo      Repository
	publisher event.Publisher
	stock     StockNotifier
}

// NewService wires the tracker. publisher and stock may be nil in tests.
func NewService(repo Repository, publisher event.Publisher, stock StockNotifier) Service {
	return &service{repo: repo, publisher: publisher, stock: stock}
}

func (s *service) CreateForOrder(ctx context.Context, in CreateInput) (*Fulfillment, error) {
	if in.OrderID == uuid.Nil {
		return nil, errors.New("service: order id is required")
	}
	if len(in.Items) == 0 {
		return nil, errors.New("service: fulfillment must contain at least one item")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate fulfillment ID: %w", err)
	}

	f := &Fulfillment{
		ID:      id,
		OrderID: in.OrderID,
		Status:  StatusPending,
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("service: quantity for product %s must be greater than zero", item.ProductID)
		}
		f.TotalItemsOrdered += item.Quantity
		f.Items = append(f.Items, Item{
			Index:           i,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			QuantityOrdered: item.Quantity,
			Status:          ItemPending,
		})
	}

	if err := s.repo.Create(ctx, f); err != nil {
		log.Error().Err(err).Stringer("order_id", in.OrderID).Msg("service: failed to create fulfillment")
		return nil, fmt.Errorf("service: failed to create fulfillment: %w", err)
	}

	log.Info().Stringer("fulfillment_id", f.ID).Stringer("order_id", f.OrderID).Int("total_items_ordered", f.TotalItemsOrdered).Msg("service: fulfillment created")
	return f, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*Fulfillment, error) {
	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch fulfillment: %w", err)
	}
	return f, nil
}

func (s *service) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Fulfillment, error) {
	f, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch fulfillment by order: %w", err)
	}
	return f, nil
}

func (s *service) Start(ctx context.Context, id uuid.UUID, actor string) (*Fulfillment, error) {
	if err := s.repo.Start(ctx, id, actor, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) || errors.Is(err, ErrNotStartable) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to start fulfillment: %w", err)
	}
	log.Info().Stringer("fulfillment_id", id).Str("actor", actor).Msg("service: fulfillment started")
	return s.GetByID(ctx, id)
}

// UpdateItem records picking progress for one line item. The item's status
// is derived from the resulting quantity; completion is evaluated and
// committed together with the item write.
func (s *service) UpdateItem(ctx context.Context, id uuid.UUID, index, quantityFulfilled int, notes, actor string) (*Fulfillment, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch fulfillment for item update: %w", err)
	}
	if current.Status == StatusCompleted || current.Status == StatusCancelled {
		return nil, ErrFulfillmentClosed
	}
	if index < 0 || index >= len(current.Items) {
		return nil, ErrItemNotFound
	}

	item := current.Items[index]
	if quantityFulfilled < 0 || quantityFulfilled > item.QuantityOrdered {
		log.Warn().
			Stringer("fulfillment_id", id).
			Int("item_index", index).
			Int("quantity_fulfilled", quantityFulfilled).
			Int("quantity_ordered", item.QuantityOrdered).
			Msg("service: rejected out-of-range fulfilled quantity")
		return nil, fmt.Errorf("%w: got %d for ordered quantity %d", ErrInvalidQuantity, quantityFulfilled, item.QuantityOrdered)
	}

	updated, err := s.repo.UpdateItem(ctx, ItemUpdate{
		FulfillmentID:     id,
		Index:             index,
		QuantityFulfilled: quantityFulfilled,
		Status:            DeriveItemStatus(quantityFulfilled, item.QuantityOrdered),
		ProcessedBy:       actor,
		Notes:             notes,
		At:                time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) || errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrFulfillmentClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to update fulfillment item: %w", err)
	}

	if updated.Status == StatusCompleted {
		s.onCompleted(ctx, updated)
	}
	return updated, nil
}

// Complete is the manual path. It re-validates that nothing is pending
// instead of trusting the caller; completing twice is a no-op. The repository
// decides under its row lock whether this call did the flip, so the
// completion side effects run exactly once even under racing callers.
func (s *service) Complete(ctx context.Context, id uuid.UUID, actor, notes string) (*Fulfillment, error) {
	f, completedNow, err := s.repo.Complete(ctx, id, actor, notes, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) || errors.Is(err, ErrIncompleteItems) || errors.Is(err, ErrFulfillmentClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to complete fulfillment: %w", err)
	}

	if completedNow {
		s.onCompleted(ctx, f)
	}
	return f, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID, actor string) error {
	// Cancelling a fulfillment deliberately leaves the order untouched; the
	// caller cancels the order separately if that is also intended.
	if err := s.repo.Cancel(ctx, id, actor, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) || errors.Is(err, ErrFulfillmentClosed) {
			return err
		}
		return fmt.Errorf("service: failed to cancel fulfillment: %w", err)
	}
	return nil
}

func (s *service) AddNotes(ctx context.Context, id uuid.UUID, notes string) error {
	if notes == "" {
		return errors.New("service: notes must not be empty")
	}
	if err := s.repo.AddNotes(ctx, id, notes); err != nil {
		if errors.Is(err, ErrFulfillmentNotFound) {
			return ErrFulfillmentNotFound
		}
		return fmt.Errorf("service: failed to add notes: %w", err)
	}
	return nil
}

// onCompleted runs the observational side effects of completion. Their
// failures are logged, never propagated: the committed fulfillment state is
// the source of truth.
func (s *service) onCompleted(ctx context.Context, f *Fulfillment) {
	log.Info().
		Stringer("fulfillment_id", f.ID).
		Stringer("order_id", f.OrderID).
		Int("total_items_fulfilled", f.TotalItemsFulfilled).
		Int("total_items_ordered", f.TotalItemsOrdered).
		Msg("service: fulfillment completed")

	if s.publisher != nil {
		ev, err := event.New(f.OrderID, event.TypeFulfillmentCompleted, map[string]any{
			"fulfillment_id":        f.ID.String(),
			"total_items_ordered":   f.TotalItemsOrdered,
			"total_items_fulfilled": f.TotalItemsFulfilled,
		})
		if err != nil {
			log.Error().Err(err).Stringer("fulfillment_id", f.ID).Msg("service: failed to build fulfillment completion event")
		} else if err := s.publisher.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Stringer("fulfillment_id", f.ID).Msg("service: failed to publish fulfillment completion event")
		}
	}

	if s.stock != nil {
		confirmed := make([]ConfirmedItem, 0, len(f.Items))
		for _, item := range f.Items {
			if item.QuantityFulfilled > 0 {
				confirmed = append(confirmed, ConfirmedItem{ProductID: item.ProductID, Quantity: item.QuantityFulfilled})
			}
		}
		if err := s.stock.FulfillmentConfirmed(ctx, f.OrderID, confirmed); err != nil {
			log.Error().Err(err).Stringer("order_id", f.OrderID).Msg("service: failed to notify stock service")
		}
	}
}

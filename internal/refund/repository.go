package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshlane/order-engine/internal/order"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrRefundNotFound      = errors.New("refund not found")
	ErrRefundStateConflict = errors.New("refund is not in the required state")
	ErrAlreadyCompleted    = errors.New("refund is already completed")
	ErrExceedsOrderTotal   = errors.New("refund would exceed the order total")
	ErrOrderNotRefundable  = errors.New("order is not in a refundable state")
)

// refundableStatuses are the order states money can come back from; they
// match the edges that may cascade into REFUNDED.
var refundableStatuses = map[order.Status]bool{
	order.StatusPaid:       true,
	order.StatusProcessing: true,
	order.StatusDelivered:  true,
	order.StatusCompleted:  true,
}

// StatusChange is a conditional refund-status write: it only applies when
// the refund is still in From.
type StatusChange struct {
	RefundID        uuid.UUID
	From            Status
	To              Status
	ProcessedBy     string
	AdminNotes      string
	GatewayRefundID string
}

type Repository interface {
	Create(ctx context.Context, r *Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*Refund, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error)
	UpdateStatus(ctx context.Context, chg StatusChange) error
	Complete(ctx context.Context, id uuid.UUID) (*Refund, bool, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const refundColumns = `id, refund_number, order_id, user_id, amount, reason, status,
	gateway_refund_id, processed_by, admin_notes, created_at, updated_at, completed_at`

func scanRefund(row pgx.Row) (*Refund, error) {
	var r Refund
	err := row.Scan(
		&r.ID,
		&r.RefundNumber,
		&r.OrderID,
		&r.UserID,
		&r.Amount,
		&r.Reason,
		&r.Status,
		&r.GatewayRefundID,
		&r.ProcessedBy,
		&r.AdminNotes,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create validates the cumulative-refund cap under a lock on the order row,
// so two concurrent requests cannot both slip under the limit.
func (r *postgresRepository) Create(ctx context.Context, refund *Refund) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", refund.OrderID).Msg("repository: failed to rollback CreateRefund transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	var total float64
	var status order.Status
	var userID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT total, status, user_id FROM orders WHERE id = $1 FOR UPDATE`, refund.OrderID).
		Scan(&total, &status, &userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("repository: failed to lock order %s: %w", refund.OrderID, err)
	}

	// The cumulative cap is checked first: a request against an exhausted
	// order reports the cap, not the order state. A fully refunded order is
	// always over the cap, so the status check below never masks it.
	var completedSum float64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE order_id = $1 AND status = 'COMPLETED'`,
		refund.OrderID,
	).Scan(&completedSum)
	if err != nil {
		return fmt.Errorf("repository: failed to sum completed refunds for order %s: %w", refund.OrderID, err)
	}
	if refund.Amount+completedSum > total {
		return ErrExceedsOrderTotal
	}
	if !refundableStatuses[status] {
		return ErrOrderNotRefundable
	}

	now := time.Now().UTC()
	refund.UserID = userID
	refund.Status = StatusPending
	refund.CreatedAt = now
	refund.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO refunds (id, refund_number, order_id, user_id, amount, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, refund.ID, refund.RefundNumber, refund.OrderID, refund.UserID, refund.Amount, refund.Reason, string(refund.Status), now)
	if err != nil {
		return fmt.Errorf("repository: failed to insert refund for order %s: %w", refund.OrderID, err)
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`

	refund, err := scanRefund(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("repository: failed to select refund %s: %w", id, err)
	}
	return refund, nil
}

func (r *postgresRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE order_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query refunds for order %s: %w", orderID, err)
	}
	defer rows.Close()

	refunds := make([]Refund, 0)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan refund for order %s: %w", orderID, err)
		}
		refunds = append(refunds, *refund)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating refunds for order %s: %w", orderID, err)
	}
	return refunds, nil
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, chg StatusChange) error {
	query := `
		UPDATE refunds
		SET status = $1,
		    processed_by = CASE WHEN $2 <> '' THEN $2 ELSE processed_by END,
		    admin_notes = CASE WHEN $3 <> '' THEN $3 ELSE admin_notes END,
		    gateway_refund_id = CASE WHEN $4 <> '' THEN $4 ELSE gateway_refund_id END,
		    updated_at = now()
		WHERE id = $5 AND status = $6
	`
	cmdTag, err := r.db.Exec(ctx, query,
		string(chg.To),
		chg.ProcessedBy,
		chg.AdminNotes,
		chg.GatewayRefundID,
		chg.RefundID,
		string(chg.From),
	)
	if err != nil {
		return fmt.Errorf("repository: failed to update refund %s status: %w", chg.RefundID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		exists := false
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refunds WHERE id = $1)`, chg.RefundID).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check refund %s existence: %w", chg.RefundID, err)
		}
		if !exists {
			return ErrRefundNotFound
		}
		return ErrRefundStateConflict
	}
	return nil
}

// Complete finishes the refund and applies the order cascade in one
// transaction: the order is never observable as fully refunded but still
// PAID. The bool result reports whether the cascade flipped the order to
// REFUNDED.
func (r *postgresRepository) Complete(ctx context.Context, id uuid.UUID) (refund *Refund, cascaded bool, err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return nil, false, fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("refund_id", id).Msg("repository: failed to rollback CompleteRefund transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			refund = nil
			cascaded = false
		}
	}()

	refund, err = scanRefund(tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrRefundNotFound
		}
		return nil, false, fmt.Errorf("repository: failed to lock refund %s: %w", id, err)
	}
	if refund.Status == StatusCompleted {
		return refund, false, ErrAlreadyCompleted
	}
	if refund.Status != StatusProcessing {
		return nil, false, ErrRefundStateConflict
	}

	var total, refundedAmount float64
	var orderStatus order.Status
	err = tx.QueryRow(ctx, `SELECT total, refunded_amount, status FROM orders WHERE id = $1 FOR UPDATE`, refund.OrderID).
		Scan(&total, &refundedAmount, &orderStatus)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to lock order %s: %w", refund.OrderID, err)
	}

	newRefunded := refundedAmount + refund.Amount
	if newRefunded > total {
		return nil, false, ErrExceedsOrderTotal
	}
	fullyRefunded := newRefunded >= total
	// The status flip follows the same legality table as explicit
	// transitions: only orders still in a refundable state move to REFUNDED.
	// An order staff moved on keeps its status; payment fields still update.
	cascadeStatus := fullyRefunded && refundableStatuses[orderStatus]

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE refunds
		SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3
	`, string(StatusCompleted), now, id)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to complete refund %s: %w", id, err)
	}

	paymentStatus := order.PaymentPartiallyRefunded
	if fullyRefunded {
		paymentStatus = order.PaymentRefunded
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET refunded_amount = $1,
		    refund_ids = array_append(refund_ids, $2),
		    payment_status = $3,
		    status = CASE WHEN $4 THEN 'REFUNDED' ELSE status END,
		    updated_at = $5
		WHERE id = $6
	`, newRefunded, id, string(paymentStatus), cascadeStatus, now, refund.OrderID)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to apply refund cascade to order %s: %w", refund.OrderID, err)
	}

	if cascadeStatus {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_status_history (order_id, status, note, actor, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, refund.OrderID, string(order.StatusRefunded), "order fully refunded", "refund-ledger", now)
		if err != nil {
			return nil, false, fmt.Errorf("repository: failed to append refund history for order %s: %w", refund.OrderID, err)
		}
	}

	refund.Status = StatusCompleted
	refund.CompletedAt = &now
	refund.UpdatedAt = now
	return refund, cascadeStatus, nil
}

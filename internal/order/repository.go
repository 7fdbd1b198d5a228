package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshlane/order-engine/internal/event"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// StatusUpdate carries exactly the fields a status transition may touch.
// From is the status the caller validated against; the write is conditional
// on it, so a concurrent transition makes this one fail instead of silently
// overwriting it. A non-nil Event goes into the outbox in the same
// transaction as the status write.
type StatusUpdate struct {
	OrderID       uuid.UUID
	From          Status
	To            Status
	Note          string
	Actor         string
	PaymentStatus *PaymentStatus
	PaymentRef    string
	At            time.Time
	Event         *event.Event
}

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateStatus(ctx context.Context, upd StatusUpdate) error
	History(ctx context.Context, orderID uuid.UUID) ([]StatusHistory, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const orderColumns = `id, order_number, user_id, status, payment_status, fulfillment_type,
	subtotal, tax, delivery_fee, discount, total, refunded_amount, refund_ids, payment_ref,
	slot_date, slot_start, created_at, updated_at, completed_at, cancelled_at, actual_delivery_time`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.Status,
		&o.PaymentStatus,
		&o.FulfillmentType,
		&o.Subtotal,
		&o.Tax,
		&o.DeliveryFee,
		&o.Discount,
		&o.Total,
		&o.RefundedAmount,
		&o.RefundIDs,
		&o.PaymentRef,
		&o.SlotDate,
		&o.SlotStart,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.CompletedAt,
		&o.CancelledAt,
		&o.ActualDelivery,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts the order, its items and the initial history row in one
// transaction.
func (r *postgresRepository) Create(ctx context.Context, o *Order) (err error) {
	if o.ID == uuid.Nil {
		genID, genErr := uuid.NewV4()
		if genErr != nil {
			return fmt.Errorf("repository: failed to generate order ID: %w", genErr)
		}
		o.ID = genID
	}

	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", o.ID).Msg("repository: failed to rollback CreateOrder transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	queryOrder := `
		INSERT INTO orders (id, order_number, user_id, status, payment_status, fulfillment_type,
			subtotal, tax, delivery_fee, discount, total, refunded_amount, refund_ids, payment_ref,
			slot_date, slot_start, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, '{}', '', $12, $13, $14, $14)
	`
	_, err = tx.Exec(ctx, queryOrder,
		o.ID,
		o.OrderNumber,
		o.UserID,
		string(o.Status),
		string(o.PaymentStatus),
		string(o.FulfillmentType),
		o.Subtotal,
		o.Tax,
		o.DeliveryFee,
		o.Discount,
		o.Total,
		o.SlotDate,
		o.SlotStart,
		now,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	queryItem := `
		INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i := range o.Items {
		item := &o.Items[i]
		itemID, genErr := uuid.NewV4()
		if genErr != nil {
			return fmt.Errorf("repository: failed to generate order item ID: %w", genErr)
		}
		item.ID = itemID
		item.OrderID = o.ID
		item.CreatedAt = now

		_, err = tx.Exec(ctx, queryItem,
			item.ID,
			o.ID,
			item.ProductID,
			item.ProductName,
			item.Quantity,
			item.UnitPrice,
			now,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
		}
	}

	queryHistory := `
		INSERT INTO order_status_history (order_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.Exec(ctx, queryHistory, o.ID, string(o.Status), "order created", "system", now)
	if err != nil {
		return fmt.Errorf("repository: failed to insert initial status history for order %s: %w", o.ID, err)
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *postgresRepository) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`

	o, err := scanOrder(r.db.QueryRow(ctx, query, orderNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by number %s: %w", orderNumber, err)
	}

	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, o *Order) error {
	query := `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, o.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to query order items for order %s: %w", o.ID, err)
	}
	defer rows.Close()

	items := make([]OrderItem, 0)
	for rows.Next() {
		var item OrderItem
		err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("repository: failed to scan order item for order %s: %w", o.ID, err)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("repository: error iterating order items for order %s: %w", o.ID, err)
	}
	o.Items = items
	return nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user %s: %w", userID, err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order for user %s: %w", userID, err)
		}
		orders = append(orders, *o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating orders for user %s: %w", userID, err)
	}

	for i := range orders {
		if err := r.loadItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// UpdateStatus writes the new status, the history row and the optional
// outbox event in one transaction. The UPDATE is conditional on the status
// the caller saw, so two actors racing on the same order serialize and the
// loser gets ErrStatusConflict.
func (r *postgresRepository) UpdateStatus(ctx context.Context, upd StatusUpdate) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", upd.OrderID).Msg("repository: failed to rollback UpdateStatus transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `
		UPDATE orders
		SET status = $1,
		    updated_at = $2,
		    payment_status = COALESCE($3, payment_status),
		    payment_ref = CASE WHEN $4 <> '' THEN $4 ELSE payment_ref END,
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $2 ELSE cancelled_at END,
		    actual_delivery_time = CASE WHEN $1 = 'DELIVERED' THEN $2 ELSE actual_delivery_time END
		WHERE id = $5 AND status = $6
	`
	var paymentStatus *string
	if upd.PaymentStatus != nil {
		s := string(*upd.PaymentStatus)
		paymentStatus = &s
	}
	cmdTag, err := tx.Exec(ctx, query,
		string(upd.To),
		at,
		paymentStatus,
		upd.PaymentRef,
		upd.OrderID,
		string(upd.From),
	)
	if err != nil {
		return fmt.Errorf("repository: failed to update order status for %s: %w", upd.OrderID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		exists := false
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, upd.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check order %s existence: %w", upd.OrderID, err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStatusConflict
	}

	queryHistory := `
		INSERT INTO order_status_history (order_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.Exec(ctx, queryHistory, upd.OrderID, string(upd.To), upd.Note, upd.Actor, at)
	if err != nil {
		return fmt.Errorf("repository: failed to insert status history for order %s: %w", upd.OrderID, err)
	}

	if upd.Event != nil {
		if err = event.InsertTx(ctx, tx, *upd.Event); err != nil {
			return fmt.Errorf("repository: failed to insert outbox event for order %s: %w", upd.OrderID, err)
		}
	}

	return nil
}

func (r *postgresRepository) History(ctx context.Context, orderID uuid.UUID) ([]StatusHistory, error) {
	query := `
		SELECT id, order_id, status, note, actor, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query status history for order %s: %w", orderID, err)
	}
	defer rows.Close()

	entries := make([]StatusHistory, 0)
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Status, &h.Note, &h.Actor, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan status history for order %s: %w", orderID, err)
		}
		entries = append(entries, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating status history for order %s: %w", orderID, err)
	}
	return entries, nil
}

func (r *postgresRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at LIMIT $2`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query stale pending orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan stale pending order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating stale pending orders: %w", err)
	}

	for i := range orders {
		if err := r.loadItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

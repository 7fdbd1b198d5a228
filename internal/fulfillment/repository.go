package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrFulfillmentNotFound = errors.New("fulfillment not found")
	ErrItemNotFound        = errors.New("fulfillment item not found")
	ErrFulfillmentClosed   = errors.New("fulfillment is completed or cancelled")
	ErrIncompleteItems     = errors.New("fulfillment still has pending items")
	ErrNotStartable        = errors.New("fulfillment cannot be started in its current state")
)

// ItemUpdate carries the derived state for one item write. Totals and the
// completion flag are recomputed inside the same transaction, so readers
// never see them disagree with the item rows.
type ItemUpdate struct {
	FulfillmentID     uuid.UUID
	Index             int
	QuantityFulfilled int
	Status            ItemStatus
	ProcessedBy       string
	Notes             string
	At                time.Time
}

type Repository interface {
	Create(ctx context.Context, f *Fulfillment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Fulfillment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Fulfillment, error)
	Start(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
	UpdateItem(ctx context.Context, upd ItemUpdate) (*Fulfillment, error)
	Complete(ctx context.Context, id uuid.UUID, actor, notes string, at time.Time) (*Fulfillment, bool, error)
	Cancel(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
	AddNotes(ctx context.Context, id uuid.UUID, notes string) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const fulfillmentColumns = `id, order_id, status, total_items_ordered, total_items_fulfilled,
	started_by, started_at, completed_by, completed_at, notes, created_at, updated_at`

func scanFulfillment(row pgx.Row) (*Fulfillment, error) {
	var f Fulfillment
	err := row.Scan(
		&f.ID,
		&f.OrderID,
		&f.Status,
		&f.TotalItemsOrdered,
		&f.TotalItemsFulfilled,
		&f.StartedBy,
		&f.StartedAt,
		&f.CompletedBy,
		&f.CompletedAt,
		&f.Notes,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *postgresRepository) Create(ctx context.Context, f *Fulfillment) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("fulfillment_id", f.ID).Msg("repository: failed to rollback CreateFulfillment transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	queryFulfillment := `
		INSERT INTO fulfillments (id, order_id, status, total_items_ordered, total_items_fulfilled, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, '', $5, $5)
	`
	_, err = tx.Exec(ctx, queryFulfillment, f.ID, f.OrderID, string(f.Status), f.TotalItemsOrdered, now)
	if err != nil {
		return fmt.Errorf("repository: failed to insert fulfillment for order %s: %w", f.OrderID, err)
	}

	queryItem := `
		INSERT INTO fulfillment_items (id, fulfillment_id, item_index, product_id, product_name, quantity_ordered, quantity_fulfilled, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`
	for i := range f.Items {
		item := &f.Items[i]
		itemID, genErr := uuid.NewV4()
		if genErr != nil {
			return fmt.Errorf("repository: failed to generate fulfillment item ID: %w", genErr)
		}
		item.ID = itemID
		item.FulfillmentID = f.ID

		_, err = tx.Exec(ctx, queryItem,
			item.ID,
			f.ID,
			item.Index,
			item.ProductID,
			item.ProductName,
			item.QuantityOrdered,
			string(item.Status),
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert fulfillment item %d for %s: %w", item.Index, f.ID, err)
		}
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Fulfillment, error) {
	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillments WHERE id = $1`

	f, err := scanFulfillment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("repository: failed to select fulfillment %s: %w", id, err)
	}
	if err := r.loadItems(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *postgresRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Fulfillment, error) {
	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillments WHERE order_id = $1`

	f, err := scanFulfillment(r.db.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("repository: failed to select fulfillment for order %s: %w", orderID, err)
	}
	if err := r.loadItems(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, f *Fulfillment) error {
	query := `
		SELECT id, fulfillment_id, item_index, product_id, product_name, quantity_ordered, quantity_fulfilled, status, processed_by, processed_at, notes
		FROM fulfillment_items
		WHERE fulfillment_id = $1
		ORDER BY item_index
	`
	rows, err := r.db.Query(ctx, query, f.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to query items for fulfillment %s: %w", f.ID, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		err := rows.Scan(
			&item.ID,
			&item.FulfillmentID,
			&item.Index,
			&item.ProductID,
			&item.ProductName,
			&item.QuantityOrdered,
			&item.QuantityFulfilled,
			&item.Status,
			&item.ProcessedBy,
			&item.ProcessedAt,
			&item.Notes,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to scan item for fulfillment %s: %w", f.ID, err)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("repository: error iterating items for fulfillment %s: %w", f.ID, err)
	}
	f.Items = items
	return nil
}

func (r *postgresRepository) Start(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	query := `
		UPDATE fulfillments
		SET status = $1, started_by = $2, started_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	cmdTag, err := r.db.Exec(ctx, query, string(StatusInProgress), actor, at, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("repository: failed to start fulfillment %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		exists := false
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fulfillments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check fulfillment %s existence: %w", id, err)
		}
		if !exists {
			return ErrFulfillmentNotFound
		}
		return ErrNotStartable
	}
	return nil
}

// UpdateItem writes the item and recomputes the parent's totals and
// completion flag in one transaction.
func (r *postgresRepository) UpdateItem(ctx context.Context, upd ItemUpdate) (f *Fulfillment, err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return nil, fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("fulfillment_id", upd.FulfillmentID).Msg("repository: failed to rollback UpdateItem transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			f = nil
		}
	}()

	// Lock the parent so concurrent item updates serialize and the totals
	// recomputed below stay consistent.
	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM fulfillments WHERE id = $1 FOR UPDATE`, upd.FulfillmentID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFulfillmentNotFound
		}
		return nil, fmt.Errorf("repository: failed to lock fulfillment %s: %w", upd.FulfillmentID, err)
	}
	if status == StatusCompleted || status == StatusCancelled {
		return nil, ErrFulfillmentClosed
	}

	queryItem := `
		UPDATE fulfillment_items
		SET quantity_fulfilled = $1,
		    status = $2,
		    processed_by = $3,
		    processed_at = $4,
		    notes = CASE WHEN $5 <> '' THEN $5 ELSE notes END
		WHERE fulfillment_id = $6 AND item_index = $7
	`
	cmdTag, err := tx.Exec(ctx, queryItem,
		upd.QuantityFulfilled,
		string(upd.Status),
		upd.ProcessedBy,
		upd.At,
		upd.Notes,
		upd.FulfillmentID,
		upd.Index,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to update item %d of fulfillment %s: %w", upd.Index, upd.FulfillmentID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrItemNotFound
	}

	var totalFulfilled, pendingCount int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity_fulfilled), 0), COUNT(*) FILTER (WHERE status = 'PENDING')
		FROM fulfillment_items
		WHERE fulfillment_id = $1
	`, upd.FulfillmentID).Scan(&totalFulfilled, &pendingCount)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to recompute totals for fulfillment %s: %w", upd.FulfillmentID, err)
	}

	if pendingCount == 0 {
		// Last item processed: completion commits with the item write.
		_, err = tx.Exec(ctx, `
			UPDATE fulfillments
			SET total_items_fulfilled = $1, status = $2, completed_by = $3, completed_at = $4, updated_at = $4
			WHERE id = $5
		`, totalFulfilled, string(StatusCompleted), upd.ProcessedBy, upd.At, upd.FulfillmentID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE fulfillments
			SET total_items_fulfilled = $1, updated_at = $2
			WHERE id = $3
		`, totalFulfilled, upd.At, upd.FulfillmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to update totals for fulfillment %s: %w", upd.FulfillmentID, err)
	}

	f, err = r.getInTx(ctx, tx, upd.FulfillmentID)
	return f, err
}

// Complete flips the fulfillment to COMPLETED. The bool result reports
// whether this call did the flip; it is decided under the row lock, so two
// racing callers cannot both see it true.
func (r *postgresRepository) Complete(ctx context.Context, id uuid.UUID, actor, notes string, at time.Time) (f *Fulfillment, completedNow bool, err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return nil, false, fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("fulfillment_id", id).Msg("repository: failed to rollback Complete transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			f = nil
			completedNow = false
		}
	}()

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM fulfillments WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrFulfillmentNotFound
		}
		return nil, false, fmt.Errorf("repository: failed to lock fulfillment %s: %w", id, err)
	}
	if status == StatusCancelled {
		return nil, false, ErrFulfillmentClosed
	}
	if status == StatusCompleted {
		// Manual completion of an already-completed fulfillment is a no-op.
		f, err = r.getInTx(ctx, tx, id)
		return f, false, err
	}

	var pendingCount int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM fulfillment_items WHERE fulfillment_id = $1 AND status = 'PENDING'`, id).Scan(&pendingCount)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to count pending items for fulfillment %s: %w", id, err)
	}
	if pendingCount > 0 {
		return nil, false, ErrIncompleteItems
	}

	_, err = tx.Exec(ctx, `
		UPDATE fulfillments
		SET status = $1, completed_by = $2, completed_at = $3, updated_at = $3,
		    notes = CASE WHEN $4 <> '' THEN $4 ELSE notes END
		WHERE id = $5
	`, string(StatusCompleted), actor, at, notes, id)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to complete fulfillment %s: %w", id, err)
	}

	f, err = r.getInTx(ctx, tx, id)
	return f, true, err
}

func (r *postgresRepository) getInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Fulfillment, error) {
	f, err := scanFulfillment(tx.QueryRow(ctx, `SELECT `+fulfillmentColumns+` FROM fulfillments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("repository: failed to reload fulfillment %s: %w", id, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, fulfillment_id, item_index, product_id, product_name, quantity_ordered, quantity_fulfilled, status, processed_by, processed_at, notes
		FROM fulfillment_items
		WHERE fulfillment_id = $1
		ORDER BY item_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to reload items for fulfillment %s: %w", id, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		err := rows.Scan(
			&item.ID,
			&item.FulfillmentID,
			&item.Index,
			&item.ProductID,
			&item.ProductName,
			&item.QuantityOrdered,
			&item.QuantityFulfilled,
			&item.Status,
			&item.ProcessedBy,
			&item.ProcessedAt,
			&item.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan item for fulfillment %s: %w", id, err)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating items for fulfillment %s: %w", id, err)
	}
	f.Items = items
	return f, nil
}

func (r *postgresRepository) Cancel(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	query := `
		UPDATE fulfillments
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	cmdTag, err := r.db.Exec(ctx, query, string(StatusCancelled), at, id, string(StatusPending), string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("repository: failed to cancel fulfillment %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		exists := false
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fulfillments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check fulfillment %s existence: %w", id, err)
		}
		if !exists {
			return ErrFulfillmentNotFound
		}
		return ErrFulfillmentClosed
	}
	log.Info().Stringer("fulfillment_id", id).Str("actor", actor).Msg("repository: fulfillment cancelled")
	return nil
}

func (r *postgresRepository) AddNotes(ctx context.Context, id uuid.UUID, notes string) error {
	query := `
		UPDATE fulfillments
		SET notes = CASE WHEN notes = '' THEN $1 ELSE notes || E'\n' || $1 END,
		    updated_at = now()
		WHERE id = $2
	`
	cmdTag, err := r.db.Exec(ctx, query, notes, id)
	if err != nil {
		return fmt.Errorf("repository: failed to add notes to fulfillment %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrFulfillmentNotFound
	}
	return nil
}

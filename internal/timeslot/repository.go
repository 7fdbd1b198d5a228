package timeslot

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
	ErrSlotNotFound    = errors.New("time slot not found")
	ErrSlotFull        = errors.New("time slot is full")
	ErrSlotUnavailable = errors.New("time slot is not accepting reservations")
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	GetOrCreate(ctx context.Context, date time.Time, startTime, endTime string, maxOrders, maxItems int) (*TimeSlot, error)
	Reserve(ctx context.Context, date time.Time, startTime string, itemCount int) (*TimeSlot, error)
	Release(ctx context.Context, date time.Time, startTime string, itemCount int) error
	ListByDate(ctx context.Context, date time.Time) ([]TimeSlot, error)
	SetAvailability(ctx context.Context, id uuid.UUID, isAvailable bool) error
	InsertMissing(ctx context.Context, slots []TimeSlot) (int, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const slotColumns = `id, slot_date, start_time, end_time, max_orders, current_orders, max_items, current_items, is_available, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.MaxOrders,
		&s.CurrentOrders,
		&s.MaxItems,
		&s.CurrentItems,
		&s.IsAvailable,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM time_slots WHERE id = $1`

	slot, err := scanSlot(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("repository: failed to select time slot %s: %w", id, err)
	}
	return slot, nil
}

// GetOrCreate materializes the slot for (date, startTime) at the given
// capacity if no one pre-generated it. The insert is conflict-safe so two
// concurrent checkouts for a fresh slot both end up with the same row.
func (r *postgresRepository) GetOrCreate(ctx context.Context, date time.Time, startTime, endTime string, maxOrders, maxItems int) (*TimeSlot, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("repository: failed to generate slot ID: %w", err)
	}
	now := time.Now().UTC()

	insert := `
		INSERT INTO time_slots (id, slot_date, start_time, end_time, max_orders, max_items, is_available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (slot_date, start_time) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, id, date, startTime, endTime, maxOrders, maxItems, now); err != nil {
		return nil, fmt.Errorf("repository: failed to create time slot for %s %s: %w", date.Format("2006-01-02"), startTime, err)
	}

	query := `SELECT ` + slotColumns + ` FROM time_slots WHERE slot_date = $1 AND start_time = $2`
	slot, err := scanSlot(r.db.QueryRow(ctx, query, date, startTime))
	if err != nil {
		return nil, fmt.Errorf("repository: failed to select time slot for %s %s: %w", date.Format("2006-01-02"), startTime, err)
	}
	return slot, nil
}

// Reserve is a single conditional UPDATE: the capacity check and both
// increments commit together, so two checkouts racing for the last unit of
// capacity cannot both succeed.
func (r *postgresRepository) Reserve(ctx context.Context, date time.Time, startTime string, itemCount int) (*TimeSlot, error) {
	query := `
		UPDATE time_slots
		SET current_orders = current_orders + 1,
		    current_items = current_items + $3,
		    updated_at = now()
		WHERE slot_date = $1
		  AND start_time = $2
		  AND is_available
		  AND current_orders < max_orders
		  AND current_items + $3 <= max_items
		RETURNING ` + slotColumns

	slot, err := scanSlot(r.db.QueryRow(ctx, query, date, startTime, itemCount))
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository: failed to reserve time slot for %s %s: %w", date.Format("2006-01-02"), startTime, err)
	}

	// The guard rejected the write. Re-read to say why.
	check := `SELECT ` + slotColumns + ` FROM time_slots WHERE slot_date = $1 AND start_time = $2`
	existing, checkErr := scanSlot(r.db.QueryRow(ctx, check, date, startTime))
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("repository: failed to inspect time slot for %s %s: %w", date.Format("2006-01-02"), startTime, checkErr)
	}
	if !existing.IsAvailable {
		return nil, ErrSlotUnavailable
	}
	return nil, ErrSlotFull
}

// Release is the inverse decrement, floored at zero so a stray double
// release never drives a counter negative.
func (r *postgresRepository) Release(ctx context.Context, date time.Time, startTime string, itemCount int) error {
	query := `
		UPDATE time_slots
		SET current_orders = GREATEST(current_orders - 1, 0),
		    current_items = GREATEST(current_items - $3, 0),
		    updated_at = now()
		WHERE slot_date = $1 AND start_time = $2
	`
	cmdTag, err := r.db.Exec(ctx, query, date, startTime, itemCount)
	if err != nil {
		return fmt.Errorf("repository: failed to release time slot for %s %s: %w", date.Format("2006-01-02"), startTime, err)
	}
	if cmdTag.RowsAffected() == 0 {
		log.Warn().Str("slot_date", date.Format("2006-01-02")).Str("start_time", startTime).Msg("repository: release for unknown time slot ignored")
	}
	return nil
}

func (r *postgresRepository) ListByDate(ctx context.Context, date time.Time) ([]TimeSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM time_slots WHERE slot_date = $1 ORDER BY start_time`

	rows, err := r.db.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query time slots for %s: %w", date.Format("2006-01-02"), err)
	}
	defer rows.Close()

	slots := make([]TimeSlot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan time slot for %s: %w", date.Format("2006-01-02"), err)
		}
		slots = append(slots, *slot)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating time slots for %s: %w", date.Format("2006-01-02"), err)
	}
	return slots, nil
}

func (r *postgresRepository) SetAvailability(ctx context.Context, id uuid.UUID, isAvailable bool) error {
	query := `UPDATE time_slots SET is_available = $1, updated_at = now() WHERE id = $2`

	cmdTag, err := r.db.Exec(ctx, query, isAvailable, id)
	if err != nil {
		return fmt.Errorf("repository: failed to set availability for time slot %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// InsertMissing bulk-inserts pre-generated slots, skipping (date, startTime)
// keys that already exist. Returns the number of slots created.
func (r *postgresRepository) InsertMissing(ctx context.Context, slots []TimeSlot) (int, error) {
	created := 0
	now := time.Now().UTC()

	query := `
		INSERT INTO time_slots (id, slot_date, start_time, end_time, max_orders, max_items, is_available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (slot_date, start_time) DO NOTHING
	`
	for i := range slots {
		s := &slots[i]
		id, err := uuid.NewV4()
		if err != nil {
			return created, fmt.Errorf("repository: failed to generate slot ID: %w", err)
		}
		cmdTag, err := r.db.Exec(ctx, query, id, s.Date, s.StartTime, s.EndTime, s.MaxOrders, s.MaxItems, now)
		if err != nil {
			return created, fmt.Errorf("repository: failed to insert time slot for %s %s: %w", s.Date.Format("2006-01-02"), s.StartTime, err)
		}
		created += int(cmdTag.RowsAffected())
	}
	return created, nil
}

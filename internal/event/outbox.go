package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxStore persists events in the outbox table. The relay drains pending
// rows and forwards them to the broker, so a broker outage never blocks a
// state transition.
type OutboxStore struct {
	pool *pgxpool.Pool
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

type OutboxRecord struct {
	ID        int64
	Event     Event
	CreatedAt time.Time
	SentAt    *time.Time
}

func (s *OutboxStore) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("outbox: failed to marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO outbox (event_id, order_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
		ev.EventID, ev.OrderID, ev.Type, data,
	)
	if err != nil {
		return fmt.Errorf("outbox: failed to insert event: %w", err)
	}
	return nil
}

// InsertTx writes the event into the outbox inside the caller's transaction,
// so the event commits or rolls back together with the state change it
// describes.
func InsertTx(ctx context.Context, tx pgx.Tx, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("outbox: failed to marshal payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (event_id, order_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
		ev.EventID, ev.OrderID, ev.Type, data,
	)
	if err != nil {
		return fmt.Errorf("outbox: failed to insert event: %w", err)
	}
	return nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, order_id, event_type, payload, created_at, sent_at
		 FROM outbox
		 WHERE sent_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to query pending events: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Event.EventID, &rec.Event.OrderID, &rec.Event.Type, &payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("outbox: failed to scan pending event: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Event.Payload); err != nil {
			return nil, fmt.Errorf("outbox: failed to unmarshal payload for event %d: %w", rec.ID, err)
		}
		rec.Event.OccurredAt = rec.CreatedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: failed to mark event %d sent: %w", id, err)
	}
	return nil
}

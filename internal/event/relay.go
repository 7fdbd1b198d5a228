package event

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Relay drains the outbox and publishes events to the notification topic.
// With no brokers configured it only logs, which keeps local runs and tests
// broker-free.
type Relay struct {
	store  *OutboxStore
	writer *kafka.Writer
}

func NewRelay(store *OutboxStore, brokersCSV, topic string) *Relay {
	r := &Relay{store: store}

	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) > 0 {
		r.writer = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return r
}

func (r *Relay) Close() error {
	if r.writer != nil {
		return r.writer.Close()
	}
	return nil
}

// Run drains the outbox on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				log.Error().Err(err).Msg("relay: failed to drain outbox")
			}
		}
	}
}

func (r *Relay) drain(ctx context.Context) error {
	records, err := r.store.FetchPending(ctx, 100)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := r.send(ctx, rec); err != nil {
			// Leave the row pending; it will be retried on the next tick.
			log.Warn().Err(err).Int64("outbox_id", rec.ID).Str("event_type", rec.Event.Type).Msg("relay: failed to publish event")
			continue
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) send(ctx context.Context, rec OutboxRecord) error {
	if r.writer == nil {
		log.Debug().Stringer("order_id", rec.Event.OrderID).Str("event_type", rec.Event.Type).Msg("relay: no brokers configured, dropping event")
		return nil
	}
	data, err := json.Marshal(rec.Event)
	if err != nil {
		return err
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Event.OrderID.String()),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// OrderExpirer cancels PENDING orders whose payment never arrived.
type OrderExpirer interface {
	ExpireStalePending(ctx context.Context, ttl time.Duration) (int, error)
}

// Sweeper periodically expires stale PENDING orders. Multiple instances can
// run the sweep concurrently; each order is cancelled exactly once.
type Sweeper struct {
	orders   OrderExpirer
	interval time.Duration
	ttl      time.Duration
}

func New(orders OrderExpirer, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{orders: orders, interval: interval, ttl: ttl}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Dur("pending_ttl", s.ttl).Msg("sweep: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep: stopped")
			return
		case <-ticker.C:
			expired, err := s.orders.ExpireStalePending(ctx, s.ttl)
			if err != nil {
				log.Error().Err(err).Msg("sweep: failed to expire stale orders")
				continue
			}
			if expired > 0 {
				log.Info().Int("expired", expired).Msg("sweep: cancelled stale pending orders")
			}
		}
	}
}

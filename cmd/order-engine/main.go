package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freshlane/order-engine/internal/config"
	"github.com/freshlane/order-engine/internal/db"
	"github.com/freshlane/order-engine/internal/event"
	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/refund"
	"github.com/freshlane/order-engine/internal/sweep"
	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/freshlane/order-engine/internal/transport"
	"github.com/freshlane/order-engine/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "order-engine").Logger()

	log.Info().Msg("Order engine starting...")

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	dbConn, err := db.New(cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	m := metrics.New("api")
	outbox := event.NewOutboxStore(dbConn.Pool)

	slotSvc := timeslot.NewService(
		timeslot.NewRepository(dbConn.Pool),
		timeslot.Defaults{MaxOrders: cfg.Slots.DefaultMaxOrders, MaxItems: cfg.Slots.DefaultMaxItems},
		m,
	)
	stockNotifier := fulfillment.NewOutboxStockNotifier(outbox)
	fulfillmentSvc := fulfillment.NewService(fulfillment.NewRepository(dbConn.Pool), outbox, stockNotifier)
	orderSvc := order.NewService(order.NewRepository(dbConn.Pool), slotSvc, fulfillmentSvc, m)
	// No payment gateway client is configured here: transfers run out of
	// band and their references arrive through the process endpoint.
	refundSvc := refund.NewService(refund.NewRepository(dbConn.Pool), nil, outbox, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := event.NewRelay(outbox, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer relay.Close()
	go relay.Run(ctx, 5*time.Second)

	sweeper := sweep.New(orderSvc, cfg.Sweep.Interval, cfg.Sweep.PendingTTL)
	go sweeper.Run(ctx)

	router := transport.NewRouter(transport.Services{
		Orders:       orderSvc,
		Fulfillments: fulfillmentSvc,
		TimeSlots:    slotSvc,
		Refunds:      refundSvc,
	}, m)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the engine. A single instance
// is created in main and shared through the transport and services.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	Reservations    *prometheus.CounterVec
	Refunds         *prometheus.CounterVec
	SlotUtilization *prometheus.GaugeVec
}

func New(service string) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "order_transitions_total",
		Help:      "Committed order status transitions.",
	}, []string{"to_status"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "slot_reservations_total",
		Help:      "Time slot reservation attempts by outcome.",
	}, []string{"result"})
	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "refunds_total",
		Help:      "Refund state changes by resulting status.",
	}, []string{"status"})
	slotUtilization := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "order_engine",
		Subsystem: service,
		Name:      "slot_utilization_percent",
		Help:      "Capacity percentage of a time slot (max of order and item utilization).",
	}, []string{"slot_date", "start_time"})

	prometheus.MustRegister(requests, latency, transitions, reservations, refunds, slotUtilization)
	return &Metrics{
		Requests:        requests,
		LatencyMS:       latency,
		Transitions:     transitions,
		Reservations:    reservations,
		Refunds:         refunds,
		SlotUtilization: slotUtilization,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/freshlane/order-engine/internal/fulfillment"
	"github.com/freshlane/order-engine/internal/handler"
	"github.com/freshlane/order-engine/internal/order"
	"github.com/freshlane/order-engine/internal/refund"
	"github.com/freshlane/order-engine/internal/timeslot"
	"github.com/freshlane/order-engine/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Services bundles the domain services the router exposes.
type Services struct {
	Orders       order.Service
	Fulfillments fulfillment.Service
	TimeSlots    timeslot.Service
	Refunds      refund.Service
}

func NewRouter(svcs Services, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(requestMetrics(m))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if m != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	oh := handler.NewOrderHandler(svcs.Orders)
	fh := handler.NewFulfillmentHandler(svcs.Fulfillments)
	th := handler.NewTimeSlotHandler(svcs.TimeSlots)
	rh := handler.NewRefundHandler(svcs.Refunds)

	r.Post("/orders", oh.Checkout)
	r.Get("/orders/{id}", oh.GetByID)
	r.Get("/orders/{id}/history", oh.GetStatusHistory)
	r.Post("/orders/{id}/status", oh.UpdateStatus)
	r.Get("/users/{userID}/orders", oh.ListByUser)
	r.Post("/payments/confirm", oh.ConfirmPayment)

	r.Get("/fulfillments/{id}", fh.GetByID)
	r.Get("/orders/{orderID}/fulfillment", fh.GetByOrderID)
	r.Post("/fulfillments/{id}/start", fh.Start)
	r.Patch("/fulfillments/{id}/items/{index}", fh.UpdateItem)
	r.Post("/fulfillments/{id}/complete", fh.Complete)
	r.Post("/fulfillments/{id}/cancel", fh.Cancel)
	r.Post("/fulfillments/{id}/notes", fh.AddNotes)

	r.Get("/slots", th.ListByDate)
	r.Post("/slots/generate", th.Generate)
	r.Patch("/slots/{id}/availability", th.ToggleAvailability)

	r.Post("/refunds", rh.Create)
	r.Get("/refunds/{id}", rh.GetByID)
	r.Get("/orders/{orderID}/refunds", rh.ListByOrder)
	r.Post("/refunds/{id}/approve", rh.Approve)
	r.Post("/refunds/{id}/reject", rh.Reject)
	r.Post("/refunds/{id}/process", rh.Process)
	r.Post("/refunds/{id}/complete", rh.Complete)
	r.Post("/refunds/{id}/fail", rh.Fail)

	return r
}

// requestMetrics records a count and latency per route pattern and status.
func requestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			m.Requests.WithLabelValues(r.Method+" "+pattern, strconv.Itoa(ww.Status())).Inc()
			m.LatencyMS.WithLabelValues(r.Method + " " + pattern).Observe(float64(time.Since(start).Milliseconds()))
		})
	}
}

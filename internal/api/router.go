/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their handlers and applies middleware for
 * request ids, logging, panic recovery, timeouts, metrics and internal auth.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PayoutRoutes creates and returns the router for the payout service.
func PayoutRoutes(h *PayoutHandlers, wh *WebhookHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks carry their own HMAC signature instead of the internal key.
	r.Get("/webhook", wh.VerifyEndpointHandler)
	r.Post("/webhook", wh.ReceiveHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/payouts", h.CreatePayoutHandler)
		r.Post("/payouts/batch", h.BatchPayoutHandler)
		r.Get("/payouts", h.ListPayoutsHandler)
		r.Get("/payouts/{id}", h.GetPayoutHandler)
		r.Post("/payouts/{id}/retry", h.RetryPayoutHandler)
		r.Delete("/payouts/{id}", h.DeletePayoutHandler)
	})

	return r
}

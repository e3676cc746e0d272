/**
 * @description
 * This file sets up the HTTP router for the custody-service. It exposes the provider
 * webhook, the health check, Prometheus metrics and the internal operations API used by
 * the platform and by custodyctl.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the internal API.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CustodyRoutes creates and returns the router for the custody service.
func CustodyRoutes(h *CustodyHandlers, metrics http.Handler, internalKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// Provider webhooks authenticate with their own signature header.
	r.Post("/webhook", h.WebhookHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"https://*", "http://*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", InternalAPIKeyHeader},
			MaxAge:         300,
		}))
		r.Use(InternalAuthMiddleware(internalKey))

		r.Get("/streams", h.StreamStatusHandler)
		r.Post("/transactions", h.CreateCustodyTransactionHandler)
		r.Get("/transactions/{id}", h.GetCustodyTransactionHandler)
		r.Post("/reconcile", h.ReconcileHandler)
		r.Post("/events/{id}/replay", h.ReplayEventHandler)
	})

	return r
}

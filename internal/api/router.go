// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradebridge/tradebridge/internal/config"
)

// NewRouter assembles the broker's HTTP surface. Health and metrics
// stay outside the shared-secret pre-filter so probes and scrapers
// work without credentials; everything else sits behind the full
// pre-filter chain.
func NewRouter(h *Handlers, cfg config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(CORS(cfg.Security.CORSOrigins))

	// Unauthenticated probes.
	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Authenticated, rate-limited API.
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(cfg.Security))
		r.Use(APIKeyAuth(cfg.Security.APIKey))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.HandleIngest)
			r.Get("/pending", h.HandlePoll)
			r.Get("/{id}", h.HandleGetOrder)
			r.Post("/{id}/processed", h.HandleAck)
			r.Post("/{id}/retry", h.HandleRetry)
		})

		r.Get("/stats", h.HandleStats)
		r.Get("/queue", h.HandleQueue)
		r.Get("/status", h.HandleStatus)

		r.Post("/ticket-map", h.HandlePutMapping)
		r.Get("/ticket-map/{source_ticket}", h.HandleGetMapping)
	})

	return r
}

// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package api serves the ops/admin surface and mounts the gateway as
// the fallback handler for all remaining traffic.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pernix-io/pernix/internal/config"
)

// NewRouter assembles the full HTTP surface: health and Prometheus
// endpoints at the root, the ops API under /api/v1/ops, and the gateway
// handling everything else. A nil gateway leaves non-ops paths at 404,
// which the tests use.
func NewRouter(cfg config.OpsConfig, h *Handler, gateway http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORSMiddleware(cfg))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/ops", func(r chi.Router) {
		r.Use(OpsRateLimit(cfg))
		r.Use(SecurityHeaders())
		r.Use(BearerAuth(cfg.BearerToken))

		r.Get("/stats", h.Stats)
		r.Get("/watermarks", h.Watermarks)
		r.Delete("/idempotency", h.DeleteIdempotency)
		r.Post("/ratelimit/reset", h.RateLimitReset)
		r.Post("/purge", h.Purge)
	})

	if gateway != nil {
		r.NotFound(gateway.ServeHTTP)
		r.MethodNotAllowed(gateway.ServeHTTP)
	}
	return r
}

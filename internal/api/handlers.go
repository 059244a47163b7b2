// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pernix-io/pernix/internal/idempotency"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/ratelimit"
	"github.com/pernix-io/pernix/internal/stats"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/validation"
	"github.com/pernix-io/pernix/internal/watermark"
)

// Handler serves the ops/admin endpoints over the component stores.
type Handler struct {
	stats   *stats.Aggregator
	marks   *watermark.Store
	idem    *idempotency.Store
	limiter *ratelimit.Registry
	purger  *purge.Manager
	tenant  *tenant.Generator

	startedAt time.Time
	log       zerolog.Logger
}

// NewHandler wires the ops handlers to their stores. The purge manager
// may be nil when purging is disabled.
func NewHandler(agg *stats.Aggregator, marks *watermark.Store, idem *idempotency.Store, limiter *ratelimit.Registry, purger *purge.Manager, gen *tenant.Generator) *Handler {
	return &Handler{
		stats:     agg,
		marks:     marks,
		idem:      idem,
		limiter:   limiter,
		purger:    purger,
		tenant:    gen,
		startedAt: time.Now(),
		log:       logging.WithComponent("api"),
	}
}

// Healthz reports liveness and basic store occupancy.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status":              "healthy",
		"uptime_seconds":      int64(time.Since(h.startedAt).Seconds()),
		"watermarks":          h.marks.Len(),
		"idempotency_records": h.idem.Len(),
		"ratelimit_buckets":   h.limiter.Len(),
	})
}

// Stats serves sliding-window aggregates. Optional query parameters:
// family selects one family, window_ms narrows the window.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			respondError(w, r, http.StatusBadRequest, "validation_error", "window_ms must be a positive integer")
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}

	if family := r.URL.Query().Get("family"); family != "" {
		respondJSON(w, r, http.StatusOK, h.stats.Summarize(family, window))
		return
	}
	respondJSON(w, r, http.StatusOK, h.stats.SummarizeAll(window))
}

// Watermarks inspects freshness timestamps for one org.
func (h *Handler) Watermarks(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		respondError(w, r, http.StatusBadRequest, "validation_error", "org query parameter is required")
		return
	}
	entityType := r.URL.Query().Get("type")
	entityID := r.URL.Query().Get("id")

	if entityID != "" {
		if entityType == "" {
			respondError(w, r, http.StatusBadRequest, "validation_error", "id requires type")
			return
		}
		best := h.marks.Best(org, entityType, entityID)
		if best.IsZero() {
			respondError(w, r, http.StatusNotFound, "not_found", "no watermark for this entity")
			return
		}
		respondJSON(w, r, http.StatusOK, watermark.Entry{
			OrgID: org, EntityType: entityType, EntityID: entityID, Timestamp: best,
		})
		return
	}

	entries := h.marks.Snapshot(org, entityType)
	respondJSON(w, r, http.StatusOK, map[string]any{
		"count":      len(entries),
		"watermarks": entries,
	})
}

// DeleteIdempotency removes one idempotency record ahead of its TTL.
func (h *Handler) DeleteIdempotency(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	key := r.URL.Query().Get("key")
	if org == "" || key == "" {
		respondError(w, r, http.StatusBadRequest, "validation_error", "org and key query parameters are required")
		return
	}

	tenantKey, err := h.tenant.Key(org)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_org_id", err.Error())
		return
	}
	if !h.idem.Delete(tenantKey, key) {
		respondError(w, r, http.StatusNotFound, "not_found", "no record for this idempotency key")
		return
	}

	h.log.Info().Str("org", org).Msg("idempotency record deleted by operator")
	respondJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

type rateLimitResetRequest struct {
	Org      string `json:"org" validate:"required,max=128"`
	Category string `json:"category" validate:"required,max=64"`
}

// RateLimitReset restores one tenant bucket to full capacity.
func (h *Handler) RateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req rateLimitResetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if ve := validation.ValidateStruct(&req); ve != nil {
		respondValidationError(w, r, ve)
		return
	}

	tenantKey, err := h.tenant.Key(req.Org)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_org_id", err.Error())
		return
	}
	h.limiter.Reset(tenantKey, req.Category)

	h.log.Info().Str("org", req.Org).Str("category", req.Category).Msg("rate limit bucket reset by operator")
	respondJSON(w, r, http.StatusOK, map[string]any{"reset": true, "category": req.Category})
}

type purgeRequest struct {
	Org      string   `json:"org" validate:"required,max=128"`
	Property string   `json:"property,omitempty" validate:"max=128"`
	Keys     []string `json:"keys,omitempty" validate:"max=256,dive,required,max=512"`
	Priority int      `json:"priority,omitempty" validate:"min=0,max=1"`
}

// Purge queues CDN invalidations. Explicit keys are queued directly;
// otherwise the org is coarse-expanded.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if h.purger == nil {
		respondError(w, r, http.StatusServiceUnavailable, "purge_disabled", "purging is not enabled")
		return
	}

	var req purgeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if ve := validation.ValidateStruct(&req); ve != nil {
		respondValidationError(w, r, ve)
		return
	}

	tenantKey, err := h.tenant.Key(req.Org)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_org_id", err.Error())
		return
	}

	queued := len(req.Keys)
	if queued > 0 {
		h.purger.Queue(req.Keys, "ops", req.Priority)
	} else {
		keys := purge.CoarseKeys(tenantKey, req.Property)
		queued = len(keys)
		h.purger.Queue(keys, "ops", purge.PriorityHigh)
	}

	h.log.Info().Str("org", req.Org).Int("keys", queued).Msg("purge queued by operator")
	respondJSON(w, r, http.StatusAccepted, map[string]any{
		"queued":  queued,
		"pending": h.purger.PendingLen(),
	})
}

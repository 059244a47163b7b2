// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package pipeline orchestrates the optimization stack around a
// caller-supplied handler: rate limiting and idempotency gate execution,
// then conditional-GET evaluation, compression, response headers, and
// metrics recording shape the result.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pernix-io/pernix/internal/compress"
	"github.com/pernix-io/pernix/internal/etag"
	"github.com/pernix-io/pernix/internal/idempotency"
	"github.com/pernix-io/pernix/internal/metrics"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/ratelimit"
	"github.com/pernix-io/pernix/internal/stats"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/watermark"
)

// Request is the inbound metadata the orchestrator consumes.
type Request struct {
	OrgID  string
	UserID string

	Method string
	Path   string

	// Entity coordinates for validators and surrogate keys. Optional.
	EntityType string
	EntityID   string

	// Category selects the rate-limit bucket shape; empty falls back to
	// a method-derived default.
	Category string
	// Cost is the token cost of this request; zero means 1.
	Cost int

	// Conditional and negotiation headers.
	IfNoneMatch     string
	IfModifiedSince string
	AcceptEncoding  string

	// IdempotencyKey is the client-supplied dedup key for mutations.
	IdempotencyKey string
	// Body is the request payload, fingerprinted for idempotency.
	Body []byte
}

// HandlerResult is what the caller's handler produces. EntityType and
// EntityID backfill the request coordinates when the caller could not
// resolve them before running the handler.
type HandlerResult struct {
	Status     int
	Body       []byte
	EntityType string
	EntityID   string
}

// Handler produces the response payload once the gates pass.
type Handler func(ctx context.Context) (HandlerResult, error)

// Response is the optimized response descriptor.
type Response struct {
	Status   int
	Body     []byte
	Header   http.Header
	Replayed bool
}

// Options wires the component stores into a Pipeline.
type Options struct {
	Tenant     *tenant.Generator
	Limiter    *ratelimit.Registry
	Idem       *idempotency.Store
	Watermarks *watermark.Store
	Negotiator *compress.Negotiator
	Classifier *stats.Classifier
	Stats      *stats.Aggregator

	// RateLimitEnabled gates the limiter without unwiring it.
	RateLimitEnabled bool
	// CacheControl is emitted on optimized GET responses.
	CacheControl string
	// IdempotencyRequiredPrefixes lists mutating path prefixes that must
	// carry an Idempotency-Key.
	IdempotencyRequiredPrefixes []string
}

// Pipeline composes the component stores around handlers. Safe for
// concurrent use.
type Pipeline struct {
	opts Options
	now  func() time.Time
}

// New returns a Pipeline over the given components.
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts, now: time.Now}
}

// Execute runs the gates, the handler, and the response optimization
// passes. A *GateError return means the handler never ran; any other
// error is the handler's own, after the idempotency reservation was
// released.
func (p *Pipeline) Execute(ctx context.Context, req Request, handler Handler) (*Response, error) {
	start := p.now()
	var gateDur, handlerDur, etagDur, compressDur time.Duration

	tenantKey, err := p.opts.Tenant.Key(req.OrgID)
	if err != nil {
		return nil, newGateError(http.StatusBadRequest, "invalid_org_id", err.Error(), ErrInvalidTenant)
	}

	mutating := isMutating(req.Method)

	// Gate 1: rate limit.
	if p.opts.RateLimitEnabled {
		cost := req.Cost
		if cost <= 0 {
			cost = 1
		}
		decision := p.opts.Limiter.Consume(tenantKey, p.category(req), cost)
		if !decision.Allowed {
			gateDur = p.now().Sub(start)
			ge := newGateError(http.StatusTooManyRequests, "rate_limit_exceeded",
				"request rate limit exceeded for this tenant", ErrRateLimitExceeded)
			ge.Details = map[string]any{
				"retryAfterMs": decision.RetryAfterMs,
				"remaining":    decision.Remaining,
				"category":     decision.Category,
			}
			ge.Headers = map[string]string{
				"Retry-After":                strconv.FormatInt(int64(math.Ceil(float64(decision.RetryAfterMs)/1000)), 10),
				"X-RateLimit-Retry-After-Ms": strconv.FormatInt(decision.RetryAfterMs, 10),
				"X-RateLimit-Remaining":      strconv.Itoa(decision.Remaining),
			}
			p.record(req, http.StatusTooManyRequests, 0, start, false, 0, false, false)
			return nil, ge
		}
	}

	// Gate 2: idempotency.
	var reserved bool
	if mutating {
		if req.IdempotencyKey == "" {
			if p.keyRequired(req.Path) {
				p.record(req, http.StatusBadRequest, 0, start, false, 0, false, false)
				return nil, newGateError(http.StatusBadRequest, "idempotency_key_required",
					"this endpoint requires an Idempotency-Key header", ErrIdempotencyKeyRequired)
			}
		} else {
			res, err := p.opts.Idem.Begin(tenantKey, req.IdempotencyKey, req.Path, req.Body)
			if err != nil {
				p.record(req, http.StatusBadRequest, 0, start, false, 0, false, false)
				return nil, newGateError(http.StatusBadRequest, "invalid_idempotency_key",
					err.Error(), ErrInvalidIdempotencyKey)
			}

			switch res.Outcome {
			case idempotency.OutcomeConflict:
				p.record(req, http.StatusConflict, 0, start, false, 0, false, false)
				ge := newGateError(http.StatusConflict, "idempotency_conflict",
					"idempotency key was already used with a different payload", ErrIdempotencyConflict)
				ge.Details = map[string]any{
					"originalPath":      res.Conflict.OriginalPath,
					"originalCreatedAt": res.Conflict.OriginalCreatedAt.UTC().Format(time.RFC3339),
				}
				return nil, ge

			case idempotency.OutcomeInFlight:
				p.record(req, http.StatusConflict, 0, start, false, 0, false, false)
				return nil, newGateError(http.StatusConflict, "idempotency_in_flight",
					"a request with this idempotency key is still in flight", ErrIdempotencyInFlight)

			case idempotency.OutcomeReplay:
				gateDur = p.now().Sub(start)
				return p.finishReplay(req, *res.Response, start, gateDur)

			case idempotency.OutcomeNew:
				reserved = true
			}
		}
	}
	gateDur = p.now().Sub(start)

	// Handler.
	handlerStart := p.now()
	result, err := handler(ctx)
	handlerDur = p.now().Sub(handlerStart)
	if err != nil || ctx.Err() != nil {
		if reserved {
			p.opts.Idem.Release(tenantKey, req.IdempotencyKey)
		}
		if err == nil {
			err = ctx.Err()
		}
		p.record(req, http.StatusInternalServerError, 0, start, false, 0, false, false)
		return nil, fmt.Errorf("handler failed: %w", err)
	}

	// Only successful writes are committed for replay; a failed origin
	// response releases the reservation so the client can retry.
	if reserved {
		if result.Status >= 200 && result.Status < 300 {
			p.opts.Idem.Commit(tenantKey, req.IdempotencyKey, idempotency.Response{
				Status:   result.Status,
				Body:     result.Body,
				EntityID: result.EntityID,
			})
		} else {
			p.opts.Idem.Release(tenantKey, req.IdempotencyKey)
		}
	}

	resp := &Response{
		Status: result.Status,
		Body:   result.Body,
		Header: make(http.Header),
	}
	if req.IdempotencyKey != "" {
		resp.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	entityType := req.EntityType
	if entityType == "" {
		entityType = result.EntityType
	}
	entityID := req.EntityID
	if entityID == "" {
		entityID = result.EntityID
	}

	// Conditional GET evaluation.
	var was304, etagHit bool
	if req.Method == http.MethodGet && result.Status == http.StatusOK {
		etagStart := p.now()
		lastMod := p.opts.Watermarks.Best(req.OrgID, entityType, entityID)
		ev := etag.Evaluate(result.Body, req.IfNoneMatch, req.IfModifiedSince, lastMod)
		etagDur = p.now().Sub(etagStart)

		resp.Header.Set("ETag", ev.ETag)
		if !lastMod.IsZero() {
			resp.Header.Set("Last-Modified", lastMod.UTC().Format(http.TimeFormat))
		}
		if p.opts.CacheControl != "" {
			resp.Header.Set("Cache-Control", p.opts.CacheControl)
		}
		resp.Header.Set("Vary", "Accept-Encoding")
		metrics.RecordConditional(ev.Should304, ev.ETagMatched)

		if ev.Should304 {
			resp.Status = http.StatusNotModified
			resp.Body = nil
			was304 = true
			etagHit = ev.ETagMatched
			p.setServerTiming(resp, gateDur, handlerDur, etagDur, 0, p.now().Sub(start))
			p.record(req, resp.Status, 0, start, false, 0, true, etagHit)
			return resp, nil
		}

		// Surrogate keys travel only as far as the edge; the CDN strips
		// the header before the client sees it.
		resp.Header.Set("Surrogate-Key", purge.SurrogateHeader(tenantKey, entityType, entityID))
	}

	compressed, ratio := p.applyCompression(resp, req.AcceptEncoding, &compressDur)

	p.setServerTiming(resp, gateDur, handlerDur, etagDur, compressDur, p.now().Sub(start))
	p.record(req, resp.Status, len(resp.Body), start, compressed, ratio, was304, etagHit)
	return resp, nil
}

// finishReplay builds the response for a committed idempotency record.
// The stored body re-enters compression so the replay honors the current
// Accept-Encoding.
func (p *Pipeline) finishReplay(req Request, stored idempotency.Response, start time.Time, gateDur time.Duration) (*Response, error) {
	resp := &Response{
		Status:   stored.Status,
		Body:     stored.Body,
		Header:   make(http.Header),
		Replayed: true,
	}
	resp.Header.Set("Idempotency-Key", req.IdempotencyKey)
	resp.Header.Set("Idempotent-Replayed", "true")

	var compressDur time.Duration
	compressed, ratio := p.applyCompression(resp, req.AcceptEncoding, &compressDur)

	p.setServerTiming(resp, gateDur, 0, 0, compressDur, p.now().Sub(start))
	p.record(req, resp.Status, len(resp.Body), start, compressed, ratio, false, false)
	return resp, nil
}

// applyCompression negotiates an encoding for the body and sets the
// transfer headers. Returns whether a non-identity encoding was applied
// and, when one was, the compressed-to-original size ratio.
func (p *Pipeline) applyCompression(resp *Response, acceptEncoding string, dur *time.Duration) (bool, float64) {
	if len(resp.Body) == 0 || skipCompressionStatus(resp.Status) {
		resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		return false, 0
	}

	compressStart := p.now()
	result := p.opts.Negotiator.Negotiate(resp.Body, acceptEncoding)
	*dur = p.now().Sub(compressStart)

	resp.Body = result.Bytes
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	if result.Encoding != compress.EncodingIdentity {
		resp.Header.Set("Content-Encoding", result.Encoding)
		resp.Header.Set("Vary", "Accept-Encoding")
		return true, result.Ratio
	}
	return false, 0
}

// skipCompressionStatus lists statuses whose bodies never compress.
func skipCompressionStatus(status int) bool {
	switch status {
	case http.StatusNoContent, http.StatusNotModified, http.StatusPartialContent:
		return true
	}
	return false
}

func (p *Pipeline) setServerTiming(resp *Response, gate, handler, etagDur, compressDur, total time.Duration) {
	resp.Header.Set("Server-Timing", fmt.Sprintf(
		"gate;dur=%.1f, handler;dur=%.1f, etag;dur=%.1f, compress;dur=%.1f, total;dur=%.1f",
		ms(gate), ms(handler), ms(etagDur), ms(compressDur), ms(total)))
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// record feeds the stats aggregator and Prometheus collectors.
func (p *Pipeline) record(req Request, status, bodyBytes int, start time.Time, compressed bool, ratio float64, was304, etagHit bool) {
	dur := p.now().Sub(start)
	family := p.opts.Classifier.Classify(req.Path)
	p.opts.Stats.Record(family, ms(dur), bodyBytes, status, compressed, ratio, was304, etagHit)
	metrics.RecordRequest(family, status, dur, bodyBytes)
}

// category resolves the rate-limit category, deriving one from the
// method when the caller left it empty.
func (p *Pipeline) category(req Request) string {
	if req.Category != "" {
		return req.Category
	}
	if isMutating(req.Method) {
		return "write"
	}
	return "read"
}

func (p *Pipeline) keyRequired(path string) bool {
	for _, prefix := range p.opts.IdempotencyRequiredPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

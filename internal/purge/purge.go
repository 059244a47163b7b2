// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package purge batches and debounces CDN cache invalidations. Related
// keys are merged into one pending request per key family; a background
// worker dispatches debounced batches through the configured provider.
package purge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/metrics"
)

// Request priorities. Higher dispatches first.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// request is one pending invalidation, keyed by family in the pending
// map.
type request struct {
	id         string
	family     string
	keys       map[string]struct{}
	priority   int
	source     string
	enqueuedAt time.Time
	readyAt    time.Time
	notBefore  time.Time
}

func (r *request) keySlice() []string {
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Manager owns the pending map and the dispatch workers. Safe for
// concurrent use.
type Manager struct {
	cfg      config.PurgeConfig
	provider Provider
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*request

	ready       chan *request
	callLimiter *rate.Limiter

	now func() time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager returns a stopped Manager. Call Start to launch the scan
// and dispatch workers.
func NewManager(cfg config.PurgeConfig, provider Provider) *Manager {
	return &Manager{
		cfg:         cfg,
		provider:    provider,
		log:         logging.WithComponent("purge"),
		pending:     make(map[string]*request),
		ready:       make(chan *request, cfg.QueueCapacity),
		callLimiter: rate.NewLimiter(rate.Limit(cfg.MaxCallsPerSecond), 1),
		now:         time.Now,
	}
}

// Queue merges keys into their families' pending requests, resetting the
// debounce window. Non-blocking; safe to call from the request path.
func (m *Manager) Queue(keys []string, source string, priority int) {
	if len(keys) == 0 {
		return
	}
	now := m.now()

	m.mu.Lock()
	for _, key := range keys {
		fam := Family(key)
		req, ok := m.pending[fam]
		if !ok {
			req = &request{
				id:         uuid.NewString(),
				family:     fam,
				keys:       make(map[string]struct{}),
				priority:   priority,
				source:     source,
				enqueuedAt: now,
			}
			m.pending[fam] = req
		} else {
			metrics.PurgeDebounceMerges.Inc()
		}
		req.keys[key] = struct{}{}
		if priority > req.priority {
			req.priority = priority
		}
		req.readyAt = now.Add(m.cfg.Debounce)
	}
	depth := len(m.pending)
	m.mu.Unlock()

	metrics.PurgeQueueDepth.Set(float64(depth))
}

// CoarsePurge queues the canonical key set for an org (and optional
// property) at high priority. Used by bulk operations instead of
// flooding the API with per-record keys.
func (m *Manager) CoarsePurge(tenantKey, propertyID, source string) {
	m.Queue(CoarseKeys(tenantKey, propertyID), source, PriorityHigh)
}

// PendingLen returns the pending request count.
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Start launches the scan and dispatch workers.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.scanLoop(ctx)
	go m.dispatchLoop(ctx)
}

// Stop halts the workers and flushes what remains. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Flush(flushCtx)
	})
}

// scanLoop moves debounced requests onto the bounded ready channel each
// tick.
func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.promoteReady()
		case <-ctx.Done():
			return
		}
	}
}

// promoteReady hands elapsed requests to the dispatcher, highest
// priority first, oldest first within a priority. When the hand-off is
// full, requests stay pending for the next tick.
func (m *Manager) promoteReady() {
	now := m.now()

	m.mu.Lock()
	due := make([]*request, 0)
	for _, req := range m.pending {
		if !req.readyAt.After(now) && !req.notBefore.After(now) {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].enqueuedAt.Before(due[j].enqueuedAt)
	})

	backlogged := 0
	for _, req := range due {
		select {
		case m.ready <- req:
			delete(m.pending, req.family)
		default:
			backlogged++
		}
	}
	depth := len(m.pending)
	m.mu.Unlock()

	metrics.PurgeQueueDepth.Set(float64(depth))
	if backlogged > 0 {
		m.log.Warn().
			Int("backlogged", backlogged).
			Int("pending", depth).
			Msg("Purge dispatcher behind, requests held for next tick")
	}
}

// dispatchLoop sends ready requests to the provider under the
// calls-per-second ceiling.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case req := <-m.ready:
			m.dispatch(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch sends the request's keys in batches capped at the provider's
// max keys per call. Failed batches are re-queued with a backoff, never
// dropped.
func (m *Manager) dispatch(ctx context.Context, req *request) {
	keys := req.keySlice()

	for start := 0; start < len(keys); start += m.cfg.MaxKeysPerCall {
		end := start + m.cfg.MaxKeysPerCall
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		if err := m.callLimiter.Wait(ctx); err != nil {
			m.requeue(req, keys[start:], m.cfg.RetryBackoff)
			return
		}

		if err := m.provider.Purge(ctx, batch); err != nil {
			outcome := "error"
			backoff := m.cfg.RetryBackoff

			var rle *RateLimitedError
			switch {
			case errors.As(err, &rle):
				outcome = "rate_limited"
				backoff = m.cfg.RetryBackoff
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				outcome = "breaker_open"
			}

			metrics.RecordPurgeBatch(m.provider.Name(), outcome, len(batch))
			m.log.Warn().
				Err(err).
				Str("purge_id", req.id).
				Str("family", req.family).
				Int("keys", len(batch)).
				Str("outcome", outcome).
				Msg("Purge batch failed, re-queued")

			m.requeue(req, keys[start:], backoff)
			return
		}

		metrics.RecordPurgeBatch(m.provider.Name(), "success", len(batch))
		m.log.Debug().
			Str("purge_id", req.id).
			Str("family", req.family).
			Int("keys", len(batch)).
			Msg("Purge batch dispatched")
	}
}

// requeue puts undispatched keys back into the pending map with a
// not-before gate so the next attempt waits out the backoff.
func (m *Manager) requeue(req *request, keys []string, backoff time.Duration) {
	now := m.now()

	m.mu.Lock()
	existing, ok := m.pending[req.family]
	if !ok {
		existing = &request{
			id:         req.id,
			family:     req.family,
			keys:       make(map[string]struct{}),
			priority:   req.priority,
			source:     req.source,
			enqueuedAt: req.enqueuedAt,
			readyAt:    now,
		}
		m.pending[req.family] = existing
	}
	for _, k := range keys {
		existing.keys[k] = struct{}{}
	}
	if req.priority > existing.priority {
		existing.priority = req.priority
	}
	if nb := now.Add(backoff); nb.After(existing.notBefore) {
		existing.notBefore = nb
	}
	depth := len(m.pending)
	m.mu.Unlock()

	metrics.PurgeQueueDepth.Set(float64(depth))
}

// Flush dispatches everything pending and ready, ignoring debounce
// windows and backoff gates. Shutdown path; failures are logged and
// dropped.
func (m *Manager) Flush(ctx context.Context) {
	// Drain the hand-off first.
	for {
		select {
		case req := <-m.ready:
			m.flushRequest(ctx, req)
		default:
			m.mu.Lock()
			reqs := make([]*request, 0, len(m.pending))
			for _, req := range m.pending {
				reqs = append(reqs, req)
			}
			m.pending = make(map[string]*request)
			m.mu.Unlock()

			metrics.PurgeQueueDepth.Set(0)

			for _, req := range reqs {
				m.flushRequest(ctx, req)
			}
			return
		}
	}
}

func (m *Manager) flushRequest(ctx context.Context, req *request) {
	keys := req.keySlice()
	for start := 0; start < len(keys); start += m.cfg.MaxKeysPerCall {
		end := start + m.cfg.MaxKeysPerCall
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		if err := m.provider.Purge(ctx, batch); err != nil {
			metrics.RecordPurgeBatch(m.provider.Name(), "flush_error", len(batch))
			m.log.Warn().
				Err(err).
				Str("purge_id", req.id).
				Int("keys", len(batch)).
				Msg("Purge batch dropped during flush")
			continue
		}
		metrics.RecordPurgeBatch(m.provider.Name(), "success", len(batch))
	}
}

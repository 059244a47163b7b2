// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package ratelimit implements per-tenant token-bucket rate limiting.
// Buckets refill continuously; a denied call never spends tokens and
// carries a millisecond retry hint.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/metrics"
)

const keySep = "\x1f"

// Decision is the outcome of one Consume call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RetryAfterMs is the wait until the bucket can satisfy the cost.
	// Zero when Allowed.
	RetryAfterMs int64
	// Remaining is the whole-token balance after the call.
	Remaining int
	// Category is the bucket category the decision was made under.
	Category string
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Registry holds one token bucket per (tenant, category) pair. Safe for
// concurrent use.
type Registry struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time

	stopClean chan struct{}
	stopOnce  sync.Once
}

// NewRegistry returns an empty Registry. Call Start to run the idle
// bucket janitor.
func NewRegistry(cfg config.RateLimitConfig) *Registry {
	return &Registry{
		cfg:       cfg,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
		stopClean: make(chan struct{}),
	}
}

func (r *Registry) shape(category string) (config.BucketConfig, string) {
	if shape, ok := r.cfg.Categories[category]; ok {
		return shape, category
	}
	return r.cfg.Categories["default"], "default"
}

func (r *Registry) bucketFor(tenant, category string, now time.Time) *rate.Limiter {
	shape, resolved := r.shape(category)
	key := tenant + keySep + resolved

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(shape.RefillPerSec), shape.Capacity),
		}
		r.buckets[key] = b
		metrics.RateLimitBuckets.Set(float64(len(r.buckets)))
	}
	b.lastAccess = now
	return b.limiter
}

// Consume attempts to spend cost tokens from the tenant's bucket for the
// category. Denial is non-destructive: the reservation is cancelled so
// the balance is exactly what it was before the call.
func (r *Registry) Consume(tenant, category string, cost int) Decision {
	now := r.now()
	shape, resolved := r.shape(category)
	lim := r.bucketFor(tenant, category, now)

	res := lim.ReserveN(now, cost)
	if !res.OK() {
		// Cost exceeds capacity; no wait can ever satisfy it. Report the
		// full-bucket deficit.
		metrics.RecordRateLimitRejection(resolved)
		return Decision{
			Allowed:      false,
			RetryAfterMs: retryAfterMs(float64(cost)-float64(shape.Capacity), shape.RefillPerSec),
			Remaining:    int(lim.TokensAt(now)),
			Category:     resolved,
		}
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		tokens := lim.TokensAt(now)
		metrics.RecordRateLimitRejection(resolved)
		return Decision{
			Allowed:      false,
			RetryAfterMs: retryAfterMs(float64(cost)-tokens, shape.RefillPerSec),
			Remaining:    int(tokens),
			Category:     resolved,
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: int(lim.TokensAt(now)),
		Category:  resolved,
	}
}

// retryAfterMs converts a token deficit into a millisecond wait, rounded
// up so retrying after the hint always finds the tokens available.
func retryAfterMs(deficit, refillPerSec float64) int64 {
	if deficit <= 0 {
		return 0
	}
	return int64(math.Ceil(deficit / refillPerSec * 1000))
}

// Reset restores the tenant's bucket for the category to full capacity.
func (r *Registry) Reset(tenant, category string) {
	shape, resolved := r.shape(category)
	key := tenant + keySep + resolved

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buckets[key]; !ok {
		return
	}
	r.buckets[key] = &bucket{
		limiter:    rate.NewLimiter(rate.Limit(shape.RefillPerSec), shape.Capacity),
		lastAccess: r.now(),
	}
}

// Len returns the live bucket count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Start launches the idle bucket janitor. Buckets untouched for longer
// than the idle TTL have refilled to capacity, so evicting them is
// indistinguishable from keeping them.
func (r *Registry) Start() {
	go r.cleanupLoop()
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopClean:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	evicted := 0
	for key, b := range r.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(r.buckets, key)
			evicted++
		}
	}
	remaining := len(r.buckets)
	r.mu.Unlock()

	metrics.RateLimitBuckets.Set(float64(remaining))
	if evicted > 0 {
		log := logging.WithComponent("ratelimit")
		log.Debug().
			Int("evicted", evicted).
			Int("remaining", remaining).
			Msg("Swept idle rate limit buckets")
	}
}

// Stop halts the janitor. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopClean)
	})
}

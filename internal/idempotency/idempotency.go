// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package idempotency deduplicates mutating requests keyed by a
// client-supplied Idempotency-Key. Records are tenant-scoped and expire
// after a TTL; a committed record replays the original response without
// re-executing the handler.
package idempotency

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/pernix-io/pernix/internal/etag"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/metrics"
)

const keySep = "\x1f"

// keyPattern constrains client-supplied keys before any store lookup.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,256}$`)

// ErrInvalidKey reports a key that fails format validation.
var ErrInvalidKey = errors.New("idempotency key must be 8-256 characters of [A-Za-z0-9_-]")

// ValidateKey checks the key format. Malformed keys are rejected before
// touching the store.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Outcome classifies a gate decision.
type Outcome string

const (
	// OutcomeNew means no live record exists; the handler may run.
	OutcomeNew Outcome = "new"
	// OutcomeReplay means a committed record matches; return it as-is.
	OutcomeReplay Outcome = "replay"
	// OutcomeConflict means the key was reused with a different payload.
	OutcomeConflict Outcome = "conflict"
	// OutcomeInFlight means the first attempt has not settled yet.
	OutcomeInFlight Outcome = "in_flight"
)

// Response is the stored result of a committed mutation.
type Response struct {
	Status   int    `json:"status"`
	Body     []byte `json:"body"`
	EntityID string `json:"entity_id,omitempty"`
}

// ConflictDetails describes the original request behind a conflict.
type ConflictDetails struct {
	OriginalPath      string    `json:"originalPath"`
	OriginalCreatedAt time.Time `json:"originalCreatedAt"`
}

// Result is the gate decision for one request.
type Result struct {
	Outcome  Outcome
	Response *Response        // set for OutcomeReplay
	Conflict *ConflictDetails // set for OutcomeConflict
}

type recordState int

const (
	stateInFlight recordState = iota
	stateCommitted
)

type record struct {
	state       recordState
	payloadHash string
	path        string
	response    Response
	createdAt   time.Time
	expiresAt   time.Time
}

// Store holds idempotency records for all tenants. Safe for concurrent
// use.
type Store struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*record

	now func() time.Time

	sweepInterval time.Duration
	stopClean     chan struct{}
	stopOnce      sync.Once
}

// NewStore returns an empty Store. Call Start to run the TTL sweeper.
func NewStore(ttl, sweepInterval time.Duration) *Store {
	return &Store{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		records:       make(map[string]*record),
		now:           time.Now,
		stopClean:     make(chan struct{}),
	}
}

func recordKey(tenant, key string) string {
	return tenant + keySep + key
}

// Begin reserves the key for this request and returns the gate outcome.
// On OutcomeNew the caller must follow up with Commit or Release; the
// reservation blocks concurrent duplicates until then. Expired records
// are treated as absent.
func (s *Store) Begin(tenant, key, path string, payload []byte) (Result, error) {
	if err := ValidateKey(key); err != nil {
		return Result{}, err
	}

	hash := etag.Fingerprint(payload)
	now := s.now()
	rk := recordKey(tenant, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rk]
	if ok && rec.state == stateCommitted && now.After(rec.expiresAt) {
		delete(s.records, rk)
		ok = false
	}

	if !ok {
		s.records[rk] = &record{
			state:       stateInFlight,
			payloadHash: hash,
			path:        path,
			createdAt:   now,
			expiresAt:   now.Add(s.ttl),
		}
		metrics.RecordIdempotencyOutcome(string(OutcomeNew))
		return Result{Outcome: OutcomeNew}, nil
	}

	if rec.state == stateInFlight {
		metrics.RecordIdempotencyOutcome(string(OutcomeInFlight))
		return Result{Outcome: OutcomeInFlight}, nil
	}

	if rec.payloadHash != hash {
		metrics.RecordIdempotencyOutcome(string(OutcomeConflict))
		return Result{
			Outcome: OutcomeConflict,
			Conflict: &ConflictDetails{
				OriginalPath:      rec.path,
				OriginalCreatedAt: rec.createdAt,
			},
		}, nil
	}

	resp := rec.response
	metrics.RecordIdempotencyOutcome(string(OutcomeReplay))
	return Result{Outcome: OutcomeReplay, Response: &resp}, nil
}

// Commit turns the reservation from Begin into a committed record that
// replays the given response until the TTL elapses. A missing
// reservation (released by a concurrent admin delete) is a no-op.
func (s *Store) Commit(tenant, key string, resp Response) {
	rk := recordKey(tenant, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rk]
	if !ok || rec.state != stateInFlight {
		return
	}
	rec.state = stateCommitted
	rec.response = resp
	metrics.IdempotencyRecords.Set(float64(s.committedLocked()))
}

// Release discards the reservation from Begin. Called when the handler
// fails or the request is cancelled, so the attempt never becomes a
// committed record.
func (s *Store) Release(tenant, key string) {
	rk := recordKey(tenant, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[rk]
	if ok && rec.state == stateInFlight {
		delete(s.records, rk)
	}
}

// Check inspects the key without reserving it. Used by read-only
// surfaces; the request path goes through Begin.
func (s *Store) Check(tenant, key string, payload []byte) (Result, error) {
	if err := ValidateKey(key); err != nil {
		return Result{}, err
	}

	hash := etag.Fingerprint(payload)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey(tenant, key)]
	if !ok || (rec.state == stateCommitted && now.After(rec.expiresAt)) {
		return Result{Outcome: OutcomeNew}, nil
	}
	if rec.state == stateInFlight {
		return Result{Outcome: OutcomeInFlight}, nil
	}
	if rec.payloadHash != hash {
		return Result{
			Outcome: OutcomeConflict,
			Conflict: &ConflictDetails{
				OriginalPath:      rec.path,
				OriginalCreatedAt: rec.createdAt,
			},
		}, nil
	}
	resp := rec.response
	return Result{Outcome: OutcomeReplay, Response: &resp}, nil
}

// Store records a committed response directly, bypassing the two-phase
// protocol. Used by bulk-import paths and tests.
func (s *Store) Store(tenant, key, path string, payload []byte, resp Response) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey(tenant, key)] = &record{
		state:       stateCommitted,
		payloadHash: etag.Fingerprint(payload),
		path:        path,
		response:    resp,
		createdAt:   now,
		expiresAt:   now.Add(s.ttl),
	}
	metrics.IdempotencyRecords.Set(float64(s.committedLocked()))
	return nil
}

// Delete removes a record regardless of state. Admin operation.
func (s *Store) Delete(tenant, key string) bool {
	rk := recordKey(tenant, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rk]; !ok {
		return false
	}
	delete(s.records, rk)
	metrics.IdempotencyRecords.Set(float64(s.committedLocked()))
	return true
}

// Len returns the total record count, reservations included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) committedLocked() int {
	n := 0
	for _, rec := range s.records {
		if rec.state == stateCommitted {
			n++
		}
	}
	return n
}

// Start launches the periodic TTL sweeper.
func (s *Store) Start() {
	go s.cleanupLoop()
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopClean:
			return
		}
	}
}

func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	evicted := 0
	for rk, rec := range s.records {
		if rec.state == stateCommitted && now.After(rec.expiresAt) {
			delete(s.records, rk)
			evicted++
		}
	}
	remaining := s.committedLocked()
	s.mu.Unlock()

	metrics.IdempotencyRecords.Set(float64(remaining))
	if evicted > 0 {
		log := logging.WithComponent("idempotency")
		log.Debug().
			Int("evicted", evicted).
			Int("remaining", remaining).
			Msg("Swept expired idempotency records")
	}
}

// Stop halts the sweeper. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopClean)
	})
}

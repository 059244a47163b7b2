// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package pipeline

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
)

// Sentinel errors for gate decisions. GateError wraps one of these so
// callers can branch with errors.Is.
var (
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with a different payload")
	ErrIdempotencyInFlight    = errors.New("idempotency key has an attempt in flight")
	ErrInvalidIdempotencyKey  = errors.New("invalid idempotency key")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrInvalidTenant          = errors.New("invalid tenant id")
)

// GateError is a request rejected before the handler ran. It carries the
// flat wire body {code, message, details} and any response headers the
// rejection requires.
type GateError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Headers map[string]string

	err error
}

func (e *GateError) Error() string {
	return e.Message
}

func (e *GateError) Unwrap() error {
	return e.err
}

// Write sends the gate error as its wire representation.
func (e *GateError) Write(w http.ResponseWriter) {
	for k, v := range e.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)

	body := struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}{e.Code, e.Message, e.Details}
	_ = json.NewEncoder(w).Encode(body)
}

func newGateError(status int, code, message string, sentinel error) *GateError {
	return &GateError{
		Status:  status,
		Code:    code,
		Message: message,
		err:     sentinel,
	}
}

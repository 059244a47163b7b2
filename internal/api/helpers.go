// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/validation"
)

// Envelope is the uniform response shape of the ops surface.
//
// Example:
//
//	{
//	  "status": "ok",
//	  "data": {...},
//	  "metadata": {"timestamp": "2026-08-30T12:00:00Z", "request_id": "..."}
//	}
type Envelope struct {
	Status   string    `json:"status"`
	Data     any       `json:"data"`
	Error    *APIError `json:"error,omitempty"`
	Metadata Metadata  `json:"metadata"`
}

// Metadata tags every ops response for request correlation.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, &Envelope{
		Status: "ok",
		Data:   data,
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: logging.RequestIDFromContext(r.Context()),
		},
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, status, &Envelope{
		Status: "error",
		Error:  &APIError{Code: code, Message: message},
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: logging.RequestIDFromContext(r.Context()),
		},
	})
}

func respondValidationError(w http.ResponseWriter, r *http.Request, ve *validation.RequestValidationError) {
	apiErr := ve.ToAPIError()
	writeEnvelope(w, http.StatusBadRequest, &Envelope{
		Status: "error",
		Error:  &APIError{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details},
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: logging.RequestIDFromContext(r.Context()),
		},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env *Envelope) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// decodeJSON reads a bounded request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

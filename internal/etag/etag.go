// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// digestBytes truncates the SHA-256 digest to 128 bits. That keeps
// validators short while leaving collision resistance far beyond what
// cache validation needs.
const digestBytes = 16

// Fingerprint returns the hex digest of the canonicalized payload.
// Used both as the ETag body and as the idempotency payload hash.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(canonicalBytes(payload))
	return hex.EncodeToString(sum[:digestBytes])
}

// Compute returns the strong entity tag for a payload, quoted per RFC 9110.
func Compute(payload []byte) string {
	return `"` + Fingerprint(payload) + `"`
}

// Match reports whether an If-None-Match header value matches the server
// ETag. A wildcard matches anything; otherwise every comma-separated
// candidate is compared after stripping weak prefixes and quotes.
func Match(serverETag, ifNoneMatch string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}

	server := normalize(serverETag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if normalize(candidate) == server {
			return true
		}
	}
	return false
}

// normalize strips the weak-validator prefix and surrounding quotes so
// comparisons see only the opaque tag itself.
func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

// Evaluation is the outcome of conditional-GET validation for one payload.
type Evaluation struct {
	// Should304 reports that the client's cached copy is still fresh.
	Should304 bool

	// ETag is the freshly computed strong validator, quoted.
	ETag string

	// ETagMatched reports that If-None-Match produced the 304 (as opposed
	// to the Last-Modified fallback).
	ETagMatched bool

	// LastModified is the watermark echoed back to the client; zero when
	// no watermark is known.
	LastModified time.Time
}

// Evaluate computes the payload's ETag and decides 304 versus 200.
//
// If-None-Match, when present, decides alone: any match is a 304 and a
// mismatch is a 200 even when If-Modified-Since looks fresh. Only when the
// client sent no entity tags does the Last-Modified comparison run, at
// whole-second granularity per HTTP date semantics. A zero lastModified
// means no watermark is known and disables the fallback.
func Evaluate(payload []byte, ifNoneMatch, ifModifiedSince string, lastModified time.Time) Evaluation {
	ev := Evaluation{
		ETag:         Compute(payload),
		LastModified: lastModified,
	}

	if strings.TrimSpace(ifNoneMatch) != "" {
		if Match(ev.ETag, ifNoneMatch) {
			ev.Should304 = true
			ev.ETagMatched = true
		}
		return ev
	}

	if ifModifiedSince == "" || lastModified.IsZero() {
		return ev
	}
	since, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return ev
	}
	if !lastModified.Truncate(time.Second).After(since.Truncate(time.Second)) {
		ev.Should304 = true
	}
	return ev
}

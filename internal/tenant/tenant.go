// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package tenant derives stable, non-reversible cache-partition keys from
// organization identifiers.
//
// Keys are the keyed BLAKE2b-256 hash of the org id, truncated to 128 bits
// and hex encoded. Given the same salt the key is constant across process
// restarts, so edge caches partitioned by it survive redeploys. Without the
// salt the org id cannot be recovered from the key.
//
// Derived keys feed internal cache key prefixes and edge Surrogate-Key
// values only. They must never be written to a client-visible response
// body or header.
package tenant

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidOrgID is returned when an organization id fails validation.
var ErrInvalidOrgID = errors.New("invalid org id")

const (
	// minSaltLen guards against trivially brute-forceable salts.
	minSaltLen = 16

	// maxSaltLen is the BLAKE2b key size limit.
	maxSaltLen = 64

	// maxOrgIDLen bounds org ids accepted for key derivation.
	maxOrgIDLen = 128

	// keyBytes is the truncated key length: 128 bits of the 256-bit digest.
	keyBytes = 16
)

// Generator derives tenant keys with a fixed process-lifetime salt.
type Generator struct {
	salt []byte
}

// NewGenerator creates a Generator from the configured salt.
// The salt must be 16 to 64 bytes long.
func NewGenerator(salt string) (*Generator, error) {
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("tenant salt must be at least %d bytes, got %d", minSaltLen, len(salt))
	}
	if len(salt) > maxSaltLen {
		return nil, fmt.Errorf("tenant salt must be at most %d bytes, got %d", maxSaltLen, len(salt))
	}
	return &Generator{salt: []byte(salt)}, nil
}

// ValidateOrgID checks that an org id is usable as a tenant identifier:
// non-empty, at most 128 bytes, no control characters.
func ValidateOrgID(orgID string) error {
	if orgID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidOrgID)
	}
	if len(orgID) > maxOrgIDLen {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidOrgID, maxOrgIDLen)
	}
	for i := 0; i < len(orgID); i++ {
		c := orgID[i]
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: control character at byte %d", ErrInvalidOrgID, i)
		}
	}
	return nil
}

// Key derives the cache-partition key for an org id: 32 lowercase hex
// characters, deterministic for the Generator's salt.
func (g *Generator) Key(orgID string) (string, error) {
	if err := ValidateOrgID(orgID); err != nil {
		return "", err
	}

	h, err := blake2b.New256(g.salt)
	if err != nil {
		return "", fmt.Errorf("tenant key hash: %w", err)
	}
	h.Write([]byte(orgID))
	sum := h.Sum(nil)

	return hex.EncodeToString(sum[:keyBytes]), nil
}

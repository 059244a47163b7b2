// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package tenant

import (
	"errors"
	"strings"
	"testing"
)

const testSalt = "0123456789abcdef0123456789abcdef"

func TestNewGeneratorSaltBounds(t *testing.T) {
	t.Parallel()

	if _, err := NewGenerator("too-short"); err == nil {
		t.Error("expected error for short salt")
	}
	if _, err := NewGenerator(strings.Repeat("x", 65)); err == nil {
		t.Error("expected error for oversized salt")
	}
	if _, err := NewGenerator(testSalt); err != nil {
		t.Errorf("expected valid salt to be accepted: %v", err)
	}
}

func TestKeyDeterministic(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(testSalt)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	k1, err := g.Key("org-7421")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	k2, err := g.Key("org-7421")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}

	if k1 != k2 {
		t.Errorf("expected deterministic key, got %s and %s", k1, k2)
	}
	if len(k1) != 32 {
		t.Errorf("expected 32 hex chars, got %d: %s", len(k1), k1)
	}
	for _, c := range k1 {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("expected lowercase hex, got %s", k1)
			break
		}
	}

	// A fresh generator with the same salt derives the same key, so keys
	// survive process restarts.
	g2, _ := NewGenerator(testSalt)
	k3, _ := g2.Key("org-7421")
	if k3 != k1 {
		t.Errorf("expected key to be stable across generators, got %s and %s", k1, k3)
	}
}

func TestKeyIsolation(t *testing.T) {
	t.Parallel()

	g, _ := NewGenerator(testSalt)

	a, _ := g.Key("org-1")
	b, _ := g.Key("org-2")
	if a == b {
		t.Error("expected distinct keys for distinct orgs")
	}

	other, _ := NewGenerator("fedcba9876543210fedcba9876543210")
	c, _ := other.Key("org-1")
	if a == c {
		t.Error("expected distinct keys under distinct salts")
	}
}

func TestKeyDoesNotLeakOrgID(t *testing.T) {
	t.Parallel()

	g, _ := NewGenerator(testSalt)
	key, _ := g.Key("acme-hotels")
	if strings.Contains(key, "acme") {
		t.Errorf("key must not embed the org id: %s", key)
	}
}

func TestValidateOrgID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		orgID   string
		wantErr bool
	}{
		{"valid", "org-7421", false},
		{"valid with spaces", "Seaside Rentals LLC", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"control char", "org\x00id", true},
		{"newline", "org\nid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateOrgID(tt.orgID)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrInvalidOrgID) {
				t.Errorf("expected ErrInvalidOrgID, got: %v", err)
			}
		})
	}
}

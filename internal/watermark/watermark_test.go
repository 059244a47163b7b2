// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package watermark

import (
	"testing"
	"time"
)

func TestTouchAdvancesEntityAndType(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.TouchAt("a1b2", "bookings", "bk_42", base)

	if got := s.Best("a1b2", "bookings", "bk_42"); !got.Equal(base) {
		t.Errorf("entity watermark = %v, want %v", got, base)
	}
	if got := s.TypeLevel("a1b2", "bookings"); !got.Equal(base) {
		t.Errorf("type watermark = %v, want %v", got, base)
	}
}

func TestTouchAtNeverRegresses(t *testing.T) {
	t.Parallel()

	s := NewStore()
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	s.TouchAt("a1b2", "properties", "p_1", later)
	got := s.TouchAt("a1b2", "properties", "p_1", earlier)

	if !got.Equal(later) {
		t.Errorf("TouchAt returned %v, want retained %v", got, later)
	}
	if best := s.Best("a1b2", "properties", "p_1"); !best.Equal(later) {
		t.Errorf("Best = %v, want %v", best, later)
	}
}

func TestBestFallsBackToTypeLevel(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.TouchAt("a1b2", "revenue", "rv_9", base)

	// An entity never touched directly still inherits the type-level mark
	// bumped by the sibling mutation.
	if got := s.Best("a1b2", "revenue", "rv_other"); !got.Equal(base) {
		t.Errorf("Best fallback = %v, want type-level %v", got, base)
	}
	if got := s.Best("a1b2", "expenses", "e_1"); !got.IsZero() {
		t.Errorf("untouched type = %v, want zero", got)
	}
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.TouchAt("org_a", "staff", "st_1", base)

	if got := s.Best("org_b", "staff", "st_1"); !got.IsZero() {
		t.Errorf("cross-tenant watermark leaked: %v", got)
	}
}

func TestSnapshotFilters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.TouchAt("org_a", "bookings", "bk_1", base)
	s.TouchAt("org_a", "properties", "p_1", base.Add(time.Minute))
	s.TouchAt("org_b", "bookings", "bk_2", base)

	all := s.Snapshot("org_a", "")
	// Two entity marks plus two type-level marks for org_a.
	if len(all) != 4 {
		t.Fatalf("Snapshot(org_a) len = %d, want 4", len(all))
	}
	for _, e := range all {
		if e.OrgID != "org_a" {
			t.Errorf("Snapshot leaked entry for %q", e.OrgID)
		}
	}

	bookings := s.Snapshot("org_a", "bookings")
	if len(bookings) != 2 {
		t.Fatalf("Snapshot(org_a, bookings) len = %d, want 2", len(bookings))
	}
	for _, e := range bookings {
		if e.EntityType != "bookings" {
			t.Errorf("Snapshot returned entity type %q", e.EntityType)
		}
	}
}

func TestLen(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if s.Len() != 0 {
		t.Fatalf("fresh store Len = %d", s.Len())
	}
	s.Touch("org_a", "documents", "d_1")
	// Entity mark plus type-level mark.
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package watermark tracks per-tenant Last-Modified freshness timestamps.
//
// Every mutation of an entity bumps two watermarks: one for the entity
// itself and one for its entity type. Conditional GET evaluation reads the
// most specific watermark available. Updates are compare-and-set: a stale
// writer can never move a watermark backwards, so the type-level watermark
// is always at least the max of the entity-level watermarks beneath it.
package watermark

import (
	"strings"
	"sync"
	"time"

	"github.com/pernix-io/pernix/internal/metrics"
)

// keySep joins org, entity type, and entity id into one map key. Unit
// separator cannot appear in validated identifiers.
const keySep = "\x1f"

// Store holds monotonic freshness timestamps keyed by
// (org, entity type[, entity id]).
type Store struct {
	mu    sync.RWMutex
	marks map[string]time.Time
	now   func() time.Time
}

// NewStore creates an empty watermark store.
func NewStore() *Store {
	return &Store{
		marks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func entityKey(orgID, entityType, entityID string) string {
	if entityID == "" {
		return orgID + keySep + entityType
	}
	return orgID + keySep + entityType + keySep + entityID
}

// Touch records a mutation of (org, entityType[, entityID]) at the current
// time and returns the timestamp applied. Both the entity-level and the
// type-level watermark advance.
func (s *Store) Touch(orgID, entityType, entityID string) time.Time {
	return s.TouchAt(orgID, entityType, entityID, s.now())
}

// TouchAt is Touch with an explicit timestamp. The store keeps the later
// of the existing and the supplied timestamp, so concurrent writers and
// out-of-order callers cannot move a watermark backwards.
func (s *Store) TouchAt(orgID, entityType, entityID string, ts time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Type-level watermark advances on every mutation beneath it, which is
	// what keeps it >= the max of all entity-level watermarks.
	applied := s.advance(entityKey(orgID, entityType, ""), ts)
	if entityID != "" {
		s.advance(entityKey(orgID, entityType, entityID), ts)
	}
	return applied
}

// advance applies the compare-and-set rule under the held lock.
func (s *Store) advance(key string, ts time.Time) time.Time {
	if existing, ok := s.marks[key]; ok && !ts.After(existing) {
		return existing
	}
	s.marks[key] = ts
	metrics.RecordWatermarkAdvance()
	return ts
}

// Best returns the most specific watermark known for the entity: the
// entity-level timestamp when one exists, otherwise the type-level one.
// The zero time means nothing is known and conditional Last-Modified
// evaluation is disabled.
func (s *Store) Best(orgID, entityType, entityID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entityID != "" {
		if ts, ok := s.marks[entityKey(orgID, entityType, entityID)]; ok {
			return ts
		}
	}
	return s.marks[entityKey(orgID, entityType, "")]
}

// TypeLevel returns the type-level watermark for (org, entityType).
func (s *Store) TypeLevel(orgID, entityType string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[entityKey(orgID, entityType, "")]
}

// Entry is one watermark in a Snapshot.
type Entry struct {
	OrgID      string    `json:"org_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot returns all watermarks for one org, optionally filtered by
// entity type. Used by the ops API for inspection.
func (s *Store) Snapshot(orgID, entityType string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := orgID + keySep
	if entityType != "" {
		prefix += entityType
	}

	var entries []Entry
	for key, ts := range s.marks {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		parts := strings.Split(key, keySep)
		e := Entry{OrgID: parts[0], EntityType: parts[1], Timestamp: ts}
		if len(parts) > 2 {
			e.EntityID = parts[2]
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Len reports the number of watermarks held. Bounded by
// orgs x entity types x hot entities, so the store is never swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marks)
}

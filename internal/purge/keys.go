// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package purge

import (
	"strings"

	"github.com/pernix-io/pernix/internal/config"
)

// Surrogate key grammar, with H the derived tenant key:
//
//	o:H                 org-wide
//	o:H:p:<propertyID>  one property
//	o:H:e:<type>        one entity type
//	o:H:e:<type>:<id>   one entity
//
// The derived tenant key never reaches the requesting client; these keys
// travel only on the edge-facing Surrogate-Key header and in purge calls.

// OrgKey returns the org-wide surrogate key.
func OrgKey(tenantKey string) string {
	return "o:" + tenantKey
}

// PropertyKey returns the surrogate key for one property.
func PropertyKey(tenantKey, propertyID string) string {
	return "o:" + tenantKey + ":p:" + propertyID
}

// EntityTypeKey returns the surrogate key for an entity type.
func EntityTypeKey(tenantKey, entityType string) string {
	return "o:" + tenantKey + ":e:" + entityType
}

// EntityKey returns the surrogate key for a single entity.
func EntityKey(tenantKey, entityType, entityID string) string {
	return "o:" + tenantKey + ":e:" + entityType + ":" + entityID
}

// Family returns the debounce family of a key: the prefix up to and
// including the entity-type segment for entity keys, otherwise the key
// itself. Invalidations for entities of one type collapse into a single
// pending request.
func Family(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 5 && parts[2] == "e" {
		return strings.Join(parts[:4], ":")
	}
	return key
}

// CoarseKeys expands an org (and optional property) into the canonical
// key set for a bulk invalidation: the org-wide key, the property key
// when a property id is given, and one key per standard entity type.
func CoarseKeys(tenantKey, propertyID string) []string {
	keys := make([]string, 0, len(config.StandardEntityTypes)+2)
	keys = append(keys, OrgKey(tenantKey))
	if propertyID != "" {
		keys = append(keys, PropertyKey(tenantKey, propertyID))
	}
	for _, t := range config.StandardEntityTypes {
		keys = append(keys, EntityTypeKey(tenantKey, t))
	}
	return keys
}

// SurrogateHeader builds the space-separated Surrogate-Key header value
// for an optimized response: org-wide plus entity-type, plus the entity
// key when an id is known.
func SurrogateHeader(tenantKey, entityType, entityID string) string {
	if entityType == "" {
		return OrgKey(tenantKey)
	}
	parts := []string{OrgKey(tenantKey), EntityTypeKey(tenantKey, entityType)}
	if entityID != "" {
		parts = append(parts, EntityKey(tenantKey, entityType, entityID))
	}
	return strings.Join(parts, " ")
}

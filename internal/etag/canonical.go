// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package etag computes deterministic response validators and evaluates
// conditional GET requests against them.
//
// Hashing runs over a canonical serialization: JSON object keys are sorted
// recursively before encoding, so two structurally identical payloads hash
// to the same value no matter what order their fields were marshaled in.
// The same canonical form backs idempotency payload fingerprints, which is
// what keeps a retried write with reordered fields from reading as a
// conflict.
package etag

import (
	"bytes"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// Canonicalize returns the canonical serialization of a JSON document:
// object keys sorted recursively, compact encoding, array order preserved,
// numbers kept in their original textual form.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

// canonicalBytes canonicalizes JSON payloads and passes everything else
// through untouched. Non-JSON bodies still get a deterministic hash; they
// just do not get key-order independence, which is a JSON-only concept.
func canonicalBytes(payload []byte) []byte {
	canon, err := Canonicalize(payload)
	if err != nil {
		return payload
	}
	return canon
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

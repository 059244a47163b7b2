// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package compress negotiates and applies response body compression.
// Brotli is preferred over gzip when the client accepts both; bodies
// outside the configured size window pass through as identity.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/pernix-io/pernix/internal/metrics"
)

const (
	// EncodingIdentity is the passthrough encoding.
	EncodingIdentity = "identity"
	// EncodingGzip is the gzip content coding.
	EncodingGzip = "gzip"
	// EncodingBrotli is the Brotli content coding.
	EncodingBrotli = "br"
)

// Config holds size thresholds and compressor tuning.
type Config struct {
	// MinSize is the smallest body worth compressing, in bytes.
	MinSize int
	// MaxSize is the synchronous-compression ceiling, in bytes. Larger
	// bodies pass through uncompressed.
	MaxSize int
	// BrotliQuality is the Brotli quality level (0-11).
	BrotliQuality int
	// GzipLevel is the gzip compression level (1-9).
	GzipLevel int
}

// Result is the outcome of one negotiation.
type Result struct {
	// Bytes is the body to send, compressed or original.
	Bytes []byte
	// Encoding is the negotiated content coding (identity, gzip, br).
	Encoding string
	// Ratio is compressed size divided by original size; 1 for identity.
	Ratio float64
}

// Negotiator compresses response bodies according to client preference.
// Safe for concurrent use.
type Negotiator struct {
	cfg    Config
	brPool *sync.Pool
	gzPool *sync.Pool
}

// New returns a Negotiator with per-encoding writer pools at the
// configured levels.
func New(cfg Config) *Negotiator {
	return &Negotiator{
		cfg: cfg,
		brPool: &sync.Pool{
			New: func() any {
				return brotli.NewWriterLevel(io.Discard, cfg.BrotliQuality)
			},
		},
		gzPool: &sync.Pool{
			New: func() any {
				w, _ := gzip.NewWriterLevel(io.Discard, cfg.GzipLevel)
				return w
			},
		},
	}
}

// Negotiate selects an encoding from the Accept-Encoding header and
// compresses the body. It falls back to identity when the body is outside
// the size window, the compressor fails, or the output is not smaller
// than the input.
func (n *Negotiator) Negotiate(body []byte, acceptEncoding string) Result {
	identity := Result{Bytes: body, Encoding: EncodingIdentity, Ratio: 1}

	if len(body) < n.cfg.MinSize {
		metrics.RecordCompressionSkip("below_min_size")
		metrics.RecordCompression(EncodingIdentity, 0)
		return identity
	}
	if len(body) > n.cfg.MaxSize {
		metrics.RecordCompressionSkip("above_max_size")
		metrics.RecordCompression(EncodingIdentity, 0)
		return identity
	}

	encoding := chooseEncoding(acceptEncoding)
	if encoding == EncodingIdentity {
		metrics.RecordCompressionSkip("not_accepted")
		metrics.RecordCompression(EncodingIdentity, 0)
		return identity
	}

	compressed, err := n.compress(body, encoding)
	if err != nil {
		metrics.RecordCompressionSkip("compressor_error")
		metrics.RecordCompression(EncodingIdentity, 0)
		return identity
	}
	if len(compressed) >= len(body) {
		metrics.RecordCompressionSkip("not_smaller")
		metrics.RecordCompression(EncodingIdentity, 0)
		return identity
	}

	ratio := float64(len(compressed)) / float64(len(body))
	metrics.RecordCompression(encoding, ratio)
	return Result{Bytes: compressed, Encoding: encoding, Ratio: ratio}
}

func (n *Negotiator) compress(body []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(body) / 2)

	switch encoding {
	case EncodingBrotli:
		w := n.brPool.Get().(*brotli.Writer)
		defer n.brPool.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		w := n.gzPool.Get().(*gzip.Writer)
		defer n.gzPool.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// chooseEncoding selects the best content coding the client accepts.
// Respects q-values; q=0 disqualifies an encoding; * stands in for any
// coding not named explicitly.
func chooseEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return EncodingIdentity
	}

	ae := strings.ToLower(acceptEncoding)

	brQ := parseQValue(ae, "br")
	gzipQ := parseQValue(ae, "gzip")
	starQ := parseQValue(ae, "*")

	if brQ < 0 {
		brQ = starQ
	}
	if gzipQ < 0 {
		gzipQ = starQ
	}

	if brQ > 0 && brQ >= gzipQ {
		return EncodingBrotli
	}
	if gzipQ > 0 {
		return EncodingGzip
	}
	return EncodingIdentity
}

// parseQValue returns -1 if the encoding is not present, 0 if q=0, or
// the parsed quality value (missing q defaults to 1).
func parseQValue(accept, encoding string) float64 {
	idx := strings.Index(accept, encoding)
	if idx < 0 {
		return -1
	}

	// Bound the q search to this encoding's own segment so a later
	// entry's q-value is never picked up.
	segEnd := strings.Index(accept[idx:], ",")
	if segEnd < 0 {
		segEnd = len(accept) - idx
	}
	segment := accept[idx : idx+segEnd]

	qIdx := strings.Index(segment, "q=")
	if qIdx < 0 {
		return 1.0
	}

	qStr := strings.TrimSpace(segment[qIdx+2:])
	if semi := strings.Index(qStr, ";"); semi >= 0 {
		qStr = strings.TrimSpace(qStr[:semi])
	}
	q, err := strconv.ParseFloat(qStr, 64)
	if err != nil {
		return 1.0
	}

	return q
}

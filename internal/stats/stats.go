// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package stats aggregates per-family request metrics over a sliding
// window. Samples live in bounded ring buffers; summaries report TTFB
// percentiles and optimization hit rates.
package stats

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pernix-io/pernix/internal/logging"
)

// Classifier maps request paths to endpoint families by longest matching
// prefix. Pure and immutable after construction.
type Classifier struct {
	prefixes map[string]string
}

// NewClassifier builds a Classifier from a prefix-to-family map.
func NewClassifier(prefixes map[string]string) *Classifier {
	cp := make(map[string]string, len(prefixes))
	for k, v := range prefixes {
		cp[k] = v
	}
	return &Classifier{prefixes: cp}
}

// Classify returns the family for a path, "other" when nothing matches.
func (c *Classifier) Classify(path string) string {
	bestLen := -1
	family := "other"
	for prefix, fam := range c.prefixes {
		if len(prefix) > bestLen && strings.HasPrefix(path, prefix) {
			bestLen = len(prefix)
			family = fam
		}
	}
	return family
}

type sample struct {
	at         time.Time
	ttfbMs     float64
	bytes      int
	status     int
	compressed bool
	ratio      float64
	was304     bool
	etagHit    bool
}

// ring is a fixed-capacity buffer; the oldest sample is evicted on
// overflow.
type ring struct {
	buf   []sample
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = s
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// since returns samples at or after the cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []sample {
	out := make([]sample, 0, r.count)
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.head+i)%len(r.buf)]
		if !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// dropBefore discards samples older than the cutoff.
func (r *ring) dropBefore(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 && r.buf[r.head].at.Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		dropped++
	}
	return dropped
}

// AggregatedMetrics summarizes one family over a window.
type AggregatedMetrics struct {
	Family          string  `json:"family"`
	Count           int     `json:"count"`
	P50TTFBMs       float64 `json:"p50_ttfb_ms"`
	P95TTFBMs       float64 `json:"p95_ttfb_ms"`
	P99TTFBMs       float64 `json:"p99_ttfb_ms"`
	AvgBytes        float64 `json:"avg_bytes"`
	CompressionRate float64 `json:"compression_rate"`
	// AvgCompressionRatio is the mean compressed-to-original size ratio
	// over compressed samples only; zero when none compressed.
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	NotModifiedRate     float64 `json:"not_modified_rate"`
	ETagHitRate         float64 `json:"etag_hit_rate"`
	ErrorRate           float64 `json:"error_rate"`
	WindowMs            int64   `json:"window_ms"`
}

// Config holds aggregator settings.
type Config struct {
	// Window is the retention window for samples.
	Window time.Duration
	// BufferSize is the per-family ring capacity.
	BufferSize int
	// SweepInterval is how often out-of-window samples are evicted.
	SweepInterval time.Duration
}

// Aggregator collects samples per family. Safe for concurrent use.
type Aggregator struct {
	cfg Config

	mu       sync.Mutex
	families map[string]*ring

	now func() time.Time

	stopClean chan struct{}
	stopOnce  sync.Once
}

// NewAggregator returns an empty Aggregator. Call Start to run the
// retention sweeper.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		families:  make(map[string]*ring),
		now:       time.Now,
		stopClean: make(chan struct{}),
	}
}

// Record adds one sample to the family's ring buffer. The ratio is the
// compressed-to-original size ratio; it is ignored unless compressed is
// set.
func (a *Aggregator) Record(family string, ttfbMs float64, bytes, status int, compressed bool, ratio float64, was304, etagHit bool) {
	s := sample{
		at:         a.now(),
		ttfbMs:     ttfbMs,
		bytes:      bytes,
		status:     status,
		compressed: compressed,
		ratio:      ratio,
		was304:     was304,
		etagHit:    etagHit,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.families[family]
	if !ok {
		r = newRing(a.cfg.BufferSize)
		a.families[family] = r
	}
	r.push(s)
}

// Summarize aggregates the family's samples inside the window. A zero
// window uses the configured retention window. An unknown family returns
// a zero-count summary.
func (a *Aggregator) Summarize(family string, window time.Duration) AggregatedMetrics {
	if window <= 0 || window > a.cfg.Window {
		window = a.cfg.Window
	}
	cutoff := a.now().Add(-window)

	a.mu.Lock()
	var samples []sample
	if r, ok := a.families[family]; ok {
		samples = r.since(cutoff)
	}
	a.mu.Unlock()

	out := AggregatedMetrics{
		Family:   family,
		Count:    len(samples),
		WindowMs: window.Milliseconds(),
	}
	if len(samples) == 0 {
		return out
	}

	ttfbs := make([]float64, 0, len(samples))
	var totalBytes, compressed, notModified, etagHits, errors int
	var ratioSum float64
	for _, s := range samples {
		ttfbs = append(ttfbs, s.ttfbMs)
		totalBytes += s.bytes
		if s.compressed {
			compressed++
			ratioSum += s.ratio
		}
		if s.was304 {
			notModified++
		}
		if s.etagHit {
			etagHits++
		}
		if s.status >= 500 {
			errors++
		}
	}
	sort.Float64s(ttfbs)

	n := float64(len(samples))
	out.P50TTFBMs = percentile(ttfbs, 50)
	out.P95TTFBMs = percentile(ttfbs, 95)
	out.P99TTFBMs = percentile(ttfbs, 99)
	out.AvgBytes = float64(totalBytes) / n
	out.CompressionRate = float64(compressed) / n
	if compressed > 0 {
		out.AvgCompressionRatio = ratioSum / float64(compressed)
	}
	out.NotModifiedRate = float64(notModified) / n
	out.ETagHitRate = float64(etagHits) / n
	out.ErrorRate = float64(errors) / n
	return out
}

// Families returns the known family names, sorted.
func (a *Aggregator) Families() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.families))
	for fam := range a.families {
		out = append(out, fam)
	}
	sort.Strings(out)
	return out
}

// SummarizeAll returns a summary per known family over the window.
func (a *Aggregator) SummarizeAll(window time.Duration) []AggregatedMetrics {
	out := make([]AggregatedMetrics, 0)
	for _, fam := range a.Families() {
		out = append(out, a.Summarize(fam, window))
	}
	return out
}

// percentile indexes a sorted slice at ceil(p/100*n)-1, clamped to valid
// bounds.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	idx--
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Start launches the retention sweeper.
func (a *Aggregator) Start() {
	go a.cleanupLoop()
}

func (a *Aggregator) cleanupLoop() {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.stopClean:
			return
		}
	}
}

func (a *Aggregator) sweep() {
	cutoff := a.now().Add(-a.cfg.Window)

	a.mu.Lock()
	dropped := 0
	for fam, r := range a.families {
		dropped += r.dropBefore(cutoff)
		if r.count == 0 {
			delete(a.families, fam)
		}
	}
	a.mu.Unlock()

	if dropped > 0 {
		log := logging.WithComponent("stats")
		log.Debug().
			Int("dropped", dropped).
			Msg("Swept out-of-window samples")
	}
}

// Stop halts the sweeper. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopClean)
	})
}

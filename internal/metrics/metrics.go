// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request pipeline metrics

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pernix_request_duration_seconds",
			Help:    "Duration of optimized requests through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family", "status"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_requests_total",
			Help: "Total requests processed by the pipeline",
		},
		[]string{"family", "status"},
	)

	ResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pernix_response_bytes",
			Help:    "Payload size of optimized responses in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"family"},
	)

	// Conditional GET metrics

	ConditionalResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_conditional_results_total",
			Help: "Conditional GET outcomes (200 vs 304, etag vs last-modified)",
		},
		[]string{"result"},
	)

	// Compression metrics

	CompressionEncodings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_compression_total",
			Help: "Responses by negotiated content encoding",
		},
		[]string{"encoding"},
	)

	CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pernix_compression_ratio",
			Help:    "Compressed size divided by original size",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CompressionSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_compression_skips_total",
			Help: "Responses that bypassed compression, by reason",
		},
		[]string{"reason"},
	)

	// Rate limiter metrics

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_ratelimit_rejections_total",
			Help: "Requests rejected by the token-bucket rate limiter",
		},
		[]string{"category"},
	)

	RateLimitBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pernix_ratelimit_buckets",
			Help: "Live (tenant, category) token buckets",
		},
	)

	// Idempotency metrics

	IdempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_idempotency_outcomes_total",
			Help: "Idempotency gate outcomes (new, replay, conflict, in_flight)",
		},
		[]string{"outcome"},
	)

	IdempotencyRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pernix_idempotency_records",
			Help: "Committed idempotency records currently held",
		},
	)

	// Purge manager metrics

	PurgeBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pernix_purge_batches_total",
			Help: "Purge batches dispatched to the CDN API, by outcome",
		},
		[]string{"provider", "outcome"},
	)

	PurgeKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pernix_purge_keys_total",
			Help: "Surrogate keys dispatched to the CDN API",
		},
	)

	PurgeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pernix_purge_queue_depth",
			Help: "Purge requests pending in the debounce map",
		},
	)

	PurgeDebounceMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pernix_purge_debounce_merges_total",
			Help: "Purge enqueues coalesced into an already-pending request",
		},
	)

	// Watermark metrics

	WatermarkAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pernix_watermark_advances_total",
			Help: "Watermark timestamps moved forward by a mutation",
		},
	)
)

// RecordRequest records one completed pipeline request.
func RecordRequest(family string, status int, duration time.Duration, payloadBytes int) {
	code := strconv.Itoa(status)
	RequestDuration.WithLabelValues(family, code).Observe(duration.Seconds())
	RequestsTotal.WithLabelValues(family, code).Inc()
	ResponseBytes.WithLabelValues(family).Observe(float64(payloadBytes))
}

// RecordConditional records a conditional GET outcome. etagMatched is only
// meaningful when was304 is true.
func RecordConditional(was304, etagMatched bool) {
	switch {
	case was304 && etagMatched:
		ConditionalResults.WithLabelValues("304_etag").Inc()
	case was304:
		ConditionalResults.WithLabelValues("304_last_modified").Inc()
	default:
		ConditionalResults.WithLabelValues("200").Inc()
	}
}

// RecordCompression records a negotiated encoding and, for non-identity
// encodings, the achieved ratio.
func RecordCompression(encoding string, ratio float64) {
	CompressionEncodings.WithLabelValues(encoding).Inc()
	if encoding != "identity" && ratio > 0 {
		CompressionRatio.Observe(ratio)
	}
}

// RecordCompressionSkip records a response that bypassed compression.
func RecordCompressionSkip(reason string) {
	CompressionSkips.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection records a 429 issued by the rate limiter.
func RecordRateLimitRejection(category string) {
	RateLimitRejections.WithLabelValues(category).Inc()
}

// RecordIdempotencyOutcome records an idempotency gate decision.
func RecordIdempotencyOutcome(outcome string) {
	IdempotencyOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPurgeBatch records one dispatched purge batch.
func RecordPurgeBatch(provider, outcome string, keys int) {
	PurgeBatchesTotal.WithLabelValues(provider, outcome).Inc()
	if outcome == "success" {
		PurgeKeysTotal.Add(float64(keys))
	}
}

// RecordWatermarkAdvance records a watermark moving forward.
func RecordWatermarkAdvance() {
	WatermarkAdvances.Inc()
}

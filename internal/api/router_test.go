// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/idempotency"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/ratelimit"
	"github.com/pernix-io/pernix/internal/stats"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/watermark"
)

type testAPI struct {
	router  http.Handler
	handler *Handler
	marks   *watermark.Store
	idem    *idempotency.Store
	limiter *ratelimit.Registry
	purger  *purge.Manager
	agg     *stats.Aggregator
	tenant  *tenant.Generator
}

func newTestAPI(t *testing.T, bearerToken string) *testAPI {
	t.Helper()

	gen, err := tenant.NewGenerator("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	marks := watermark.NewStore()
	idem := idempotency.NewStore(time.Hour, time.Minute)
	limiter := ratelimit.NewRegistry(config.RateLimitConfig{
		Enabled:       true,
		IdleTTL:       time.Hour,
		SweepInterval: time.Minute,
		Categories: map[string]config.BucketConfig{
			"read":    {Capacity: 2, RefillPerSec: 0.001},
			"default": {Capacity: 2, RefillPerSec: 0.001},
		},
	})
	agg := stats.NewAggregator(stats.Config{
		Window: time.Minute, BufferSize: 128, SweepInterval: time.Minute,
	})

	provider, err := purge.NewProvider(config.PurgeConfig{Provider: "log"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	purger := purge.NewManager(config.PurgeConfig{
		Provider:          "log",
		Debounce:          time.Second,
		Tick:              100 * time.Millisecond,
		MaxKeysPerCall:    256,
		MaxCallsPerSecond: 10,
		RetryBackoff:      time.Second,
		QueueCapacity:     64,
	}, provider)

	h := NewHandler(agg, marks, idem, limiter, purger, gen)
	router := NewRouter(config.OpsConfig{
		BearerToken:        bearerToken,
		RateLimitPerMinute: 1000,
		CORSOrigins:        []string{"*"},
	}, h, nil)

	return &testAPI{
		router: router, handler: h, marks: marks, idem: idem,
		limiter: limiter, purger: purger, agg: agg, tenant: gen,
	}
}

func (a *testAPI) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	rec := a.do(http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	env := decodeEnvelope(t, rec)
	if env.Status != "ok" {
		t.Errorf("envelope status = %q", env.Status)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["status"] != "healthy" {
		t.Errorf("data = %v", env.Data)
	}
	if env.Metadata.RequestID == "" {
		t.Error("metadata missing request id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	rec := a.do(http.MethodGet, "/metrics", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing runtime collectors")
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	for i := 0; i < 10; i++ {
		a.agg.Record("bookings", float64(10+i), 512, http.StatusOK, true, 0.5, false, false)
	}

	rec := a.do(http.MethodGet, "/api/v1/ops/stats?family=bookings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", env.Data)
	}
	if data["count"] != float64(10) {
		t.Errorf("count = %v, want 10", data["count"])
	}
	if data["compression_rate"] != float64(1) {
		t.Errorf("compression_rate = %v", data["compression_rate"])
	}

	if rec := a.do(http.MethodGet, "/api/v1/ops/stats?window_ms=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus window_ms status = %d, want 400", rec.Code)
	}

	// Without a family filter the endpoint lists every family.
	a.agg.Record("revenue", 5, 256, http.StatusOK, false, 0, false, false)
	rec = a.do(http.MethodGet, "/api/v1/ops/stats", "")
	env = decodeEnvelope(t, rec)
	list, ok := env.Data.([]any)
	if !ok || len(list) != 2 {
		t.Errorf("data = %v, want 2 families", env.Data)
	}
}

func TestWatermarksEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	a.marks.Touch("org-1", "bookings", "b1")
	a.marks.Touch("org-1", "revenue", "r1")

	rec := a.do(http.MethodGet, "/api/v1/ops/watermarks?org=org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	// Two touches produce entity plus type level marks.
	if data["count"] != float64(4) {
		t.Errorf("count = %v, want 4", data["count"])
	}

	rec = a.do(http.MethodGet, "/api/v1/ops/watermarks?org=org-1&type=bookings&id=b1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("entity lookup status = %d", rec.Code)
	}

	if rec := a.do(http.MethodGet, "/api/v1/ops/watermarks", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing org status = %d, want 400", rec.Code)
	}
	if rec := a.do(http.MethodGet, "/api/v1/ops/watermarks?org=org-1&type=bookings&id=nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", rec.Code)
	}
}

func TestDeleteIdempotencyEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	tenantKey, err := a.tenant.Key("org-1")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if err := a.idem.Store(tenantKey, "booking-create-900", "/api/v1/bookings", []byte(`{}`),
		idempotency.Response{Status: http.StatusCreated, Body: []byte(`{"id":"b1"}`)}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec := a.do(http.MethodDelete, "/api/v1/ops/idempotency?org=org-1&key=booking-create-900", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if a.idem.Len() != 0 {
		t.Error("record survived deletion")
	}

	if rec := a.do(http.MethodDelete, "/api/v1/ops/idempotency?org=org-1&key=booking-create-900", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if rec := a.do(http.MethodDelete, "/api/v1/ops/idempotency?org=org-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key status = %d, want 400", rec.Code)
	}
}

func TestRateLimitResetEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	tenantKey, err := a.tenant.Key("org-1")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}

	// Drain the bucket, then confirm the reset restores capacity.
	for i := 0; i < 2; i++ {
		a.limiter.Consume(tenantKey, "read", 1)
	}
	if d := a.limiter.Consume(tenantKey, "read", 1); d.Allowed {
		t.Fatal("bucket not drained")
	}

	rec := a.do(http.MethodPost, "/api/v1/ops/ratelimit/reset", `{"org":"org-1","category":"read"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if d := a.limiter.Consume(tenantKey, "read", 1); !d.Allowed {
		t.Error("bucket still empty after reset")
	}

	rec = a.do(http.MethodPost, "/api/v1/ops/ratelimit/reset", `{"org":"org-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing category status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("error = %+v, want validation_error", env.Error)
	}
	if env.Error.Details["field"] != "Category" {
		t.Errorf("Details = %v, want failing field Category", env.Error.Details)
	}
	if rec := a.do(http.MethodPost, "/api/v1/ops/ratelimit/reset", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestPurgeEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")

	// Coarse expansion: org and entity-type keys.
	rec := a.do(http.MethodPost, "/api/v1/ops/purge", `{"org":"org-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	wantCoarse := float64(1 + len(config.StandardEntityTypes))
	if data["queued"] != wantCoarse {
		t.Errorf("queued = %v, want %v", data["queued"], wantCoarse)
	}

	// Explicit keys bypass expansion.
	rec = a.do(http.MethodPost, "/api/v1/ops/purge", `{"org":"org-1","keys":["o:abc:e:bookings:b1"],"priority":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("explicit keys status = %d", rec.Code)
	}
	env = decodeEnvelope(t, rec)
	if env.Data.(map[string]any)["queued"] != float64(1) {
		t.Errorf("queued = %v, want 1", env.Data.(map[string]any)["queued"])
	}

	if rec := a.do(http.MethodPost, "/api/v1/ops/purge", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing org status = %d, want 400", rec.Code)
	}
	rec = a.do(http.MethodPost, "/api/v1/ops/purge", `{"org":"org-1","priority":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad priority status = %d, want 400", rec.Code)
	}
	env = decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("error = %+v, want validation_error", env.Error)
	}
	if env.Error.Details["field"] != "Priority" {
		t.Errorf("Details = %v, want failing field Priority", env.Error.Details)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "ops-secret-token")

	rec := a.do(http.MethodGet, "/api/v1/ops/stats", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "unauthorized" {
		t.Errorf("error = %+v", env.Error)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/stats", nil)
	req.Header.Set("Authorization", "Bearer ops-secret-token")
	recOK := httptest.NewRecorder()
	a.router.ServeHTTP(recOK, req)
	if recOK.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", recOK.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/ops/stats", nil)
	req2.Header.Set("Authorization", "Bearer wrong-token")
	rec2 := httptest.NewRecorder()
	a.router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec2.Code)
	}

	// Health stays open regardless of the token.
	if rec := a.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "")
	rec := a.do(http.MethodGet, "/api/v1/ops/stats", "")

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
}

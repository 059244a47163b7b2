// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pernix-io/pernix/internal/compress"
	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/idempotency"
	"github.com/pernix-io/pernix/internal/pipeline"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/ratelimit"
	"github.com/pernix-io/pernix/internal/stats"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/watermark"
)

type testEnv struct {
	gw     *Gateway
	marks  *watermark.Store
	purger *purge.Manager
	tenant *tenant.Generator
}

func newTestEnv(t *testing.T, originURL string, rateCapacity int) *testEnv {
	t.Helper()

	gen, err := tenant.NewGenerator("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	bucket := config.BucketConfig{Capacity: rateCapacity, RefillPerSec: 1}
	marks := watermark.NewStore()
	pipe := pipeline.New(pipeline.Options{
		Tenant: gen,
		Limiter: ratelimit.NewRegistry(config.RateLimitConfig{
			Enabled:       true,
			IdleTTL:       time.Hour,
			SweepInterval: time.Minute,
			Categories: map[string]config.BucketConfig{
				"read": bucket, "write": bucket, "default": bucket,
			},
		}),
		Idem:       idempotency.NewStore(time.Hour, time.Minute),
		Watermarks: marks,
		Negotiator: compress.New(compress.Config{MinSize: 64, MaxSize: 10 << 20, BrotliQuality: 4, GzipLevel: 5}),
		Classifier: stats.NewClassifier(map[string]string{"/api/v1/bookings": "bookings"}),
		Stats: stats.NewAggregator(stats.Config{
			Window: time.Minute, BufferSize: 128, SweepInterval: time.Minute,
		}),
		RateLimitEnabled: true,
		CacheControl:     "private, max-age=60",
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

	gw, err := New(config.GatewayConfig{
		OriginURL:      originURL,
		ForwardTimeout: 5 * time.Second,
	}, pipe, marks, purger, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{gw: gw, marks: marks, purger: purger, tenant: gen}
}

func TestParseEntity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		wantType string
		wantID   string
	}{
		{"/api/v1/bookings/b1", "bookings", "b1"},
		{"/api/v1/bookings", "bookings", ""},
		{"/api/v1/revenue/r9/lines", "revenue", "r9"},
		{"/api/v1/ops/stats", "", ""},
		{"/api/v1/", "", ""},
		{"/healthz", "", ""},
	}
	for _, tt := range tests {
		gotType, gotID := parseEntity(tt.path)
		if gotType != tt.wantType || gotID != tt.wantID {
			t.Errorf("parseEntity(%q) = (%q, %q), want (%q, %q)",
				tt.path, gotType, gotID, tt.wantType, tt.wantID)
		}
	}
}

func TestGatewayOptimizedGET(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			t.Error("conditional headers leaked to origin")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Origin-Version", "7")
		_, _ = w.Write([]byte(`{"id":"b1","status":"confirmed"}`))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Origin-Version") != "7" {
		t.Error("origin header dropped")
	}
	et := rec.Header().Get("ETag")
	if et == "" {
		t.Fatal("missing ETag")
	}
	if rec.Header().Get("Cache-Control") != "private, max-age=60" {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}

	// A revalidation with the returned ETag short-circuits to 304.
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
	req2.Header.Set("X-Org-ID", "org-1")
	req2.Header.Set("If-None-Match", et)
	rec2 := httptest.NewRecorder()
	env.gw.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("revalidation status = %d, want 304", rec2.Code)
	}
	if rec2.Body.Len() != 0 {
		t.Errorf("304 carried %d body bytes", rec2.Body.Len())
	}
}

func TestGatewayPassthrough(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin-Raw", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("raw body"))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	if rec.Body.String() != "raw body" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Origin-Raw") != "yes" {
		t.Error("origin header dropped on passthrough")
	}
	if rec.Header().Get("ETag") != "" {
		t.Error("passthrough grew an ETag")
	}
}

func TestGatewayMutationSideEffects(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Entity-Type", "bookings")
		w.Header().Set("X-Entity-ID", "b77")
		w.Header().Set("X-Property-ID", "p3")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"b77"}`))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(`{"guest":"g1"}`))
	req.Header.Set("X-Org-ID", "org-1")
	req.Header.Set("Idempotency-Key", "booking-create-100")
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	for _, h := range []string{"X-Entity-Type", "X-Entity-ID", "X-Property-ID"} {
		if rec.Header().Get(h) != "" {
			t.Errorf("internal annotation %s leaked to client", h)
		}
	}

	if env.marks.Best("org-1", "bookings", "b77").IsZero() {
		t.Error("watermark not bumped for mutated entity")
	}
	if got := env.purger.PendingLen(); got == 0 {
		t.Error("no purge request queued after mutation")
	}

	// Replaying the same key must not double-queue purges.
	before := env.purger.PendingLen()
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(`{"guest":"g1"}`))
	req2.Header.Set("X-Org-ID", "org-1")
	req2.Header.Set("Idempotency-Key", "booking-create-100")
	env.gw.ServeHTTP(rec2, req2)

	if rec2.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("Idempotent-Replayed = %q", rec2.Header().Get("Idempotent-Replayed"))
	}
	if got := env.purger.PendingLen(); got != before {
		t.Errorf("replay changed purge queue: %d -> %d", before, got)
	}
}

func TestGatewayOriginAnnotatedEntityType(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Entity-Type", "bookings")
		w.Header().Set("X-Entity-ID", "b42")
		_, _ = w.Write([]byte(`{"id":"b42","status":"confirmed","padding":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 100)

	// The dashboard path carries no entity coordinates; only the origin
	// annotation identifies what was served.
	req := httptest.NewRequest(http.MethodGet, "/dashboard/summary", nil)
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sk := rec.Header().Get("Surrogate-Key")
	if !strings.Contains(sk, ":e:bookings:b42") {
		t.Errorf("Surrogate-Key = %q, missing origin-annotated entity", sk)
	}
}

func TestGatewayRateLimited(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 1)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
		req.Header.Set("X-Org-ID", "org-1")
		rec := httptest.NewRecorder()
		env.gw.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	var body struct {
		Code    string `json:"code"`
		Details struct {
			RetryAfterMs int64 `json:"retryAfterMs"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if body.Code != "rate_limit_exceeded" || body.Details.RetryAfterMs <= 0 {
		t.Errorf("429 body = %+v", body)
	}
}

func TestGatewayOriginDown(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	env := newTestEnv(t, origin.URL, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	env.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestGatewayRejectsBadOrigin(t *testing.T) {
	t.Parallel()

	if _, err := New(config.GatewayConfig{OriginURL: "://missing-scheme", ForwardTimeout: time.Second},
		nil, nil, nil, nil); err == nil {
		t.Error("expected error for malformed origin url")
	}
	if _, err := New(config.GatewayConfig{OriginURL: "/relative/only", ForwardTimeout: time.Second},
		nil, nil, nil, nil); err == nil {
		t.Error("expected error for origin url without host")
	}
}

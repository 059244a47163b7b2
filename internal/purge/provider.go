// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package purge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/logging"
)

// maxErrorBodySize caps how much of an error response is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// Provider dispatches a batch of surrogate keys to a CDN purge API.
type Provider interface {
	// Purge invalidates the given keys. A RateLimitedError means the
	// provider asked to slow down; the batch should be retried later.
	Purge(ctx context.Context, keys []string) error
	// Name identifies the provider in logs and metrics.
	Name() string
}

// RateLimitedError reports a provider 429 with its requested wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("purge provider rate limited, retry after %s", e.RetryAfter)
}

// NewProvider builds the configured provider.
func NewProvider(cfg config.PurgeConfig) (Provider, error) {
	switch cfg.Provider {
	case "log":
		return &logProvider{}, nil
	case "surrogate":
		return &surrogateProvider{core: newHTTPCore("surrogate", cfg)}, nil
	case "tag":
		return &tagProvider{core: newHTTPCore("tag", cfg)}, nil
	default:
		return nil, fmt.Errorf("unknown purge provider %q", cfg.Provider)
	}
}

// logProvider writes purges to the log instead of calling a CDN. Used in
// development and tests.
type logProvider struct{}

func (p *logProvider) Name() string { return "log" }

func (p *logProvider) Purge(_ context.Context, keys []string) error {
	log := logging.WithComponent("purge")
	log.Info().
		Int("keys", len(keys)).
		Strs("surrogate_keys", keys).
		Msg("Purge dispatched (log provider)")
	return nil
}

// httpCore is the shared HTTP client for CDN providers: timeout-bound
// transport, circuit breaker, 429 handling, bounded error reads.
type httpCore struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

func newHTTPCore(name string, cfg config.PurgeConfig) *httpCore {
	log := logging.WithComponent("purge")

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "cdn-purge-" + name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			log.Info().
				Str("breaker", bname).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("Purge circuit breaker state change")
		},
	})

	return &httpCore{
		name:     name,
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: 15 * time.Second},
		breaker:  breaker,
	}
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// post sends the payload through the circuit breaker. setAuth applies
// the provider's authentication header.
func (c *httpCore) post(ctx context.Context, payload any, setAuth func(*http.Request)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode purge payload: %w", err)
	}

	_, err = c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.doPost(ctx, body, setAuth)
	})
	return err
}

func (c *httpCore) doPost(ctx context.Context, body []byte, setAuth func(*http.Request)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build purge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("purge request failed: %w", err)
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := readBodyForError(resp.Body)
		return fmt.Errorf("purge endpoint returned status %d: %s", resp.StatusCode, errBody)
	}
	return nil
}

// parseRetryAfter interprets the Retry-After header (delta-seconds form),
// defaulting to 5s when absent or malformed.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 5 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// readBodyForError reads a bounded prefix of an error response body.
func readBodyForError(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return string(b)
}

// surrogateProvider purges by surrogate key:
// POST {"surrogate_keys":[...]} with a Surrogate-Auth-Token header.
type surrogateProvider struct {
	core *httpCore
}

func (p *surrogateProvider) Name() string { return "surrogate" }

func (p *surrogateProvider) Purge(ctx context.Context, keys []string) error {
	payload := map[string][]string{"surrogate_keys": keys}
	return p.core.post(ctx, payload, func(req *http.Request) {
		req.Header.Set("Surrogate-Auth-Token", p.core.token)
	})
}

// tagProvider purges by cache tag:
// POST {"tags":[...]} with bearer authentication.
type tagProvider struct {
	core *httpCore
}

func (p *tagProvider) Name() string { return "tag" }

func (p *tagProvider) Purge(ctx context.Context, keys []string) error {
	payload := map[string][]string{"tags": keys}
	return p.core.post(ctx, payload, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+p.core.token)
	})
}

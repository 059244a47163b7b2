// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package gateway adapts edge HTTP traffic onto the optimization
// pipeline. It trusts upstream-injected identity headers, forwards to
// the configured origin, and feeds successful mutations into the
// watermark store and the purge queue.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/pipeline"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/watermark"
)

// Identity and annotation headers. X-Org-ID and X-User-ID are injected
// by the upstream auth layer; the X-Entity-* headers are origin
// annotations that never reach the client.
const (
	headerOrgID      = "X-Org-ID"
	headerUserID     = "X-User-ID"
	headerEntityType = "X-Entity-Type"
	headerEntityID   = "X-Entity-ID"
	headerPropertyID = "X-Property-ID"
)

const maxRequestBody = 10 << 20

// hopHeaders are stripped in both directions, per RFC 9110 section 7.6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Gateway is a reverse proxy that runs the optimization pipeline around
// origin requests.
type Gateway struct {
	origin *url.URL
	client *http.Client

	pipe   *pipeline.Pipeline
	marks  *watermark.Store
	purger *purge.Manager
	tenant *tenant.Generator
	log    zerolog.Logger
}

// New builds a Gateway forwarding to cfg.OriginURL. The purge manager
// may be nil when purging is disabled.
func New(cfg config.GatewayConfig, pipe *pipeline.Pipeline, marks *watermark.Store, purger *purge.Manager, gen *tenant.Generator) (*Gateway, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("parsing origin url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin url %q missing scheme or host", cfg.OriginURL)
	}

	return &Gateway{
		origin: origin,
		client: &http.Client{
			Timeout: cfg.ForwardTimeout,
			// The pipeline negotiates client encodings itself; origin
			// responses stay identity.
			Transport: &http.Transport{DisableCompression: true},
		},
		pipe:   pipe,
		marks:  marks,
		purger: purger,
		tenant: gen,
		log:    logging.WithComponent("gateway"),
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orgID := r.Header.Get(headerOrgID)
	if orgID == "" {
		// Unidentified traffic is augmented, never blocked.
		g.passthrough(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	entityType, entityID := parseEntity(r.URL.Path)
	req := pipeline.Request{
		OrgID:           orgID,
		UserID:          r.Header.Get(headerUserID),
		Method:          r.Method,
		Path:            r.URL.Path,
		EntityType:      entityType,
		EntityID:        entityID,
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
		AcceptEncoding:  r.Header.Get("Accept-Encoding"),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		Body:            body,
	}

	var originHeader http.Header
	var originEntityType, originEntityID, propertyID string
	handler := func(ctx context.Context) (pipeline.HandlerResult, error) {
		result, hdr, err := g.forward(ctx, r, body)
		if err != nil {
			return pipeline.HandlerResult{}, err
		}
		originHeader = hdr
		originEntityType = hdr.Get(headerEntityType)
		originEntityID = hdr.Get(headerEntityID)
		propertyID = hdr.Get(headerPropertyID)
		return result, nil
	}

	resp, err := g.pipe.Execute(r.Context(), req, handler)
	if err != nil {
		var ge *pipeline.GateError
		if errors.As(err, &ge) {
			ge.Write(w)
			return
		}
		g.log.Error().Err(err).Str("path", r.URL.Path).Msg("origin request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	if !resp.Replayed && isMutation(r.Method) && resp.Status >= 200 && resp.Status < 300 {
		entityType := req.EntityType
		if entityType == "" {
			entityType = originEntityType
		}
		g.afterMutation(orgID, entityType, req.EntityID, originEntityID, propertyID)
	}

	writeOriginHeaders(w.Header(), originHeader)
	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// forward sends the request to the origin and maps the response into a
// handler result. Conditional and encoding headers are withheld so the
// origin always answers with a full identity body.
func (g *Gateway) forward(ctx context.Context, r *http.Request, body []byte) (pipeline.HandlerResult, http.Header, error) {
	target := *g.origin
	target.Path = singleJoin(g.origin.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return pipeline.HandlerResult{}, nil, fmt.Errorf("building origin request: %w", err)
	}

	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Del("If-None-Match")
	out.Header.Del("If-Modified-Since")
	out.Header.Del("Accept-Encoding")
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := out.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	res, err := g.client.Do(out)
	if err != nil {
		return pipeline.HandlerResult{}, nil, fmt.Errorf("forwarding to origin: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return pipeline.HandlerResult{}, nil, fmt.Errorf("reading origin response: %w", err)
	}

	return pipeline.HandlerResult{
		Status:     res.StatusCode,
		Body:       respBody,
		EntityType: res.Header.Get(headerEntityType),
		EntityID:   res.Header.Get(headerEntityID),
	}, res.Header, nil
}

// afterMutation bumps the watermark and queues purge keys once a
// mutation lands at the origin.
func (g *Gateway) afterMutation(orgID, entityType, pathEntityID, resultEntityID, propertyID string) {
	if entityType == "" {
		return
	}
	entityID := pathEntityID
	if entityID == "" {
		entityID = resultEntityID
	}

	g.marks.Touch(orgID, entityType, entityID)

	if g.purger == nil {
		return
	}
	tenantKey, err := g.tenant.Key(orgID)
	if err != nil {
		return
	}

	keys := []string{purge.EntityTypeKey(tenantKey, entityType)}
	if entityID != "" {
		keys = append(keys, purge.EntityKey(tenantKey, entityType, entityID))
	}
	if propertyID != "" {
		keys = append(keys, purge.PropertyKey(tenantKey, propertyID))
	}
	g.purger.Queue(keys, "gateway", purge.PriorityNormal)
}

// passthrough proxies the request verbatim for traffic the pipeline
// does not cover.
func (g *Gateway) passthrough(w http.ResponseWriter, r *http.Request) {
	target := *g.origin
	target.Path = singleJoin(g.origin.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	res, err := g.client.Do(out)
	if err != nil {
		g.log.Error().Err(err).Str("path", r.URL.Path).Msg("passthrough failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	writeOriginHeaders(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, res.Body)
}

// entityTypes indexes the standard entity types for path derivation.
var entityTypes = func() map[string]struct{} {
	m := make(map[string]struct{}, len(config.StandardEntityTypes))
	for _, t := range config.StandardEntityTypes {
		m[t] = struct{}{}
	}
	return m
}()

// parseEntity derives entity coordinates from /api/v1/<type>/<id> paths.
// Unknown segments yield empty coordinates.
func parseEntity(path string) (entityType, entityID string) {
	rest, ok := strings.CutPrefix(path, "/api/v1/")
	if !ok {
		return "", ""
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 3)
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	if _, known := entityTypes[parts[0]]; !known {
		return "", ""
	}
	entityType = parts[0]
	if len(parts) >= 2 {
		entityID = parts[1]
	}
	return entityType, entityID
}

// writeOriginHeaders copies origin response headers, dropping hop-by-hop
// headers, internal annotations, and everything the pipeline owns.
func writeOriginHeaders(dst, src http.Header) {
	if src == nil {
		return
	}
	// Keys are canonicalized so annotation constants like "X-Entity-ID"
	// match their canonical wire form "X-Entity-Id".
	skip := make(map[string]struct{})
	for _, h := range []string{
		headerEntityType,
		headerEntityID,
		headerPropertyID,
		"Content-Length",
		"Content-Encoding",
		"Etag",
		"Last-Modified",
		"Cache-Control",
		"Vary",
	} {
		skip[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, h := range hopHeaders {
		skip[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for k, vs := range src {
		if _, drop := skip[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		dst[k] = vs
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

// Package main is the entry point for the Pernix server.
//
// Pernix sits between an edge proxy and an origin application and adds
// conditional GETs, compression negotiation, per-tenant rate limiting,
// idempotency replay, and CDN purge batching to origin responses.
//
// # Startup
//
// The server initializes in the following order:
//
//  1. Configuration: Koanf v2 layering defaults, config.yaml, PERNIX_* env
//  2. Logging: zerolog with the configured level and format
//  3. Stores: tenant key generator, watermarks, rate limiter, idempotency,
//     stats aggregator, compression negotiator
//  4. Purge: provider client and debounced purge manager (if enabled)
//  5. Gateway: reverse proxy to the configured origin
//  6. Supervisor tree: maintenance sweeps, purge dispatch, HTTP server
//
// # Configuration
//
// All settings load via Koanf v2 with layered sources (highest priority
// wins): PERNIX_* environment variables, config.yaml, built-in defaults.
// PERNIX_TENANT_SALT and PERNIX_ORIGIN_URL are required.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the listener drains
// in-flight requests, the purge manager flushes its pending queue, and
// any service still running after the shutdown timeout is reported.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pernix-io/pernix/internal/api"
	"github.com/pernix-io/pernix/internal/compress"
	"github.com/pernix-io/pernix/internal/config"
	"github.com/pernix-io/pernix/internal/gateway"
	"github.com/pernix-io/pernix/internal/idempotency"
	"github.com/pernix-io/pernix/internal/logging"
	"github.com/pernix-io/pernix/internal/pipeline"
	"github.com/pernix-io/pernix/internal/purge"
	"github.com/pernix-io/pernix/internal/ratelimit"
	"github.com/pernix-io/pernix/internal/stats"
	"github.com/pernix-io/pernix/internal/supervisor"
	"github.com/pernix-io/pernix/internal/supervisor/services"
	"github.com/pernix-io/pernix/internal/tenant"
	"github.com/pernix-io/pernix/internal/watermark"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	redacted := cfg.Redacted()
	logging.Info().
		Str("origin_url", redacted.Gateway.OriginURL).
		Str("purge_provider", redacted.Purge.Provider).
		Bool("ratelimit_enabled", redacted.RateLimit.Enabled).
		Int("port", redacted.Server.Port).
		Msg("Configuration loaded")

	if cfg.Gateway.OriginURL == "" {
		logging.Fatal().Msg("PERNIX_ORIGIN_URL is required")
	}

	// === STORES ===

	gen, err := tenant.NewGenerator(cfg.Tenant.Salt)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize tenant key generator")
	}

	marks := watermark.NewStore()
	limiter := ratelimit.NewRegistry(cfg.RateLimit)
	idem := idempotency.NewStore(cfg.Idempotency.TTL, cfg.Idempotency.SweepInterval)
	classifier := stats.NewClassifier(cfg.Stats.FamilyPrefixes)
	agg := stats.NewAggregator(stats.Config{
		Window:        cfg.Stats.Window,
		BufferSize:    cfg.Stats.BufferSize,
		SweepInterval: cfg.Stats.SweepInterval,
	})
	negotiator := compress.New(compress.Config{
		MinSize:       cfg.Compression.MinSize,
		MaxSize:       cfg.Compression.MaxSize,
		BrotliQuality: cfg.Compression.BrotliQuality,
		GzipLevel:     cfg.Compression.GzipLevel,
	})

	var purger *purge.Manager
	if cfg.Purge.Enabled {
		provider, err := purge.NewProvider(cfg.Purge)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize purge provider")
		}
		purger = purge.NewManager(cfg.Purge, provider)
		logging.Info().Str("provider", provider.Name()).Msg("Purge manager initialized")
	} else {
		logging.Info().Msg("Purging disabled")
	}

	// === PIPELINE AND GATEWAY ===

	pipe := pipeline.New(pipeline.Options{
		Tenant:                      gen,
		Limiter:                     limiter,
		Idem:                        idem,
		Watermarks:                  marks,
		Negotiator:                  negotiator,
		Classifier:                  classifier,
		Stats:                       agg,
		RateLimitEnabled:            cfg.RateLimit.Enabled,
		CacheControl:                cfg.Gateway.CacheControl,
		IdempotencyRequiredPrefixes: cfg.Idempotency.RequiredPathPrefixes,
	})

	gw, err := gateway.New(cfg.Gateway, pipe, marks, purger, gen)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize gateway")
	}

	handler := api.NewHandler(agg, marks, idem, limiter, purger, gen)
	router := api.NewRouter(cfg.Ops, handler, gw)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// === SUPERVISOR TREE ===

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build supervisor tree")
	}

	tree.AddMaintenanceService(services.NewStartStopService(limiter, "ratelimit-sweeper"))
	tree.AddMaintenanceService(services.NewStartStopService(idem, "idempotency-sweeper"))
	tree.AddMaintenanceService(services.NewStartStopService(agg, "stats-sweeper"))
	if purger != nil {
		tree.AddDispatchService(services.NewStartStopService(purger, "purge-manager"))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === RUN ===

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Server stopped gracefully")
}

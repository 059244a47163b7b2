// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file search order. The first file
// found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pernix/config.yaml",
	"/etc/pernix/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "PERNIX_CONFIG"

// envPrefix namespaces all environment overrides.
const envPrefix = "PERNIX_"

// Load builds the configuration from layered sources:
//  1. Defaults from defaultConfig()
//  2. Optional YAML config file
//  3. PERNIX_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first readable config file, honoring the
// PERNIX_CONFIG override, or empty string when none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied through environment variables.
var sliceConfigPaths = []string{
	"idempotency.required_path_prefixes",
	"ops.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings but the config expects
// slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML or defaults).
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps PERNIX_* environment variable names to koanf
// config paths. The prefix is stripped by the provider before this runs.
//
// Examples:
//   - PERNIX_TENANT_SALT -> tenant.salt
//   - PERNIX_ORIGIN_URL -> gateway.origin_url
//   - PERNIX_RATELIMIT_READ_CAPACITY -> ratelimit.categories.read.capacity
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		// Server
		"http_host":        "server.host",
		"http_port":        "server.port",
		"read_timeout":     "server.read_timeout",
		"write_timeout":    "server.write_timeout",
		"idle_timeout":     "server.idle_timeout",
		"shutdown_timeout": "server.shutdown_timeout",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Tenant
		"tenant_salt": "tenant.salt",

		// Gateway
		"origin_url":      "gateway.origin_url",
		"forward_timeout": "gateway.forward_timeout",
		"cache_control":   "gateway.cache_control",

		// Rate limiter
		"ratelimit_enabled":        "ratelimit.enabled",
		"ratelimit_idle_ttl":       "ratelimit.idle_ttl",
		"ratelimit_sweep_interval": "ratelimit.sweep_interval",

		// Idempotency
		"idempotency_ttl":            "idempotency.ttl",
		"idempotency_sweep_interval": "idempotency.sweep_interval",
		"idempotency_path_prefixes":  "idempotency.required_path_prefixes",

		// Compression
		"compression_min_size": "compression.min_size",
		"compression_max_size": "compression.max_size",
		"brotli_quality":       "compression.brotli_quality",
		"gzip_level":           "compression.gzip_level",

		// Stats
		"stats_window":         "stats.window",
		"stats_buffer_size":    "stats.buffer_size",
		"stats_sweep_interval": "stats.sweep_interval",

		// Purge
		"purge_enabled":        "purge.enabled",
		"purge_provider":       "purge.provider",
		"purge_endpoint":       "purge.endpoint",
		"purge_token":          "purge.token",
		"purge_debounce":       "purge.debounce",
		"purge_tick":           "purge.tick",
		"purge_max_keys":       "purge.max_keys_per_call",
		"purge_max_calls":      "purge.max_calls_per_second",
		"purge_retry_backoff":  "purge.retry_backoff",
		"purge_queue_capacity": "purge.queue_capacity",

		// Ops API
		"ops_bearer_token": "ops.bearer_token",
		"ops_rate_limit":   "ops.rate_limit_per_minute",
		"ops_cors_origins": "ops.cors_origins",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Category buckets: RATELIMIT_<CATEGORY>_CAPACITY / _REFILL.
	if rest, ok := strings.CutPrefix(key, "ratelimit_"); ok {
		if cat, ok := strings.CutSuffix(rest, "_capacity"); ok {
			return "ratelimit.categories." + cat + ".capacity"
		}
		if cat, ok := strings.CutSuffix(rest, "_refill"); ok {
			return "ratelimit.categories." + cat + ".refill_per_sec"
		}
	}

	// Unmapped keys are skipped so unrelated environment variables never
	// leak into the config.
	return ""
}

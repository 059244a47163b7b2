// Pernix - Multi-Tenant HTTP Response Optimization Layer
// Copyright 2026 Pernix Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pernix-io/pernix

package config

import (
	"fmt"
	"time"

	"github.com/pernix-io/pernix/internal/validation"
)

// Config holds the full runtime configuration of the optimization layer.
//
// Loading order (Koanf v2):
//  1. Defaults: built-in values for every optional setting
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: PERNIX_* overrides any setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Tenant      TenantConfig      `koanf:"tenant"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Compression CompressionConfig `koanf:"compression"`
	Stats       StatsConfig       `koanf:"stats"`
	Purge       PurgeConfig       `koanf:"purge"`
	Ops         OpsConfig         `koanf:"ops"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=1s"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=auto json console"`
	Caller bool   `koanf:"caller"`
}

// TenantConfig holds tenant key derivation settings. The salt is a
// deployment secret; rotating it invalidates every derived key.
type TenantConfig struct {
	Salt string `koanf:"salt" validate:"required,min=16,max=64"`
}

// GatewayConfig holds reverse-proxy settings for the origin application.
type GatewayConfig struct {
	OriginURL      string        `koanf:"origin_url" validate:"omitempty,url"`
	ForwardTimeout time.Duration `koanf:"forward_timeout" validate:"min=1s"`
	CacheControl   string        `koanf:"cache_control"`
}

// BucketConfig defines one rate-limit category's token bucket.
type BucketConfig struct {
	Capacity     int     `koanf:"capacity" validate:"min=1"`
	RefillPerSec float64 `koanf:"refill_per_sec" validate:"gt=0"`
}

// RateLimitConfig holds token-bucket rate limiter settings. Categories
// missing from the map fall back to the "default" entry.
type RateLimitConfig struct {
	Enabled       bool                    `koanf:"enabled"`
	IdleTTL       time.Duration           `koanf:"idle_ttl" validate:"min=1m"`
	SweepInterval time.Duration           `koanf:"sweep_interval" validate:"min=1s"`
	Categories    map[string]BucketConfig `koanf:"categories" validate:"required,dive"`
}

// IdempotencyConfig holds idempotency store settings.
type IdempotencyConfig struct {
	TTL                  time.Duration `koanf:"ttl" validate:"min=1m"`
	SweepInterval        time.Duration `koanf:"sweep_interval" validate:"min=1s"`
	RequiredPathPrefixes []string      `koanf:"required_path_prefixes"`
}

// CompressionConfig holds compression negotiation settings.
type CompressionConfig struct {
	MinSize       int `koanf:"min_size" validate:"min=0"`
	MaxSize       int `koanf:"max_size" validate:"min=1"`
	BrotliQuality int `koanf:"brotli_quality" validate:"min=0,max=11"`
	GzipLevel     int `koanf:"gzip_level" validate:"min=1,max=9"`
}

// StatsConfig holds sliding-window metrics aggregator settings.
// FamilyPrefixes maps request path prefixes to family names; longest
// prefix wins.
type StatsConfig struct {
	Window         time.Duration     `koanf:"window" validate:"min=1s"`
	BufferSize     int               `koanf:"buffer_size" validate:"min=16"`
	SweepInterval  time.Duration     `koanf:"sweep_interval" validate:"min=1s"`
	FamilyPrefixes map[string]string `koanf:"family_prefixes"`
}

// PurgeConfig holds CDN purge manager settings.
type PurgeConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Provider          string        `koanf:"provider" validate:"oneof=log surrogate tag"`
	Endpoint          string        `koanf:"endpoint" validate:"omitempty,url"`
	Token             string        `koanf:"token"`
	Debounce          time.Duration `koanf:"debounce" validate:"min=10ms"`
	Tick              time.Duration `koanf:"tick" validate:"min=10ms"`
	MaxKeysPerCall    int           `koanf:"max_keys_per_call" validate:"min=1"`
	MaxCallsPerSecond float64       `koanf:"max_calls_per_second" validate:"gt=0"`
	RetryBackoff      time.Duration `koanf:"retry_backoff" validate:"min=1s"`
	QueueCapacity     int           `koanf:"queue_capacity" validate:"min=16"`
}

// OpsConfig holds ops/admin API protection settings. An empty bearer
// token leaves the surface open.
type OpsConfig struct {
	BearerToken        string   `koanf:"bearer_token"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute" validate:"min=1"`
	CORSOrigins        []string `koanf:"cors_origins"`
}

// StandardEntityTypes lists the entity types that participate in coarse
// purge expansion and family classification.
var StandardEntityTypes = []string{
	"properties", "bookings", "revenue", "expenses", "staff", "vendors", "documents",
}

func defaultConfig() *Config {
	familyPrefixes := map[string]string{
		"/api/v1/auth": "auth",
		"/api/v1/ops":  "ops",
	}
	for _, t := range StandardEntityTypes {
		familyPrefixes["/api/v1/"+t] = t
	}

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8462,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Caller: false,
		},
		Tenant: TenantConfig{
			Salt: "",
		},
		Gateway: GatewayConfig{
			OriginURL:      "",
			ForwardTimeout: 30 * time.Second,
			CacheControl:   "private, max-age=60",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			IdleTTL:       time.Hour,
			SweepInterval: 5 * time.Minute,
			Categories: map[string]BucketConfig{
				"read":      {Capacity: 120, RefillPerSec: 2},
				"write":     {Capacity: 30, RefillPerSec: 0.5},
				"realtime":  {Capacity: 300, RefillPerSec: 5},
				"signedurl": {Capacity: 20, RefillPerSec: 0.2},
				"default":   {Capacity: 60, RefillPerSec: 1},
			},
		},
		Idempotency: IdempotencyConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 10 * time.Minute,
			RequiredPathPrefixes: []string{
				"/api/v1/revenue",
				"/api/v1/expenses",
				"/api/v1/staff",
				"/api/v1/documents",
				"/api/v1/bookings",
				"/api/v1/vendors",
			},
		},
		Compression: CompressionConfig{
			MinSize:       1024,
			MaxSize:       10 * 1024 * 1024,
			BrotliQuality: 4,
			GzipLevel:     5,
		},
		Stats: StatsConfig{
			Window:         5 * time.Minute,
			BufferSize:     1024,
			SweepInterval:  time.Minute,
			FamilyPrefixes: familyPrefixes,
		},
		Purge: PurgeConfig{
			Enabled:           true,
			Provider:          "log",
			Endpoint:          "",
			Token:             "",
			Debounce:          1500 * time.Millisecond,
			Tick:              100 * time.Millisecond,
			MaxKeysPerCall:    256,
			MaxCallsPerSecond: 10,
			RetryBackoff:      5 * time.Second,
			QueueCapacity:     1024,
		},
		Ops: OpsConfig{
			BearerToken:        "",
			RateLimitPerMinute: 100,
			CORSOrigins:        []string{"*"},
		},
	}
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	if _, ok := c.RateLimit.Categories["default"]; !ok {
		return fmt.Errorf("ratelimit.categories must include a %q entry", "default")
	}

	if c.Compression.MinSize >= c.Compression.MaxSize {
		return fmt.Errorf("compression.min_size (%d) must be below compression.max_size (%d)",
			c.Compression.MinSize, c.Compression.MaxSize)
	}

	if c.Purge.Enabled && c.Purge.Provider != "log" {
		if c.Purge.Endpoint == "" {
			return fmt.Errorf("purge.endpoint is required for provider %q", c.Purge.Provider)
		}
		if c.Purge.Token == "" {
			return fmt.Errorf("purge.token is required for provider %q", c.Purge.Provider)
		}
	}

	return nil
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy safe for startup logging. Secrets are masked,
// empty secrets stay empty so misconfiguration remains visible.
func (c *Config) Redacted() Config {
	out := *c
	if out.Tenant.Salt != "" {
		out.Tenant.Salt = redactedValue
	}
	if out.Purge.Token != "" {
		out.Purge.Token = redactedValue
	}
	if out.Ops.BearerToken != "" {
		out.Ops.BearerToken = redactedValue
	}
	return out
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package config holds all application configuration, loaded in layers:
// built-in defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration.
//
// Loading order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Dexcom   DexcomConfig   `koanf:"dexcom"`
	Sync     SyncConfig     `koanf:"sync"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DexcomConfig configures the provider API client and OAuth application.
type DexcomConfig struct {
	// BaseURL overrides the provider endpoint. Empty selects the sandbox or
	// production URL based on Sandbox.
	BaseURL      string `koanf:"base_url" validate:"omitempty,url"`
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret" validate:"required"`
	RedirectURI  string `koanf:"redirect_uri" validate:"required,url"`
	Sandbox      bool   `koanf:"sandbox"`

	// Rate limiting is provider-wide: the upstream quota is per API
	// credential, not per user, so one bucket gates all outbound calls.
	RateLimit float64 `koanf:"rate_limit" validate:"gt=0"` // steady calls/second
	RateBurst int     `koanf:"rate_burst" validate:"gte=1"`

	// Circuit breaker thresholds.
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout" validate:"gt=0"`

	// Retry policy for transient failures.
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`

	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// SyncConfig configures the orchestrator and scheduler.
type SyncConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	Lookback    time.Duration `koanf:"lookback" validate:"gt=0"`
	MaxParallel int           `koanf:"max_parallel" validate:"gte=1"`

	// TokenRefreshMargin is subtracted from a token's expiry when deciding
	// whether to refresh proactively.
	TokenRefreshMargin time.Duration `koanf:"token_refresh_margin" validate:"gt=0"`

	// Validation window: readings may not sit further in the future than
	// ClockSkewTolerance nor further in the past than RetentionHorizon.
	ClockSkewTolerance time.Duration `koanf:"clock_skew_tolerance" validate:"gt=0"`
	RetentionHorizon   time.Duration `koanf:"retention_horizon" validate:"gt=0"`

	// Per-user lease lock parameters.
	LockTTL     time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	LockMaxWait time.Duration `koanf:"lock_max_wait" validate:"gte=0"`
}

// WebhookConfig configures inbound provider notifications.
type WebhookConfig struct {
	Enabled bool   `koanf:"enabled"`
	Secret  string `koanf:"secret"`
	// QueueSize bounds the async processing queue; enqueue on a full queue
	// fails loudly instead of blocking the HTTP handler.
	QueueSize int `koanf:"queue_size" validate:"gte=1"`
}

// DatabaseConfig configures the BadgerDB store.
type DatabaseConfig struct {
	Path     string `koanf:"path" validate:"required"`
	InMemory bool   `koanf:"in_memory"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		return fmt.Errorf("invalid configuration: webhook.secret is required when webhooks are enabled")
	}
	return nil
}

// DexcomBaseURL returns the configured base URL, falling back to the sandbox
// or production endpoint.
func (c *DexcomConfig) DexcomBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Sandbox {
		return "https://sandbox-api.dexcom.com"
	}
	return "https://api.dexcom.com"
}

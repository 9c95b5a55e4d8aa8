// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bgsync/config.yaml",
	"/etc/bgsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Dexcom: DexcomConfig{
			BaseURL:          "",
			ClientID:         "",
			ClientSecret:     "",
			RedirectURI:      "",
			Sandbox:          true,
			RateLimit:        1.0, // Dexcom allows 60 calls/minute per credential
			RateBurst:        10,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   500 * time.Millisecond,
			RequestTimeout:   30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:           5 * time.Minute,
			Lookback:           24 * time.Hour,
			MaxParallel:        4,
			TokenRefreshMargin: 5 * time.Minute,
			ClockSkewTolerance: 5 * time.Minute,
			RetentionHorizon:   365 * 24 * time.Hour,
			LockTTL:            2 * time.Minute,
			LockMaxWait:        30 * time.Second,
		},
		Webhook: WebhookConfig{
			Enabled:   false,
			Secret:    "",
			QueueSize: 256,
		},
		Database: DatabaseConfig{
			Path:     "/data/bgsync",
			InMemory: false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8450,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML config file (if it exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// BGSYNC_DEXCOM_CLIENT_ID -> dexcom.client_id
	if err := k.Load(env.Provider("BGSYNC_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string.
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

// envTransformFunc maps environment variable names to koanf config paths.
// The first underscore after the prefix separates the section:
//
//	BGSYNC_DEXCOM_CLIENT_ID -> dexcom.client_id
//	BGSYNC_SYNC_LOCK_TTL    -> sync.lock_ttl
//	BGSYNC_SERVER_PORT      -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "BGSYNC_"))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

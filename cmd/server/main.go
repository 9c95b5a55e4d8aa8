// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package main is the entry point for the bgsync server.
//
// bgsync synchronizes continuous glucose monitoring data from the Dexcom
// API into a local store. It polls on a schedule, reacts to provider
// webhooks, and exposes a small REST API for manual syncs, job
// inspection, and reading queries.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML, env)
//  2. Logging: zerolog, JSON or console format
//  3. Database: BadgerDB key-value store
//  4. Auth: provider OAuth client and token manager
//  5. Sync engine: rate limiter, circuit breaker, Dexcom client,
//     validator, deduplicator, lock manager, orchestrator
//  6. Supervision: suture tree running the scheduler, webhook worker,
//     and HTTP server
//
// # Configuration
//
// Settings load from built-in defaults, then an optional config.yaml,
// then environment variables prefixed BGSYNC_ (BGSYNC_DEXCOM_CLIENT_ID,
// BGSYNC_SERVER_PORT, ...). Highest priority wins.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: in-flight sync items
// finish, partial job progress is preserved, HTTP connections drain
// within the shutdown timeout, and the store is closed cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/glucolab/bgsync/internal/api"
	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/supervisor"
	"github.com/glucolab/bgsync/internal/supervisor/services"
	syncpkg "github.com/glucolab/bgsync/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("provider", cfg.Dexcom.DexcomBaseURL()).
		Msg("Starting bgsync server")

	store, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close database")
		}
	}()

	// Auth layer.
	oauthClient := auth.NewOAuthClient(&cfg.Dexcom)
	tokenManager := auth.NewTokenManager(store, oauthClient, cfg.Sync.TokenRefreshMargin)

	// Provider-wide shared resources.
	limiter := syncpkg.NewRateLimiter(cfg.Dexcom.RateLimit, cfg.Dexcom.RateBurst)
	breaker := syncpkg.NewBreaker("dexcom-api", cfg.Dexcom.FailureThreshold, cfg.Dexcom.RecoveryTimeout)
	client := syncpkg.NewDexcomClient(&cfg.Dexcom, tokenManager, limiter, breaker)

	// Sync engine.
	validator := syncpkg.NewValidator(cfg.Sync.ClockSkewTolerance, cfg.Sync.RetentionHorizon)
	dedup := syncpkg.NewDeduplicator(store)
	locks := syncpkg.NewLockManager(cfg.Sync.LockTTL)
	orchestrator := syncpkg.NewOrchestrator(&cfg.Sync, client, validator, dedup, store, store, locks)
	scheduler := syncpkg.NewScheduler(&cfg.Sync, orchestrator, store, tokenManager, store)
	webhooks := syncpkg.NewWebhookProcessor(&cfg.Webhook, orchestrator)

	// HTTP surface.
	handler := api.NewHandler(store, orchestrator, webhooks, oauthClient, tokenManager, breaker, cfg)
	router := api.NewRouter(handler, &cfg.Server)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(services.NewRunnerService("sync-scheduler", scheduler))
	if cfg.Webhook.Enabled {
		tree.AddSyncService(services.NewRunnerService("webhook-worker", webhooks))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Supervision tree starting")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervision tree failed: %w", err)
	}

	logging.Info().Msg("Shutdown complete")
	return nil
}

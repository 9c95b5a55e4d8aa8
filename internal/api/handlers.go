// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package api

import (
	"sync"
	"time"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/database"
	syncpkg "github.com/glucolab/bgsync/internal/sync"
)

// Handler contains dependencies for API handlers.
//
// Handler methods are split across files:
//   - handlers.go: Handler struct and constructor (this file)
//   - handlers_sync.go: sync trigger, job status, job list, readings
//   - handlers_auth.go: provider OAuth authorize and callback
//   - handlers_webhook.go: inbound provider notifications
//   - handlers_health.go: liveness and readiness
type Handler struct {
	store        *database.Store
	orchestrator *syncpkg.Orchestrator
	webhooks     *syncpkg.WebhookProcessor
	oauth        *auth.OAuthClient
	tokens       *auth.TokenManager
	breaker      *syncpkg.Breaker
	config       *config.Config
	startTime    time.Time

	// In-flight OAuth authorizations, keyed by state. Entries pair each
	// state nonce with the PKCE verifier whose challenge was sent to the
	// provider, and expire so abandoned flows do not accumulate.
	flowMu sync.Mutex
	flows  map[string]pendingFlow
}

type pendingFlow struct {
	verifier  string
	userID    string
	expiresAt time.Time
}

// authFlowTTL bounds how long an authorization flow may stay pending.
const authFlowTTL = 10 * time.Minute

// NewHandler creates an API handler with all required dependencies.
func NewHandler(
	store *database.Store,
	orchestrator *syncpkg.Orchestrator,
	webhooks *syncpkg.WebhookProcessor,
	oauth *auth.OAuthClient,
	tokens *auth.TokenManager,
	breaker *syncpkg.Breaker,
	cfg *config.Config,
) *Handler {
	return &Handler{
		store:        store,
		orchestrator: orchestrator,
		webhooks:     webhooks,
		oauth:        oauth,
		tokens:       tokens,
		breaker:      breaker,
		config:       cfg,
		startTime:    time.Now(),
		flows:        make(map[string]pendingFlow),
	}
}

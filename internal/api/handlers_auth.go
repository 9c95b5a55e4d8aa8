// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package api

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/logging"
)

// Authorize handles GET /api/v1/auth/authorize?user_id=, starting the
// provider OAuth flow. It generates a PKCE pair and a state nonce,
// remembers both, and redirects the browser to the provider login page.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required", nil)
		return
	}

	verifier, challenge, err := auth.GeneratePKCEPair()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "authorize_failed", "Failed to start authorization", err)
		return
	}

	state, err := newStateNonce()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "authorize_failed", "Failed to start authorization", err)
		return
	}

	h.rememberFlow(state, userID, verifier)

	loginURL := h.oauth.AuthorizationURL(h.config.Dexcom.RedirectURI, state, challenge)
	logging.Ctx(r.Context()).Info().
		Str("user_id", sanitizeLogValue(userID)).
		Msg("Redirecting user to provider authorization")
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// Callback handles GET /api/v1/auth/callback?code=&state=, finishing the
// flow: the code plus the remembered PKCE verifier are exchanged for a
// token set, which is stored for the user.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		respondError(w, http.StatusBadRequest, "authorization_denied",
			"Provider reported an authorization error", fmt.Errorf("provider error: %s", sanitizeLogValue(errCode)))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code and state are required", nil)
		return
	}

	flow, ok := h.takeFlow(state)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_state", "Unknown or expired authorization state", nil)
		return
	}

	token, err := h.oauth.Exchange(r.Context(), code, flow.verifier, h.config.Dexcom.RedirectURI)
	if err != nil {
		respondError(w, http.StatusBadGateway, "exchange_failed", "Code exchange with the provider failed", err)
		return
	}

	if err := h.tokens.StoreGrant(r.Context(), flow.userID, token); err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", "Failed to store credentials", err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("user_id", sanitizeLogValue(flow.userID)).
		Msg("Provider authorization completed")
	respondData(w, http.StatusOK, map[string]string{
		"user_id": flow.userID,
		"status":  "authorized",
	}, started)
}

// rememberFlow stores an in-flight authorization, pruning expired ones.
func (h *Handler) rememberFlow(state, userID, verifier string) {
	h.flowMu.Lock()
	defer h.flowMu.Unlock()

	now := time.Now()
	for key, flow := range h.flows {
		if now.After(flow.expiresAt) {
			delete(h.flows, key)
		}
	}
	h.flows[state] = pendingFlow{
		verifier:  verifier,
		userID:    userID,
		expiresAt: now.Add(authFlowTTL),
	}
}

// takeFlow consumes a pending authorization by state. Each state is
// single-use.
func (h *Handler) takeFlow(state string) (pendingFlow, bool) {
	h.flowMu.Lock()
	defer h.flowMu.Unlock()

	flow, ok := h.flows[state]
	if !ok {
		return pendingFlow{}, false
	}
	delete(h.flows, state)
	if time.Now().After(flow.expiresAt) {
		return pendingFlow{}, false
	}
	return flow, true
}

// newStateNonce generates the CSRF state parameter.
func newStateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

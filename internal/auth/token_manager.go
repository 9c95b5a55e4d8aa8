// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
	"github.com/glucolab/bgsync/internal/models"
)

// TokenStore is the persistence surface the token manager needs.
// *database.Store satisfies it.
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (*models.TokenSet, error)
	PutToken(ctx context.Context, token *models.TokenSet) error
}

// Refresher performs the provider refresh grant. *OAuthClient satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// TokenManager hands out valid access tokens, refreshing them behind a
// per-user mutex so concurrent callers for the same user never race two
// refresh grants against the provider (Dexcom rotates refresh tokens, so a
// lost race would strand the stored credentials).
type TokenManager struct {
	store     TokenStore
	refresher Refresher
	margin    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	reauthMu sync.RWMutex
	reauth   map[string]bool
}

// NewTokenManager creates a token manager. margin is subtracted from each
// token's expiry when deciding whether to refresh.
func NewTokenManager(store TokenStore, refresher Refresher, margin time.Duration) *TokenManager {
	return &TokenManager{
		store:     store,
		refresher: refresher,
		margin:    margin,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		reauth:    make(map[string]bool),
	}
}

// userLock returns the mutex serializing token operations for one user.
func (m *TokenManager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

// GetValidToken returns an access token guaranteed to be valid for at least
// the configured margin. It refreshes transparently when needed. A provider
// rejection of the refresh token flags the user for re-authorization and
// returns ErrReauthorizationRequired.
func (m *TokenManager) GetValidToken(ctx context.Context, userID string) (string, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	token, err := m.store.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrTokenNotFound) {
			return "", fmt.Errorf("no credentials for user %s: %w", userID, ErrReauthorizationRequired)
		}
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	if !token.Expired(m.now(), m.margin) {
		return token.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, token)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh executes the refresh grant and persists the rotated token set.
// Caller holds the user lock.
func (m *TokenManager) refresh(ctx context.Context, token *models.TokenSet) (*models.TokenSet, error) {
	logging.Ctx(ctx).Debug().
		Str("user_id", token.UserID).
		Time("expires_at", token.ExpiresAt).
		Msg("Access token expired, refreshing")

	resp, err := m.refresher.Refresh(ctx, token.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrReauthorizationRequired) {
			m.flagReauth(token.UserID)
			metrics.TokenRefreshes.WithLabelValues("reauth_required").Inc()
			logging.Ctx(ctx).Warn().
				Str("user_id", token.UserID).
				Err(err).
				Msg("Refresh token rejected, user must re-authorize")
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("transient_error").Inc()
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	now := m.now()
	updated := &models.TokenSet{
		UserID:       token.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt(now),
		Scopes:       token.Scopes,
		CreatedAt:    token.CreatedAt,
		UpdatedAt:    now,
	}
	// Some providers omit the refresh token when it is not rotated.
	if updated.RefreshToken == "" {
		updated.RefreshToken = token.RefreshToken
	}

	if err := m.store.PutToken(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.clearReauth(token.UserID)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Ctx(ctx).Info().
		Str("user_id", token.UserID).
		Time("expires_at", updated.ExpiresAt).
		Msg("Access token refreshed")
	return updated, nil
}

// StoreGrant persists the token set produced by the authorization code
// exchange, establishing (or replacing) the user's credentials.
func (m *TokenManager) StoreGrant(ctx context.Context, userID string, resp *TokenResponse) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	token := &models.TokenSet{
		UserID:       userID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if resp.Scope != "" {
		token.Scopes = strings.Fields(resp.Scope)
	}

	if err := m.store.PutToken(ctx, token); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	m.clearReauth(userID)
	return nil
}

// ReauthRequired reports whether the user's stored credentials have been
// rejected by the provider since the last successful grant or refresh.
func (m *TokenManager) ReauthRequired(userID string) bool {
	m.reauthMu.RLock()
	defer m.reauthMu.RUnlock()
	return m.reauth[userID]
}

func (m *TokenManager) flagReauth(userID string) {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	m.reauth[userID] = true
}

func (m *TokenManager) clearReauth(userID string) {
	m.reauthMu.Lock()
	defer m.reauthMu.Unlock()
	delete(m.reauth, userID)
}

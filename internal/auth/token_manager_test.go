// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/models"
)

// fakeTokenStore is an in-memory TokenStore.
type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.TokenSet
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]*models.TokenSet)}
}

func (s *fakeTokenStore) GetToken(_ context.Context, userID string) (*models.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	if !ok {
		return nil, database.ErrTokenNotFound
	}
	copied := *token
	return &copied, nil
}

func (s *fakeTokenStore) PutToken(_ context.Context, token *models.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.tokens[token.UserID] = &copied
	return nil
}

// fakeRefresher scripts refresh grant outcomes.
type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	resp  *TokenResponse
	err   error
}

func (r *fakeRefresher) Refresh(_ context.Context, _ string) (*TokenResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}

func (r *fakeRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func seedToken(t *testing.T, store *fakeTokenStore, userID string, expiresAt time.Time) *models.TokenSet {
	t.Helper()
	token := &models.TokenSet{
		UserID:       userID,
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := store.PutToken(context.Background(), token); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return token
}

func TestTokenManager_ReturnsValidTokenWithoutRefresh(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{}
	manager := NewTokenManager(store, refresher, 30*time.Second)

	seedToken(t, store, "user-1", time.Now().Add(time.Hour))

	access, err := manager.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if access != "access-old" {
		t.Errorf("Expected stored access token, got %q", access)
	}
	if refresher.callCount() != 0 {
		t.Errorf("Expected no refresh, got %d calls", refresher.callCount())
	}
}

func TestTokenManager_RefreshesExpiringToken(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{
		resp: &TokenResponse{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
			ExpiresIn:    3600,
		},
	}
	manager := NewTokenManager(store, refresher, 30*time.Second)

	original := seedToken(t, store, "user-1", time.Now().Add(10*time.Second))

	access, err := manager.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if access != "access-new" {
		t.Errorf("Expected refreshed access token, got %q", access)
	}

	stored, err := store.GetToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if stored.RefreshToken != "refresh-new" {
		t.Errorf("Expected rotated refresh token, got %q", stored.RefreshToken)
	}
	if !stored.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("Refresh must preserve CreatedAt: got %v, want %v", stored.CreatedAt, original.CreatedAt)
	}
	if !stored.ExpiresAt.After(time.Now().Add(59 * time.Minute)) {
		t.Errorf("Expected expiry about an hour out, got %v", stored.ExpiresAt)
	}
}

func TestTokenManager_PreservesRefreshTokenWhenNotRotated(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{
		resp: &TokenResponse{AccessToken: "access-new", ExpiresIn: 3600},
	}
	manager := NewTokenManager(store, refresher, 30*time.Second)

	seedToken(t, store, "user-1", time.Now().Add(-time.Minute))

	if _, err := manager.GetValidToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}

	stored, _ := store.GetToken(context.Background(), "user-1")
	if stored.RefreshToken != "refresh-old" {
		t.Errorf("Expected prior refresh token to survive, got %q", stored.RefreshToken)
	}
}

func TestTokenManager_InvalidGrantFlagsReauth(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{
		err: ErrReauthorizationRequired,
	}
	manager := NewTokenManager(store, refresher, 30*time.Second)

	seedToken(t, store, "user-1", time.Now().Add(-time.Minute))

	_, err := manager.GetValidToken(context.Background(), "user-1")
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("Expected ErrReauthorizationRequired, got %v", err)
	}
	if !manager.ReauthRequired("user-1") {
		t.Error("Expected user to be flagged for re-authorization")
	}
}

func TestTokenManager_StoreGrantClearsReauthFlag(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{err: ErrReauthorizationRequired}
	manager := NewTokenManager(store, refresher, 30*time.Second)

	seedToken(t, store, "user-1", time.Now().Add(-time.Minute))
	_, _ = manager.GetValidToken(context.Background(), "user-1")
	if !manager.ReauthRequired("user-1") {
		t.Fatal("Expected re-authorization flag")
	}

	err := manager.StoreGrant(context.Background(), "user-1", &TokenResponse{
		AccessToken:  "access-granted",
		RefreshToken: "refresh-granted",
		ExpiresIn:    3600,
		Scope:        "offline_access",
	})
	if err != nil {
		t.Fatalf("StoreGrant failed: %v", err)
	}
	if manager.ReauthRequired("user-1") {
		t.Error("Expected flag cleared after a fresh grant")
	}

	stored, _ := store.GetToken(context.Background(), "user-1")
	if len(stored.Scopes) != 1 || stored.Scopes[0] != "offline_access" {
		t.Errorf("Expected scopes parsed from grant, got %v", stored.Scopes)
	}
}

func TestTokenManager_MissingCredentials(t *testing.T) {
	manager := NewTokenManager(newFakeTokenStore(), &fakeRefresher{}, 30*time.Second)

	_, err := manager.GetValidToken(context.Background(), "nobody")
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("Expected ErrReauthorizationRequired for unknown user, got %v", err)
	}
}

func TestTokenManager_ConcurrentRefreshesSerialized(t *testing.T) {
	store := newFakeTokenStore()
	refresher := &fakeRefresher{
		resp: &TokenResponse{AccessToken: "access-new", RefreshToken: "refresh-new", ExpiresIn: 3600},
	}
	manager := NewTokenManager(store, refresher, 30*time.Second)
	seedToken(t, store, "user-1", time.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.GetValidToken(context.Background(), "user-1"); err != nil {
				t.Errorf("GetValidToken failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// The first caller refreshes; the rest observe a fresh token.
	if refresher.callCount() != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", refresher.callCount())
	}
}

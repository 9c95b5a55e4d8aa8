// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package models

import "time"

// TokenSet holds a user's OAuth credentials for the glucose provider.
// It is owned exclusively by the token manager: mutated only on initial
// grant or refresh, and never handed out with an access token that is
// already past (ExpiresAt - refresh margin) without a refresh attempt.
type TokenSet struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token is unusable once margin is
// subtracted from the recorded expiry. The margin absorbs clock skew and
// request latency so a token is refreshed before the provider rejects it.
func (t *TokenSet) Expired(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-margin))
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/config"
)

// ErrReauthorizationRequired indicates the provider has permanently rejected
// the stored credentials (revoked grant, invalid refresh token). The user
// must go through the authorization flow again; retrying is pointless.
var ErrReauthorizationRequired = errors.New("provider authorization revoked; user must re-authorize")

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 16 * 1024

// TokenResponse is the provider token endpoint response body for both the
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiresAt converts the relative expiry into an absolute instant.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// oauthErrorResponse is the RFC 6749 error body shape.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// OAuthClient talks to the provider OAuth2 endpoints.
// Safe for concurrent use.
type OAuthClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewOAuthClient creates a provider OAuth client from configuration.
func NewOAuthClient(cfg *config.DexcomConfig) *OAuthClient {
	return &OAuthClient{
		baseURL:      cfg.DexcomBaseURL(),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// AuthorizationURL builds the provider login URL the user is redirected to.
// state protects against CSRF; challenge is the S256 PKCE code challenge.
func (c *OAuthClient) AuthorizationURL(redirectURI, state, challenge string) string {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "offline_access")
	if state != "" {
		params.Set("state", state)
	}
	if challenge != "" {
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", "S256")
	}
	return fmt.Sprintf("%s/v2/oauth2/login?%s", c.baseURL, params.Encode())
}

// Exchange trades an authorization code (plus the PKCE verifier used to
// produce its challenge) for an initial token set.
func (c *OAuthClient) Exchange(ctx context.Context, code, verifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)

	return c.postToken(ctx, form)
}

// Refresh obtains a fresh token set using a refresh token. A rejected
// refresh token surfaces as ErrReauthorizationRequired; everything else is
// a retryable transport or server failure.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	return c.postToken(ctx, form)
}

// postToken posts a form to /v2/oauth2/token and decodes the response,
// classifying provider rejections.
func (c *OAuthClient) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	tokenURL := c.baseURL + "/v2/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyTokenError(resp)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}

// classifyTokenError decides whether a non-200 token response is
// unrecoverable (invalid_grant and friends) or transient.
func (c *OAuthClient) classifyTokenError(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	var oauthErr oauthErrorResponse
	_ = json.Unmarshal(body, &oauthErr)

	switch oauthErr.Error {
	case "invalid_grant", "unauthorized_client", "access_denied":
		return fmt.Errorf("token endpoint rejected grant (%s): %w", oauthErr.Error, ErrReauthorizationRequired)
	}

	// 4xx without a recognized OAuth error code still means the request
	// itself is bad and retrying it cannot help.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("token endpoint returned %d: %s: %w", resp.StatusCode, body, ErrReauthorizationRequired)
	}

	return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
}

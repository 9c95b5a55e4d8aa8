// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package auth implements the provider OAuth2 flow (authorization code with
// PKCE, token exchange and refresh) and the per-user token lifecycle.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Code verifier length bounds from RFC 7636 section 4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// GenerateCodeVerifier returns a cryptographically random PKCE code verifier
// of the requested length, drawn from the RFC 7636 unreserved character set.
func GenerateCodeVerifier(length int) (string, error) {
	if length < minVerifierLength || length > maxVerifierLength {
		return "", fmt.Errorf("code verifier length must be between %d and %d characters", minVerifierLength, maxVerifierLength)
	}

	// base64url over random bytes stays inside the unreserved set.
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// GenerateCodeChallenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// GeneratePKCEPair returns a (verifier, challenge) pair using the default
// maximum verifier length.
func GeneratePKCEPair() (verifier, challenge string, err error) {
	verifier, err = GenerateCodeVerifier(maxVerifierLength)
	if err != nil {
		return "", "", err
	}
	return verifier, GenerateCodeChallenge(verifier), nil
}

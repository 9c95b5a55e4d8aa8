// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for sync engine control flow.
var (
	// ErrCircuitOpen is returned when the provider circuit breaker rejects
	// a call without attempting it.
	ErrCircuitOpen = errors.New("provider circuit breaker is open")

	// ErrLockContention is returned when a sync cannot acquire the
	// per-user lock within its bounded wait.
	ErrLockContention = errors.New("sync already in progress for user")
)

// PermanentAPIError marks a provider response that retrying cannot fix
// (4xx other than 429). The job should fail fast.
type PermanentAPIError struct {
	Status int
	Body   string
}

func (e *PermanentAPIError) Error() string {
	return fmt.Sprintf("provider returned permanent error %d: %s", e.Status, e.Body)
}

// RateLimitError reports a provider 429 with the server-advised wait.
// RetryAfter is zero when the header was absent or unparseable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "provider rate limit exceeded"
}

// TransientError wraps failures worth retrying (5xx, network, timeouts).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the sync engine may retry the operation
// that produced err. Permanent rejections, auth failures, and an open
// circuit are not retryable within a single job.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentAPIError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var transient *TransientError
	var rateLimited *RateLimitError
	return errors.As(err, &transient) || errors.As(err, &rateLimited)
}

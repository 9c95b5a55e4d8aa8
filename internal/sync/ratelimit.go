// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
)

// RateLimiter gates all outbound provider calls behind a shared token
// bucket so the process as a whole stays inside the provider's quota,
// regardless of how many users are syncing concurrently.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst capacity.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Acquire blocks until a request token is available or ctx is done.
// Waits are observable so operators can tell quota pressure from
// provider slowness.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.limiter.Allow() {
		return nil
	}

	metrics.RateLimitWaits.Inc()
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait aborted: %w", err)
	}
	logging.Ctx(ctx).Debug().
		Dur("waited", time.Since(start)).
		Msg("Outbound call delayed by rate limiter")
	return nil
}

// Allow reports whether a token is immediately available, consuming one
// if so. Used by callers that cannot block.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

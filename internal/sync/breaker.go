// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
)

// Breaker wraps provider calls with circuit breaker protection so a
// sustained provider outage fails fast instead of burning quota and
// timeouts on every sync job.
//
// The breaker opens after a configured run of consecutive failures and
// allows a single probe request after the recovery timeout. Rate limit
// responses do not count as failures because they signal quota pressure,
// not provider unavailability.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string
}

// NewBreaker creates a circuit breaker that trips after threshold
// consecutive failures and probes again after recoveryTimeout.
func NewBreaker(name string, threshold uint32, recoveryTimeout time.Duration) *Breaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single probe in half-open state
		Timeout:     recoveryTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			shouldTrip := counts.ConsecutiveFailures >= threshold
			if shouldTrip {
				logging.Warn().
					Str("breaker", name).
					Uint32("consecutive_failures", counts.ConsecutiveFailures).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},

		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A 429 means the provider is healthy but throttling us.
			var rateLimited *RateLimitError
			return errors.As(err, &rateLimited)
		},
	})

	return &Breaker{cb: cb, name: name}
}

// Execute runs fn under breaker protection. When the circuit is open or
// the half-open probe slot is taken, the call is rejected with
// ErrCircuitOpen without reaching the provider.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// stateToFloat converts circuit breaker state to a numeric metric value.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// stateToString converts circuit breaker state to string for logging.
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

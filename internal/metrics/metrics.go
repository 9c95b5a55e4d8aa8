// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package metrics provides Prometheus instrumentation for the sync engine:
// job lifecycle, per-item outcomes, provider API behaviour (rate limiting,
// retries, circuit breaker state), and token refresh activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Job Metrics
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_jobs_total",
			Help: "Total number of sync jobs by trigger source and terminal status",
		},
		[]string{"trigger", "status"},
	)

	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgsync_job_duration_seconds",
			Help:    "Duration of sync jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	ReadingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_readings_processed_total",
			Help: "Per-item sync outcomes (stored, duplicate, validation_error, system_error)",
		},
		[]string{"outcome"},
	)

	// Provider API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_provider_requests_total",
			Help: "Total provider API requests by result",
		},
		[]string{"result"}, // "success", "rate_limited", "transient", "permanent", "rejected"
	)

	APIRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bgsync_provider_retries_total",
			Help: "Total provider API retry attempts",
		},
	)

	RateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bgsync_rate_limit_waits_total",
			Help: "Total times an outbound call waited on the provider rate limiter",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Token Metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_token_refreshes_total",
			Help: "Total token refresh attempts by result",
		},
		[]string{"result"}, // "success", "transient_error", "reauth_required"
	)

	// Webhook Metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgsync_webhooks_received_total",
			Help: "Total webhook notifications by disposition",
		},
		[]string{"disposition"}, // "accepted", "invalid_signature", "ignored", "failed"
	)

	// Lock Metrics
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bgsync_lock_contention_total",
			Help: "Total sync attempts that found the per-user lock held",
		},
	)
)

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package api

import (
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// healthStatus is the /healthz response body.
type healthStatus struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BreakerState  string `json:"provider_breaker_state"`
}

// Health handles GET /healthz. The process is degraded, not down, while
// the provider circuit is open; readiness stays 200 so the scheduler and
// local reads keep working.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	status := "ok"
	breakerState := "closed"
	switch h.breaker.State() {
	case gobreaker.StateOpen:
		status = "degraded"
		breakerState = "open"
	case gobreaker.StateHalfOpen:
		breakerState = "half-open"
	}

	respondData(w, http.StatusOK, &healthStatus{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		BreakerState:  breakerState,
	}, started)
}

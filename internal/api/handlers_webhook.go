// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
	syncpkg "github.com/glucolab/bgsync/internal/sync"
)

// webhookSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const webhookSignatureHeader = "X-Webhook-Signature"

// Webhook handles POST /api/v1/webhooks/dexcom. The signature is
// verified over the raw body before anything else happens; a mismatch is
// rejected with 401 and no sync is invoked. Accepted notifications are
// acknowledged immediately and processed asynchronously.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", err)
		return
	}

	signature := r.Header.Get(webhookSignatureHeader)
	if signature == "" || !h.webhooks.VerifySignature(body, signature) {
		metrics.WebhooksReceived.WithLabelValues("invalid_signature").Inc()
		logging.Ctx(ctx).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("Webhook rejected, invalid signature")
		respondError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed", nil)
		return
	}

	queued, err := h.webhooks.Accept(ctx, body)
	if err != nil {
		if errors.Is(err, syncpkg.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "queue_full", "Webhook queue is full, retry later", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "webhook_failed", "Failed to accept webhook", err)
		return
	}

	respondData(w, http.StatusOK, map[string]bool{"queued": queued}, started)
}

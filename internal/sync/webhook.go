// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	gosync "sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
	"github.com/glucolab/bgsync/internal/models"
)

// ErrQueueFull is returned when the webhook queue cannot accept another
// notification. The HTTP handler surfaces it as a 503 so the provider
// retries later.
var ErrQueueFull = fmt.Errorf("webhook queue is full")

// maxWebhookWindow caps the time range a single webhook may request, so
// a malformed or malicious notification cannot trigger an unbounded
// backfill.
const maxWebhookWindow = 24 * time.Hour

// webhookTask is one accepted notification queued for processing.
type webhookTask struct {
	payload models.WebhookPayload
	start   time.Time
	end     time.Time
}

// FailedWebhook records a webhook whose sync invocation failed, kept for
// out-of-band retry instead of being silently dropped.
type FailedWebhook struct {
	Payload  models.WebhookPayload `json:"payload"`
	Error    string                `json:"error"`
	FailedAt time.Time             `json:"failed_at"`
}

// WebhookProcessor turns provider notifications into bounded-range sync
// invocations. The HTTP handler verifies and enqueues; a worker drains
// the queue so acknowledgement never waits on a sync.
type WebhookProcessor struct {
	orchestrator *Orchestrator
	secret       []byte
	queue        chan webhookTask
	now          func() time.Time

	mu     gosync.Mutex
	failed []FailedWebhook
}

// NewWebhookProcessor creates a processor with a bounded queue.
func NewWebhookProcessor(cfg *config.WebhookConfig, orchestrator *Orchestrator) *WebhookProcessor {
	return &WebhookProcessor{
		orchestrator: orchestrator,
		secret:       []byte(cfg.Secret),
		queue:        make(chan webhookTask, cfg.QueueSize),
		now:          time.Now,
	}
}

// VerifySignature checks the hex-encoded HMAC-SHA256 signature of the
// raw payload in constant time.
func (p *WebhookProcessor) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Accept validates and enqueues a raw, already signature-verified
// payload. The return distinguishes acknowledged-and-queued from
// acknowledged-and-ignored; both mean HTTP 200 to the provider.
func (p *WebhookProcessor) Accept(ctx context.Context, body []byte) (queued bool, err error) {
	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		logging.Ctx(ctx).Warn().Err(err).Msg("Unparseable webhook payload acknowledged and dropped")
		return false, nil
	}

	if payload.Type != models.WebhookNewReadings {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		logging.Ctx(ctx).Info().
			Str("type", payload.Type).
			Str("user_id", payload.UserID).
			Msg("Ignoring webhook of unhandled type")
		return false, nil
	}

	start, end, err := p.window(payload)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("user_id", payload.UserID).
			Msg("Webhook with unusable time window acknowledged and dropped")
		return false, nil
	}

	select {
	case p.queue <- webhookTask{payload: payload, start: start, end: end}:
		metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
		return true, nil
	default:
		metrics.WebhooksReceived.WithLabelValues("failed").Inc()
		return false, ErrQueueFull
	}
}

// window extracts and bounds the sync range from the payload.
func (p *WebhookProcessor) window(payload models.WebhookPayload) (time.Time, time.Time, error) {
	if payload.UserID == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("webhook payload missing userId")
	}

	end := p.now().UTC()
	if payload.EndTime != "" {
		parsed, err := time.Parse(time.RFC3339, payload.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("unparseable endTime %q: %w", payload.EndTime, err)
		}
		end = parsed.UTC()
	}

	start := end.Add(-maxWebhookWindow)
	if payload.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("unparseable startTime %q: %w", payload.StartTime, err)
		}
		start = parsed.UTC()
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("webhook window start %s is not before end %s", start, end)
	}
	if end.Sub(start) > maxWebhookWindow {
		start = end.Add(-maxWebhookWindow)
	}
	return start, end, nil
}

// Run drains the queue until ctx is cancelled, invoking one sync per
// accepted notification.
func (p *WebhookProcessor) Run(ctx context.Context) error {
	logging.Info().Int("queue_size", cap(p.queue)).Msg("Webhook worker started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Webhook worker stopping")
			return ctx.Err()
		case task := <-p.queue:
			p.process(ctx, task)
		}
	}
}

// process runs one queued webhook sync. Failures are captured for
// out-of-band retry.
func (p *WebhookProcessor) process(ctx context.Context, task webhookTask) {
	syncCtx := logging.ContextWithNewCorrelationID(ctx)
	_, err := p.orchestrator.Sync(syncCtx, task.payload.UserID, task.start, task.end, models.TriggerWebhook, "")
	if err != nil {
		p.captureFailure(task.payload, err)
		logging.Ctx(syncCtx).Warn().
			Err(err).
			Str("user_id", task.payload.UserID).
			Msg("Webhook-triggered sync failed")
	}
}

// captureFailure records a failed webhook invocation.
func (p *WebhookProcessor) captureFailure(payload models.WebhookPayload, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, FailedWebhook{
		Payload:  payload,
		Error:    err.Error(),
		FailedAt: p.now().UTC(),
	})
}

// FailedWebhooks returns a copy of the captured failures.
func (p *WebhookProcessor) FailedWebhooks() []FailedWebhook {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FailedWebhook, len(p.failed))
	copy(out, p.failed)
	return out
}

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
	"errors"
	"testing"
	"time"

	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/models"
)

func newTestProcessor(queueSize int) *WebhookProcessor {
	h := newTestHarness(&fakeFetcher{})
	return NewWebhookProcessor(&config.WebhookConfig{
		Enabled:   true,
		Secret:    "test-secret",
		QueueSize: queueSize,
	}, h.orchestrator)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	p := newTestProcessor(4)
	body := []byte(`{"type":"new_readings","userId":"user-1"}`)

	if !p.VerifySignature(body, signBody("test-secret", body)) {
		t.Error("Valid signature rejected")
	}
	if p.VerifySignature(body, signBody("wrong-secret", body)) {
		t.Error("Signature under the wrong secret accepted")
	}
	if p.VerifySignature(body, "") {
		t.Error("Empty signature accepted")
	}
	if p.VerifySignature(body, "not-hex") {
		t.Error("Garbage signature accepted")
	}

	tampered := []byte(`{"type":"new_readings","userId":"user-2"}`)
	if p.VerifySignature(tampered, signBody("test-secret", body)) {
		t.Error("Signature over a different body accepted")
	}
}

func TestAccept_QueuesNewReadingsNotification(t *testing.T) {
	p := newTestProcessor(4)
	body := []byte(`{"type":"new_readings","userId":"user-1","startTime":"2026-03-10T10:00:00Z","endTime":"2026-03-10T12:00:00Z"}`)

	queued, err := p.Accept(context.Background(), body)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !queued {
		t.Fatal("Expected notification to be queued")
	}

	select {
	case task := <-p.queue:
		if task.payload.UserID != "user-1" {
			t.Errorf("UserID = %q", task.payload.UserID)
		}
		wantStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
		wantEnd := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		if !task.start.Equal(wantStart) || !task.end.Equal(wantEnd) {
			t.Errorf("Window = [%v, %v), want [%v, %v)", task.start, task.end, wantStart, wantEnd)
		}
	default:
		t.Fatal("Queue is empty after accept")
	}
}

func TestAccept_IgnoresUnhandledAndMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unparseable json", `{"type":`},
		{"unhandled type", `{"type":"device_update","userId":"user-1"}`},
		{"missing user id", `{"type":"new_readings"}`},
		{"inverted window", `{"type":"new_readings","userId":"user-1","startTime":"2026-03-10T12:00:00Z","endTime":"2026-03-10T10:00:00Z"}`},
		{"bad start time", `{"type":"new_readings","userId":"user-1","startTime":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(4)
			queued, err := p.Accept(context.Background(), []byte(tt.body))
			if err != nil {
				t.Fatalf("Ignored payloads must still acknowledge: %v", err)
			}
			if queued {
				t.Error("Expected queued=false")
			}
			select {
			case <-p.queue:
				t.Error("Ignored payload reached the queue")
			default:
			}
		})
	}
}

func TestAccept_FullQueueReturnsErrQueueFull(t *testing.T) {
	p := newTestProcessor(1)
	body := []byte(`{"type":"new_readings","userId":"user-1","startTime":"2026-03-10T10:00:00Z","endTime":"2026-03-10T12:00:00Z"}`)

	if queued, err := p.Accept(context.Background(), body); err != nil || !queued {
		t.Fatalf("First accept: queued=%v err=%v", queued, err)
	}

	queued, err := p.Accept(context.Background(), body)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if queued {
		t.Error("queued must be false on a full queue")
	}
}

func TestAccept_CapsWindowAtMaximum(t *testing.T) {
	p := newTestProcessor(4)
	body := []byte(`{"type":"new_readings","userId":"user-1","startTime":"2026-03-01T00:00:00Z","endTime":"2026-03-10T00:00:00Z"}`)

	queued, err := p.Accept(context.Background(), body)
	if err != nil || !queued {
		t.Fatalf("Accept: queued=%v err=%v", queued, err)
	}

	task := <-p.queue
	if got := task.end.Sub(task.start); got != maxWebhookWindow {
		t.Errorf("Window span = %v, want capped at %v", got, maxWebhookWindow)
	}
	if !task.end.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("End moved during capping: %v", task.end)
	}
}

func TestAccept_DefaultsWindowWhenTimesOmitted(t *testing.T) {
	p := newTestProcessor(4)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	queued, err := p.Accept(context.Background(), []byte(`{"type":"new_readings","userId":"user-1"}`))
	if err != nil || !queued {
		t.Fatalf("Accept: queued=%v err=%v", queued, err)
	}

	task := <-p.queue
	if !task.end.Equal(now) {
		t.Errorf("End = %v, want now", task.end)
	}
	if !task.start.Equal(now.Add(-maxWebhookWindow)) {
		t.Errorf("Start = %v, want now minus window cap", task.start)
	}
}

func TestProcess_CapturesSyncFailures(t *testing.T) {
	h := newTestHarness(&fakeFetcher{err: errors.New("provider down")})
	// Occupy the user's lock so the webhook sync fails with contention
	// rather than reaching the fetcher.
	if !h.locks.TryAcquire("user-1", "other-job") {
		t.Fatal("Setup acquire failed")
	}

	p := NewWebhookProcessor(&config.WebhookConfig{Secret: "s", QueueSize: 1}, h.orchestrator)
	p.process(context.Background(), webhookTask{
		payload: models.WebhookPayload{Type: models.WebhookNewReadings, UserID: "user-1"},
		start:   time.Now().Add(-time.Hour),
		end:     time.Now(),
	})

	failed := p.FailedWebhooks()
	if len(failed) != 1 {
		t.Fatalf("Expected 1 captured failure, got %d", len(failed))
	}
	if failed[0].Payload.UserID != "user-1" || failed[0].Error == "" {
		t.Errorf("Unexpected captured failure: %+v", failed[0])
	}
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/models"
)

// fakeFetcher returns scripted records or a scripted error. The call
// counter is atomic and the window log mutex-guarded because scheduler
// ticks fan out across goroutines.
type fakeFetcher struct {
	records []models.EGVRecord
	err     error
	calls   atomic.Int32

	mu      gosync.Mutex
	windows []fetchWindow
}

type fetchWindow struct {
	start, end time.Time
}

func (f *fakeFetcher) FetchReadings(_ context.Context, _ string, start, end time.Time) ([]models.EGVRecord, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.windows = append(f.windows, fetchWindow{start: start, end: end})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// memJobStore is an in-memory JobStore with an idempotency key index.
// Guarded by a mutex because scheduler ticks write from many goroutines.
type memJobStore struct {
	mu     gosync.Mutex
	jobs    map[string]*models.SyncJob
	byKey   map[string]string
	putErr  error
	listErr error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:  make(map[string]*models.SyncJob),
		byKey: make(map[string]string),
	}
}

func (s *memJobStore) GetJob(_ context.Context, jobID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) PutJob(_ context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	copied := *job
	s.jobs[job.JobID] = &copied
	if job.IdempotencyKey != "" {
		s.byKey[job.IdempotencyKey] = job.JobID
	}
	return nil
}

func (s *memJobStore) GetJobByIdempotencyKey(_ context.Context, key string) (*models.SyncJob, error) {
	s.mu.Lock()
	jobID, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return s.GetJob(context.Background(), jobID)
}

func (s *memJobStore) ListJobsByUser(_ context.Context, userID string) ([]models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var jobs []models.SyncJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// testHarness wires an orchestrator out of in-memory collaborators.
type testHarness struct {
	orchestrator *Orchestrator
	fetcher      *fakeFetcher
	readings     *memReadingStore
	jobs         *memJobStore
	locks        *LockManager
}

func newTestHarness(fetcher *fakeFetcher) *testHarness {
	readings := newMemReadingStore()
	jobs := newMemJobStore()
	locks := NewLockManager(time.Minute)

	cfg := &config.SyncConfig{
		MaxParallel: 4,
		LockTTL:     time.Minute,
		LockMaxWait: 200 * time.Millisecond,
	}
	orchestrator := NewOrchestrator(
		cfg,
		fetcher,
		NewValidator(5*time.Minute, 90*24*time.Hour),
		NewDeduplicator(readings),
		readings,
		jobs,
		locks,
	)
	return &testHarness{
		orchestrator: orchestrator,
		fetcher:      fetcher,
		readings:     readings,
		jobs:         jobs,
		locks:        locks,
	}
}

// egvAt formats a record timestamp in the provider's zone-less layout.
func egvAt(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05")
}

func TestSync_CompletesWithPerItemErrors(t *testing.T) {
	now := time.Now().UTC()
	fetcher := &fakeFetcher{records: []models.EGVRecord{
		{SystemTime: egvAt(now.Add(-15 * time.Minute)), Value: floatPtr(110), Trend: "flat"},
		{SystemTime: egvAt(now.Add(-10 * time.Minute)), Value: floatPtr(700), Trend: "flat"},
		{SystemTime: egvAt(now.Add(-5 * time.Minute)), Value: floatPtr(118), Trend: "singleUp"},
	}}
	h := newTestHarness(fetcher)

	job, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if job.Status != models.SyncCompleted {
		t.Errorf("Status = %q, want completed despite item errors", job.Status)
	}
	if job.Result.Total != 3 || job.Result.Stored != 2 || job.Result.ValidationErrors != 1 {
		t.Errorf("Result = %+v, want Total 3 / Stored 2 / ValidationErrors 1", job.Result)
	}
	if job.Result.Duplicates != 0 || job.Result.SystemErrors != 0 {
		t.Errorf("Unexpected Duplicates/SystemErrors: %+v", job.Result)
	}
	if len(h.readings.readings) != 2 {
		t.Errorf("Stored %d readings, want 2", len(h.readings.readings))
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("Terminal job must carry StartedAt and CompletedAt")
	}
	if h.locks.Held("user-1") {
		t.Error("Lock still held after job finished")
	}

	persisted, err := h.jobs.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("Persisted job missing: %v", err)
	}
	if persisted.Status != models.SyncCompleted {
		t.Errorf("Persisted status = %q", persisted.Status)
	}
}

func TestSync_IdempotencyKeyShortCircuits(t *testing.T) {
	now := time.Now().UTC()
	fetcher := &fakeFetcher{records: []models.EGVRecord{
		{SystemTime: egvAt(now.Add(-5 * time.Minute)), Value: floatPtr(110), Trend: "flat"},
	}}
	h := newTestHarness(fetcher)

	first, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerManual, "key-1")
	if err != nil {
		t.Fatalf("First sync failed: %v", err)
	}

	second, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerManual, "key-1")
	if err != nil {
		t.Fatalf("Replayed sync failed: %v", err)
	}

	if second.JobID != first.JobID {
		t.Errorf("Replay created a new job %q, want existing %q", second.JobID, first.JobID)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("Fetcher called %d times, replay must not re-fetch", fetcher.calls.Load())
	}
}

func TestSync_AuthFailureFailsJobAndReleasesLock(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("refreshing token: %w", auth.ErrReauthorizationRequired)}
	h := newTestHarness(fetcher)
	now := time.Now().UTC()

	job, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("Sync returned error for a job-level failure: %v", err)
	}

	if job.Status != models.SyncFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("Failed job must record its cause")
	}
	if len(h.readings.readings) != 0 {
		t.Error("No readings may be stored when the fetch fails")
	}
	if h.locks.Held("user-1") {
		t.Error("Lock still held after failed job")
	}
}

func TestSync_ManualTriggerRejectsOnContention(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newTestHarness(fetcher)
	now := time.Now().UTC()

	if !h.locks.TryAcquire("user-1", "other-job") {
		t.Fatal("Setup acquire failed")
	}

	job, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerManual, "")
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("Expected ErrLockContention, got %v", err)
	}
	if job.Status != models.SyncFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Fetcher must not run without the lock")
	}
}

func TestSync_ScheduledTriggerWaitsForLock(t *testing.T) {
	now := time.Now().UTC()
	fetcher := &fakeFetcher{records: []models.EGVRecord{
		{SystemTime: egvAt(now.Add(-5 * time.Minute)), Value: floatPtr(110), Trend: "flat"},
	}}
	h := newTestHarness(fetcher)

	if !h.locks.TryAcquire("user-1", "other-job") {
		t.Fatal("Setup acquire failed")
	}
	go func() {
		time.Sleep(60 * time.Millisecond)
		h.locks.Release("user-1", "other-job")
	}()

	job, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("Scheduled sync should wait out short contention: %v", err)
	}
	if job.Status != models.SyncCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
}

func TestSync_ReplayedWindowCountsDuplicates(t *testing.T) {
	now := time.Now().UTC()
	fetcher := &fakeFetcher{records: []models.EGVRecord{
		{SystemTime: egvAt(now.Add(-10 * time.Minute)), Value: floatPtr(110), Trend: "flat"},
		{SystemTime: egvAt(now.Add(-5 * time.Minute)), Value: floatPtr(118), Trend: "flat"},
	}}
	h := newTestHarness(fetcher)
	ctx := context.Background()

	first, err := h.orchestrator.Sync(ctx, "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("First sync failed: %v", err)
	}
	if first.Result.Stored != 2 {
		t.Fatalf("First sync stored %d, want 2", first.Result.Stored)
	}

	second, err := h.orchestrator.Sync(ctx, "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if second.Result.Stored != 0 || second.Result.Duplicates != 2 {
		t.Errorf("Second sync Result = %+v, want 0 stored / 2 duplicates", second.Result)
	}
	if len(h.readings.readings) != 2 {
		t.Errorf("Store holds %d readings after replay, want 2", len(h.readings.readings))
	}
}

func TestSync_StorageFailureCountsSystemErrors(t *testing.T) {
	now := time.Now().UTC()
	fetcher := &fakeFetcher{records: []models.EGVRecord{
		{SystemTime: egvAt(now.Add(-5 * time.Minute)), Value: floatPtr(110), Trend: "flat"},
	}}
	h := newTestHarness(fetcher)
	h.readings.putErr = errors.New("disk full")

	job, err := h.orchestrator.Sync(context.Background(), "user-1", now.Add(-time.Hour), now, models.TriggerScheduled, "")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if job.Status != models.SyncCompleted {
		t.Errorf("Status = %q, item-level storage failures must not fail the job", job.Status)
	}
	if job.Result.SystemErrors != 1 || job.Result.Stored != 0 {
		t.Errorf("Result = %+v, want 1 system error and 0 stored", job.Result)
	}
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
	"github.com/glucolab/bgsync/internal/models"
)

// JobStore is the sync job persistence surface. *database.Store
// satisfies it.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*models.SyncJob, error)
	PutJob(ctx context.Context, job *models.SyncJob) error
	GetJobByIdempotencyKey(ctx context.Context, key string) (*models.SyncJob, error)
}

// Orchestrator drives the fetch, validate, deduplicate, store loop for
// one user at a time, tracking each run as a SyncJob.
//
// The per-user lease lock is the sole serialization point: at most one
// job runs per user, while jobs for different users proceed in parallel
// up to the configured concurrency cap. Provider-wide resources (rate
// limiter, circuit breaker) are shared across all jobs.
type Orchestrator struct {
	fetcher   ReadingsFetcher
	validator *Validator
	dedup     *Deduplicator
	readings  ReadingStore
	jobs      JobStore
	locks     *LockManager

	lockMaxWait time.Duration
	renewEvery  time.Duration
	sem         chan struct{}
	now         func() time.Time
}

// NewOrchestrator wires the orchestrator from its collaborators. All
// shared resources are injected so tests can substitute fakes.
func NewOrchestrator(
	cfg *config.SyncConfig,
	fetcher ReadingsFetcher,
	validator *Validator,
	dedup *Deduplicator,
	readings ReadingStore,
	jobs JobStore,
	locks *LockManager,
) *Orchestrator {
	return &Orchestrator{
		fetcher:     fetcher,
		validator:   validator,
		dedup:       dedup,
		readings:    readings,
		jobs:        jobs,
		locks:       locks,
		lockMaxWait: cfg.LockMaxWait,
		renewEvery:  cfg.LockTTL / 2,
		sem:         make(chan struct{}, cfg.MaxParallel),
		now:         time.Now,
	}
}

// Sync creates and runs a sync job for the user over [start, end).
// A request carrying an idempotency key that matches an existing job
// returns that job unchanged instead of running again.
//
// Manual triggers reject immediately on lock contention; scheduled and
// webhook triggers wait up to the configured bound.
func (o *Orchestrator) Sync(ctx context.Context, userID string, start, end time.Time, trigger models.TriggerSource, idempotencyKey string) (*models.SyncJob, error) {
	if idempotencyKey != "" {
		existing, err := o.jobs.GetJobByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			logging.Ctx(ctx).Debug().
				Str("job_id", existing.JobID).
				Str("idempotency_key", idempotencyKey).
				Msg("Idempotency key matched existing job, short-circuiting")
			return existing, nil
		}
		if !errors.Is(err, database.ErrJobNotFound) {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}

	job := &models.SyncJob{
		JobID:          uuid.NewString(),
		UserID:         userID,
		Status:         models.SyncPending,
		Trigger:        trigger,
		StartDate:      start.UTC(),
		EndDate:        end.UTC(),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      o.now().UTC(),
	}
	if err := o.jobs.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		o.failJob(ctx, job, fmt.Errorf("job cancelled: %w", ctx.Err()))
		return job, ctx.Err()
	}
	defer func() { <-o.sem }()

	if err := o.acquireLock(ctx, job); err != nil {
		o.failJob(ctx, job, err)
		return job, err
	}
	defer o.locks.Release(userID, job.JobID)

	o.run(ctx, job)
	return job, nil
}

// acquireLock moves the job from pending toward processing by taking the
// per-user lease. Manual triggers do not wait.
func (o *Orchestrator) acquireLock(ctx context.Context, job *models.SyncJob) error {
	maxWait := o.lockMaxWait
	if job.Trigger == models.TriggerManual {
		maxWait = 0
	}
	if err := o.locks.Acquire(ctx, job.UserID, job.JobID, maxWait); err != nil {
		if errors.Is(err, ErrLockContention) {
			logging.Ctx(ctx).Info().
				Str("user_id", job.UserID).
				Str("trigger", string(job.Trigger)).
				Msg("Sync skipped, user lock held by another job")
		}
		return err
	}
	return nil
}

// run executes the processing phase of an already locked job. All
// terminal transitions happen here; the caller releases the lock.
func (o *Orchestrator) run(ctx context.Context, job *models.SyncJob) {
	startedAt := o.now().UTC()
	job.Status = models.SyncProcessing
	job.StartedAt = &startedAt
	if err := o.jobs.PutJob(ctx, job); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist job transition to processing")
	}

	logging.Ctx(ctx).Info().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Str("trigger", string(job.Trigger)).
		Time("start_date", job.StartDate).
		Time("end_date", job.EndDate).
		Msg("Sync job started")

	stopRenewal := o.startLeaseRenewal(ctx, job)
	defer stopRenewal()

	records, err := o.fetcher.FetchReadings(ctx, job.UserID, job.StartDate, job.EndDate)
	if err != nil {
		o.failJob(ctx, job, classifyJobError(err))
		return
	}

	job.Result.Total = len(records)
	for i := range records {
		if ctx.Err() != nil {
			// Shutdown: current item finished, partial progress is
			// already reflected in the counts.
			logging.Ctx(ctx).Warn().
				Str("job_id", job.JobID).
				Int("processed", i).
				Msg("Sync job cancelled, preserving partial progress")
			o.failJob(ctx, job, fmt.Errorf("job cancelled: %w", ctx.Err()))
			return
		}
		o.processItem(ctx, job, &records[i])
	}

	o.completeJob(ctx, job)
}

// processItem runs one raw record through validation, deduplication, and
// storage. Item-level failures increment counters and never abort the job.
func (o *Orchestrator) processItem(ctx context.Context, job *models.SyncJob, record *models.EGVRecord) {
	result := o.validator.Validate(job.UserID, record)
	if result.Rejected() {
		job.Result.ValidationErrors++
		metrics.ReadingsProcessed.WithLabelValues("validation_error").Inc()
		logging.Ctx(ctx).Debug().
			Str("job_id", job.JobID).
			Str("system_time", record.SystemTime).
			Interface("errors", result.Errors).
			Msg("Reading rejected by validation")
		return
	}

	effective, isDuplicate, err := o.dedup.Process(ctx, result.Reading)
	if err != nil {
		job.Result.SystemErrors++
		metrics.ReadingsProcessed.WithLabelValues("system_error").Inc()
		logging.Ctx(ctx).Error().
			Err(err).
			Str("job_id", job.JobID).
			Time("timestamp", result.Reading.Timestamp).
			Msg("Deduplication failed for reading")
		return
	}

	if err := o.readings.PutReading(ctx, effective); err != nil {
		job.Result.SystemErrors++
		metrics.ReadingsProcessed.WithLabelValues("system_error").Inc()
		logging.Ctx(ctx).Error().
			Err(err).
			Str("job_id", job.JobID).
			Time("timestamp", effective.Timestamp).
			Msg("Failed to store reading")
		return
	}

	if isDuplicate {
		job.Result.Duplicates++
		metrics.ReadingsProcessed.WithLabelValues("duplicate").Inc()
	} else {
		job.Result.Stored++
		metrics.ReadingsProcessed.WithLabelValues("stored").Inc()
	}
}

// startLeaseRenewal keeps the job's lease alive while the per-item loop
// runs. Returns a stop function.
func (o *Orchestrator) startLeaseRenewal(ctx context.Context, job *models.SyncJob) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !o.locks.Renew(job.UserID, job.JobID) {
					logging.Warn().
						Str("job_id", job.JobID).
						Str("user_id", job.UserID).
						Msg("Lost sync lease during renewal")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// completeJob records a successful terminal transition. Nonzero item
// error counts still complete; only job-level failures fail a job.
func (o *Orchestrator) completeJob(ctx context.Context, job *models.SyncJob) {
	completedAt := o.now().UTC()
	job.Status = models.SyncCompleted
	job.CompletedAt = &completedAt
	if err := o.jobs.PutJob(ctx, job); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist completed job")
	}

	o.observeTerminal(job)
	logging.Ctx(ctx).Info().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Int("total", job.Result.Total).
		Int("stored", job.Result.Stored).
		Int("duplicates", job.Result.Duplicates).
		Int("validation_errors", job.Result.ValidationErrors).
		Int("system_errors", job.Result.SystemErrors).
		Msg("Sync job completed")
}

// failJob records a failed terminal transition with the triggering error.
func (o *Orchestrator) failJob(ctx context.Context, job *models.SyncJob, cause error) {
	completedAt := o.now().UTC()
	job.Status = models.SyncFailed
	job.CompletedAt = &completedAt
	job.Error = cause.Error()
	if err := o.jobs.PutJob(ctx, job); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("job_id", job.JobID).Msg("Failed to persist failed job")
	}

	o.observeTerminal(job)
	logging.Ctx(ctx).Warn().
		Err(cause).
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Msg("Sync job failed")
}

// observeTerminal emits job lifecycle metrics once per terminal job.
func (o *Orchestrator) observeTerminal(job *models.SyncJob) {
	metrics.SyncJobsTotal.WithLabelValues(string(job.Trigger), string(job.Status)).Inc()
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.SyncJobDuration.WithLabelValues(string(job.Trigger)).
			Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}

// classifyJobError rewords fetch-phase failures for the job record.
func classifyJobError(err error) error {
	switch {
	case errors.Is(err, auth.ErrReauthorizationRequired):
		return fmt.Errorf("authentication failed, user must re-authorize: %w", err)
	case errors.Is(err, ErrCircuitOpen):
		return fmt.Errorf("provider unavailable: %w", err)
	default:
		return fmt.Errorf("fetch failed: %w", err)
	}
}

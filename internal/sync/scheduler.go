// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/models"
)

// UserSource lists the users eligible for scheduled syncs.
// *database.Store satisfies it.
type UserSource interface {
	UserIDsWithTokens(ctx context.Context) ([]string, error)
}

// ReauthChecker reports users whose credentials need re-authorization so
// the scheduler can skip them instead of burning failed jobs every tick.
// *auth.TokenManager satisfies it.
type ReauthChecker interface {
	ReauthRequired(userID string) bool
}

// JobHistory exposes past jobs so windows can resume where the last
// completed sync ended. *database.Store satisfies it.
type JobHistory interface {
	ListJobsByUser(ctx context.Context, userID string) ([]models.SyncJob, error)
}

// Scheduler periodically syncs every user with stored credentials.
// Windows are incremental: each user's window starts where their last
// completed sync ended, floored at the configured lookback. Each tick
// fans out across users; per-user mutual exclusion and the global
// concurrency cap are both enforced by the orchestrator, so a slow user
// cannot stall the rest.
type Scheduler struct {
	orchestrator *Orchestrator
	users        UserSource
	reauth       ReauthChecker
	history      JobHistory
	interval     time.Duration
	lookback     time.Duration
	now          func() time.Time
}

// NewScheduler creates a scheduler over the orchestrator.
func NewScheduler(cfg *config.SyncConfig, orchestrator *Orchestrator, users UserSource, reauth ReauthChecker, history JobHistory) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		users:        users,
		reauth:       reauth,
		history:      history,
		interval:     cfg.Interval,
		lookback:     cfg.Lookback,
		now:          time.Now,
	}
}

// Run executes the poll loop until ctx is cancelled. The first tick runs
// immediately so a restart does not wait a full interval to catch up.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.interval).
		Dur("lookback", s.lookback).
		Msg("Sync scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Sync scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduled sync round across all eligible users.
func (s *Scheduler) tick(ctx context.Context) {
	userIDs, err := s.users.UserIDsWithTokens(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Scheduler failed to list users")
		return
	}
	if len(userIDs) == 0 {
		return
	}

	end := s.now().UTC()

	var wg gosync.WaitGroup
	for _, userID := range userIDs {
		if s.reauth.ReauthRequired(userID) {
			logging.Debug().Str("user_id", userID).Msg("Skipping scheduled sync, user requires re-authorization")
			continue
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			syncCtx := logging.ContextWithNewCorrelationID(ctx)
			start := s.windowStart(syncCtx, userID, end)
			_, err := s.orchestrator.Sync(syncCtx, userID, start, end, models.TriggerScheduled, "")
			if err != nil && !errors.Is(err, ErrLockContention) && !errors.Is(err, auth.ErrReauthorizationRequired) {
				logging.Ctx(syncCtx).Warn().Err(err).Str("user_id", userID).Msg("Scheduled sync failed")
			}
		}(userID)
	}
	wg.Wait()
}

// windowStart picks where the user's window begins. The most recent
// completed job's end date is used when it falls inside the lookback
// horizon; otherwise the full lookback is scanned. History lookup
// failures fall back to the full lookback rather than skipping the user.
func (s *Scheduler) windowStart(ctx context.Context, userID string, end time.Time) time.Time {
	floor := end.Add(-s.lookback)

	jobs, err := s.history.ListJobsByUser(ctx, userID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("Job history lookup failed, using full lookback")
		return floor
	}
	for _, job := range jobs {
		if job.Status != models.SyncCompleted {
			continue
		}
		if job.EndDate.After(floor) && job.EndDate.Before(end) {
			return job.EndDate
		}
		break
	}
	return floor
}

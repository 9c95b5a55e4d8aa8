// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/metrics"
)

// lease is one held per-user lock. Expiry is the safety net against a
// holder that crashed without releasing.
type lease struct {
	holderID   string
	acquiredAt time.Time
	expiresAt  time.Time
}

// LockManager provides per-user lease locks guaranteeing at most one
// active sync per user. Leases are in-memory only; a lease is never
// meaningful beyond process lifetime, so there is nothing to persist.
type LockManager struct {
	mu     sync.Mutex
	leases map[string]*lease
	ttl    time.Duration
	now    func() time.Time
}

// NewLockManager creates a lock manager issuing leases with the given TTL.
func NewLockManager(ttl time.Duration) *LockManager {
	return &LockManager{
		leases: make(map[string]*lease),
		ttl:    ttl,
		now:    time.Now,
	}
}

// pollInterval is how often a bounded-wait acquire rechecks the lock.
const pollInterval = 50 * time.Millisecond

// TryAcquire attempts to take the user's lease without waiting. An
// expired lease held by a crashed job is reclaimed.
func (m *LockManager) TryAcquire(userID, holderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.leases[userID]; ok && now.Before(existing.expiresAt) {
		return false
	}
	if existing, ok := m.leases[userID]; ok {
		logging.Warn().
			Str("user_id", userID).
			Str("stale_holder", existing.holderID).
			Time("expired_at", existing.expiresAt).
			Msg("Reclaiming expired sync lease")
	}

	m.leases[userID] = &lease{
		holderID:   holderID,
		acquiredAt: now,
		expiresAt:  now.Add(m.ttl),
	}
	return true
}

// Acquire takes the user's lease, waiting up to maxWait for a current
// holder to release. Exceeding the wait returns ErrLockContention.
// maxWait of zero makes Acquire equivalent to TryAcquire.
func (m *LockManager) Acquire(ctx context.Context, userID, holderID string, maxWait time.Duration) error {
	if m.TryAcquire(userID, holderID) {
		return nil
	}

	deadline := m.now().Add(maxWait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for m.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock wait aborted: %w", ctx.Err())
		case <-ticker.C:
			if m.TryAcquire(userID, holderID) {
				return nil
			}
		}
	}

	metrics.LockContention.Inc()
	return fmt.Errorf("%w: %s", ErrLockContention, userID)
}

// Renew extends the holder's lease. Returns false when the lease is no
// longer held by holderID, in which case the caller has lost ownership
// and must stop mutating per-user state.
func (m *LockManager) Renew(userID, holderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[userID]
	if !ok || existing.holderID != holderID {
		return false
	}
	existing.expiresAt = m.now().Add(m.ttl)
	return true
}

// Release drops the lease if holderID still owns it. Releasing a lease
// someone else reclaimed is a no-op.
func (m *LockManager) Release(userID, holderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[userID]
	if !ok || existing.holderID != holderID {
		return
	}
	delete(m.leases, userID)
}

// Held reports whether a live lease exists for the user.
func (m *LockManager) Held(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[userID]
	return ok && m.now().Before(existing.expiresAt)
}

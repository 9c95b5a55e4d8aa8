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

	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/models"
)

// ReadingStore is the persistence surface the deduplicator and
// orchestrator need. *database.Store satisfies it.
type ReadingStore interface {
	GetReading(ctx context.Context, userID string, ts time.Time) (*models.GlucoseReading, error)
	PutReading(ctx context.Context, reading *models.GlucoseReading) error
}

// Deduplicator resolves conflicts between an incoming reading and any
// reading already stored under the same (user, timestamp) key.
//
// Resolution prefers the reading with the later CreatedAt, treating the
// most recent ingestion attempt as authoritative, and merges device
// metadata so a re-sync never erases fields an earlier attempt captured.
type Deduplicator struct {
	store ReadingStore
	now   func() time.Time
}

// NewDeduplicator creates a deduplicator over the given store.
func NewDeduplicator(store ReadingStore) *Deduplicator {
	return &Deduplicator{store: store, now: time.Now}
}

// Process returns the reading that should persist and whether an
// existing record was found under the same key. isDuplicate is true
// whenever a record existed, even when the incoming reading replaces it.
func (d *Deduplicator) Process(ctx context.Context, incoming *models.GlucoseReading) (*models.GlucoseReading, bool, error) {
	existing, err := d.store.GetReading(ctx, incoming.UserID, incoming.Timestamp)
	if err != nil {
		if errors.Is(err, database.ErrReadingNotFound) {
			return incoming, false, nil
		}
		return nil, false, fmt.Errorf("dedup lookup failed: %w", err)
	}

	effective := d.merge(existing, incoming)
	return effective, true, nil
}

// merge overlays the newer reading's non-empty device metadata on the
// older one's and stamps UpdatedAt with the merge time. The newer
// reading's measurement values win.
func (d *Deduplicator) merge(existing, incoming *models.GlucoseReading) *models.GlucoseReading {
	newer, older := incoming, existing
	if existing.CreatedAt.After(incoming.CreatedAt) {
		newer, older = existing, incoming
	}

	out := *newer
	out.DeviceInfo = older.DeviceInfo.Merge(newer.DeviceInfo)
	out.UpdatedAt = d.now()
	return &out
}

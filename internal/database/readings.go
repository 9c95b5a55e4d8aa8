// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/models"
)

// readingKey builds the storage key for a (user, timestamp) pair.
// Timestamps are normalized to UTC second precision so the same instant
// always maps to the same key regardless of the source's offset or
// sub-second noise.
func readingKey(userID string, ts time.Time) []byte {
	return []byte(readingKeyPrefix + userID + ":" + ts.UTC().Truncate(time.Second).Format(time.RFC3339))
}

// GetReading retrieves a reading by primary key.
// Returns ErrReadingNotFound if no reading exists for (userID, ts).
func (s *Store) GetReading(ctx context.Context, userID string, ts time.Time) (*models.GlucoseReading, error) {
	var reading models.GlucoseReading

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(readingKey(userID, ts))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrReadingNotFound
		}
		if err != nil {
			return fmt.Errorf("get reading: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &reading)
		})
	})
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// PutReading stores a reading under its (user, timestamp) key, replacing any
// existing record for the same instant.
func (s *Store) PutReading(ctx context.Context, reading *models.GlucoseReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(readingKey(reading.UserID, reading.Timestamp), data)
	})
}

// ReadingsInRange returns the user's readings with start <= timestamp < end,
// in ascending time order. The RFC 3339 key encoding makes the prefix scan
// naturally time-ordered.
func (s *Store) ReadingsInRange(ctx context.Context, userID string, start, end time.Time) ([]models.GlucoseReading, error) {
	prefix := []byte(readingKeyPrefix + userID + ":")
	from := readingKey(userID, start)
	to := readingKey(userID, end)

	var readings []models.GlucoseReading
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(from); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), to) >= 0 {
				break
			}
			var reading models.GlucoseReading
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &reading)
			}); err != nil {
				return fmt.Errorf("decode reading %s: %w", item.Key(), err)
			}
			readings = append(readings, reading)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return readings, nil
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/models"
)

// GetJob retrieves a sync job by ID.
// Returns ErrJobNotFound if the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobKeyPrefix + jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// PutJob stores a sync job. When the job carries an idempotency key, the
// job record and the key index entry are written in one transaction so a
// crash can never leave a key pointing at a missing job.
func (s *Store) PutJob(ctx context.Context, job *models.SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(jobKeyPrefix+job.JobID), data); err != nil {
			return fmt.Errorf("set job: %w", err)
		}
		if job.IdempotencyKey != "" {
			if err := txn.Set([]byte(jobIdemKeyBucket+job.IdempotencyKey), []byte(job.JobID)); err != nil {
				return fmt.Errorf("set idempotency index: %w", err)
			}
		}
		return nil
	})
}

// GetJobByIdempotencyKey resolves an idempotency key to its job.
// Returns ErrJobNotFound when the key has never been used.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.SyncJob, error) {
	var jobID string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobIdemKeyBucket + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("get idempotency index: %w", err)
		}
		return item.Value(func(val []byte) error {
			jobID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// ListJobsByUser returns all jobs for a user, most recent first.
func (s *Store) ListJobsByUser(ctx context.Context, userID string) ([]models.SyncJob, error) {
	prefix := []byte(jobKeyPrefix)

	var jobs []models.SyncJob
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job models.SyncJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode job %s: %w", it.Item().Key(), err)
			}
			if job.UserID == userID {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

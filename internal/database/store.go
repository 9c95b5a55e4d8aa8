// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package database provides the BadgerDB-backed repository for glucose
// readings, OAuth token sets, and sync jobs.
//
// Key layout:
//
//	reading:<user_id>:<rfc3339-utc-ts>  -> GlucoseReading JSON
//	token:<user_id>                     -> TokenSet JSON
//	job:<job_id>                        -> SyncJob JSON
//	jobkey:<idempotency_key>            -> job_id
//
// Reading timestamps are RFC 3339 in UTC at second precision, so a badger
// prefix iteration over reading:<user_id>: yields readings in time order.
// All operations are atomic per key via badger transactions.
package database

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/glucolab/bgsync/internal/config"
	"github.com/glucolab/bgsync/internal/logging"
)

// Sentinel errors returned by store lookups.
var (
	ErrReadingNotFound = errors.New("reading not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrJobNotFound     = errors.New("sync job not found")
)

// Key prefixes for BadgerDB storage.
const (
	readingKeyPrefix = "reading:"
	tokenKeyPrefix   = "token:"
	jobKeyPrefix     = "job:"
	jobIdemKeyBucket = "jobkey:"
)

// Store is the BadgerDB repository. Safe for concurrent use; badger
// serializes conflicting writes internally.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the badger database at the configured path.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger logs through its own interface; route it to zerolog.
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing badger handle. Used by tests with in-memory
// databases.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger adapts badger's logger interface to zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { logging.Error().Msgf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { logging.Warn().Msgf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { logging.Debug().Msgf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { logging.Debug().Msgf(format, args...) }

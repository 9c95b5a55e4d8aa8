// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/models"
)

// GetToken retrieves the stored token set for a user.
// Returns ErrTokenNotFound if the user has never authorized.
func (s *Store) GetToken(ctx context.Context, userID string) (*models.TokenSet, error) {
	var token models.TokenSet

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &token)
		})
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// PutToken replaces the stored token set for a user.
func (s *Store) PutToken(ctx context.Context, token *models.TokenSet) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKeyPrefix+token.UserID), data)
	})
}

// DeleteToken removes a user's token set, e.g. on revocation.
func (s *Store) DeleteToken(ctx context.Context, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(tokenKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// UserIDsWithTokens lists all users that have a stored token set. The
// scheduler uses this to decide which users to poll.
func (s *Store) UserIDsWithTokens(ctx context.Context) ([]string, error) {
	prefix := []byte(tokenKeyPrefix)

	var users []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			users = append(users, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

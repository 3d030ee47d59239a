// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/halcyonlabs/threadline/pkg/storage/badger"
	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

// BadgerStore implements StateStore on top of the embedded BadgerDB
// instance opened at startup.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide the per-save
// atomicity the StateStore contract requires.
type BadgerStore struct {
	db           *badger.DB
	systemPrompt string
	now          func() time.Time
}

// NewBadgerStore creates a StateStore over db. systemPrompt seeds the
// leading system message of threads synthesized on first load.
//
// Panics on nil db (programming error).
func NewBadgerStore(db *badger.DB, systemPrompt string) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	return &BadgerStore{
		db:           db,
		systemPrompt: systemPrompt,
		now:          time.Now,
	}
}

// WithClock overrides the store's clock. For tests.
func (s *BadgerStore) WithClock(now func() time.Time) *BadgerStore {
	s.now = now
	return s
}

// Load returns the persisted state for threadID, or a fresh initial state
// (one system message, title "New Chat") when the id has never been seen.
func (s *BadgerStore) Load(ctx context.Context, threadID string) (*datatypes.ThreadState, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(ThreadKey(threadID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return datatypes.NewThreadState(threadID, s.systemPrompt, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load thread %s: %v", ErrStoreUnavailable, threadID, err)
	}

	var state datatypes.ThreadState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: decode thread %s: %v", ErrStoreUnavailable, threadID, err)
	}
	if err := state.Validate(); err != nil {
		slog.Warn("loaded thread state failed validation", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("%w: corrupt thread %s: %v", ErrStoreUnavailable, threadID, err)
	}
	return &state, nil
}

// Exists reports whether threadID has persisted state.
func (s *BadgerStore) Exists(ctx context.Context, threadID string) (bool, error) {
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(ThreadKey(threadID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: check thread %s: %v", ErrStoreUnavailable, threadID, err)
	}
	return found, nil
}

// Save atomically replaces the persisted state for state.ThreadID. The
// serialized value carries messages and metadata together, so a reader
// sees either the old state or the new one, never a mix.
func (s *BadgerStore) Save(ctx context.Context, state *datatypes.ThreadState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", state.ThreadID, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(ThreadKey(state.ThreadID), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: save thread %s: %v", ErrStoreUnavailable, state.ThreadID, err)
	}
	return nil
}

// ListThreadIDs enumerates the thread-state namespace with a keys-only
// prefix scan.
func (s *BadgerStore) ListThreadIDs(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := []byte(threadStatePrefix)

	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, threadStatePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list threads: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

var _ StateStore = (*BadgerStore)(nil)

// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists thread state to the embedded key-value backend.
//
// One serialized ThreadState lives under one key; a save replaces the
// whole value in a single transaction, so readers never observe messages
// and metadata from different writes. Thread enumeration is a keys-only
// prefix scan over the thread-state namespace; no secondary index.
package store

import (
	"context"
	"errors"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

// Key scheme: fixed namespace prefix + thread id, no positional parsing.
const threadStatePrefix = "thread:state:"

var (
	// ErrThreadNotFound is returned by operations that require a thread to
	// already exist (title updates). Load never returns it: an unknown id
	// yields a fresh initial state instead.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrStoreUnavailable wraps backend failures. Callers get a single
	// attempt; retry policy is theirs.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// StateStore is the persistence contract for thread state.
//
// Implementations must be safe for concurrent use. The store guarantees
// atomicity of a single Save; cross-call sequencing (two queries racing
// on one thread) is the conversation service's responsibility.
type StateStore interface {
	// Load returns the persisted state for threadID, or a fresh initial
	// state when the id has never been seen.
	Load(ctx context.Context, threadID string) (*datatypes.ThreadState, error)

	// Exists reports whether threadID has persisted state.
	Exists(ctx context.Context, threadID string) (bool, error)

	// Save atomically replaces the persisted state for state.ThreadID.
	Save(ctx context.Context, state *datatypes.ThreadState) error

	// ListThreadIDs enumerates every known thread id. No ordering
	// guarantee; duplicates are impossible by construction (one key per
	// thread).
	ListThreadIDs(ctx context.Context) ([]string, error)
}

// ThreadKey returns the backend key for a thread's state.
func ThreadKey(threadID string) []byte {
	return []byte(threadStatePrefix + threadID)
}

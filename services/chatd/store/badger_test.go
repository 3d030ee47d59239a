// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/threadline/pkg/storage/badger"
	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

const testPrompt = "You are a test assistant."

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return NewBadgerStore(db, testPrompt)
}

func TestLoad_SynthesizesInitialState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	state, err := s.Load(context.Background(), "never-seen")
	require.NoError(t, err)

	assert.Equal(t, "never-seen", state.ThreadID)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, datatypes.RoleSystem, state.Messages[0].Role)
	assert.Equal(t, testPrompt, state.Messages[0].Content)
	assert.Equal(t, datatypes.DefaultTitle, state.Meta.Title)

	// Synthesized state is not persisted until saved.
	exists, err := s.Exists(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	state := datatypes.NewThreadState("t1", testPrompt, now)
	state.Messages = append(state.Messages,
		datatypes.NewMessage(datatypes.RoleUser, "what is badger?", now.Add(time.Second)),
		datatypes.NewMessage(datatypes.RoleAssistant, "an embedded KV store", now.Add(2*time.Second)),
	)
	state.Meta.Title = "what is badger?"
	state.Meta.UpdatedAt = now.Add(2 * time.Second).UnixMilli()

	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, state.ThreadID, loaded.ThreadID)
	assert.Equal(t, state.Meta, loaded.Meta)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, state.Messages, loaded.Messages)

	exists, err := s.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSave_RejectsInvalidState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	state := datatypes.NewThreadState("", testPrompt, time.Now())
	assert.Error(t, s.Save(context.Background(), state))
}

func TestSave_OverwritesPriorState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	state := datatypes.NewThreadState("t1", testPrompt, now)
	state.Messages = append(state.Messages,
		datatypes.NewMessage(datatypes.RoleUser, "first", now),
		datatypes.NewMessage(datatypes.RoleAssistant, "reply", now),
	)
	require.NoError(t, s.Save(ctx, state))

	// Reset to initial state, as Clear does.
	fresh := datatypes.NewThreadState("t1", testPrompt, now)
	require.NoError(t, s.Save(ctx, fresh))

	loaded, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 1)
}

func TestListThreadIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ids, err := s.ListThreadIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, s.Save(ctx, datatypes.NewThreadState(id, testPrompt, now)))
	}

	ids, err = s.ListThreadIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, ids)
}

func TestThreadKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []byte("thread:state:abc"), ThreadKey("abc"))
}

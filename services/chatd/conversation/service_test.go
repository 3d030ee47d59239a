// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/threadline/pkg/storage/badger"
	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"github.com/halcyonlabs/threadline/services/chatd/store"
	"github.com/halcyonlabs/threadline/services/llm"
)

const testPrompt = "You are a test assistant."

// streamingMockLLM drives ChatStream callbacks from a canned fragment
// list, optionally failing partway through. It records the message
// context of every call for assertions.
type streamingMockLLM struct {
	fragments []string
	failAfter int // fragments delivered before failing; -1 means never
	failErr   error

	// barrier, when non-nil, is waited on at stream start. Used to prove
	// that streams on distinct threads run concurrently.
	barrier *sync.WaitGroup

	mu    sync.Mutex
	calls [][]datatypes.Message
}

func newStreamingMockLLM(fragments ...string) *streamingMockLLM {
	return &streamingMockLLM{fragments: fragments, failAfter: -1}
}

func (m *streamingMockLLM) Chat(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams) (string, error) {
	return strings.Join(m.fragments, ""), nil
}

func (m *streamingMockLLM) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	m.mu.Lock()
	snapshot := make([]datatypes.Message, len(messages))
	copy(snapshot, messages)
	m.calls = append(m.calls, snapshot)
	m.mu.Unlock()

	if m.barrier != nil {
		m.barrier.Done()
		m.barrier.Wait()
	}

	for i, f := range m.fragments {
		if m.failAfter >= 0 && i == m.failAfter {
			return m.failErr
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventFragment, Content: f}); err != nil {
			return err
		}
	}
	return nil
}

func (m *streamingMockLLM) lastCall() []datatypes.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

var _ llm.LLMClient = (*streamingMockLLM)(nil)

func newTestService(t *testing.T, client llm.LLMClient) (*Service, *store.BadgerStore) {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	st := store.NewBadgerStore(db, testPrompt)
	svc := NewService(st, client, testPrompt, llm.GenerationParams{}).
		WithAccumulatorFactory(PlainAccumulatorFactory)
	return svc, st
}

func TestQuery_FirstTurnPersistsFullTurn(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("Hel", "lo", " world")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	var forwarded []string
	result, err := svc.Query(ctx, "t1", "greet me", func(f string) error {
		forwarded = append(forwarded, f)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Reply)
	assert.Equal(t, 3, result.Fragments)
	assert.Equal(t, []string{"Hel", "lo", " world"}, forwarded)

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, datatypes.RoleSystem, state.Messages[0].Role)
	assert.Equal(t, datatypes.RoleUser, state.Messages[1].Role)
	assert.Equal(t, "greet me", state.Messages[1].Content)
	assert.Equal(t, datatypes.RoleAssistant, state.Messages[2].Role)
	assert.Equal(t, "Hello world", state.Messages[2].Content)

	// First user question becomes the title.
	assert.Equal(t, "greet me", state.Meta.Title)
	assert.GreaterOrEqual(t, state.Meta.UpdatedAt, state.Meta.CreatedAt)
}

func TestQuery_ModelContextConstruction(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("first reply")
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "question one", nil)
	require.NoError(t, err)

	first := mock.lastCall()
	require.Len(t, first, 2)
	assert.Equal(t, datatypes.RoleSystem, first[0].Role)
	assert.Equal(t, testPrompt, first[0].Content)
	assert.Equal(t, datatypes.RoleUser, first[1].Role)
	assert.Equal(t, "question one", first[1].Content)

	mock.fragments = []string{"second reply"}
	_, err = svc.Query(ctx, "t1", "question two", nil)
	require.NoError(t, err)

	second := mock.lastCall()
	require.Len(t, second, 4)
	// Exactly one system message, leading.
	assert.Equal(t, datatypes.RoleSystem, second[0].Role)
	for _, m := range second[1:] {
		assert.NotEqual(t, datatypes.RoleSystem, m.Role)
	}
	// Prior turn in order, new question last.
	assert.Equal(t, "question one", second[1].Content)
	assert.Equal(t, "first reply", second[2].Content)
	assert.Equal(t, "question two", second[3].Content)
}

func TestQuery_GrowsByExactlyTwoPerTurn(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	for turn := 1; turn <= 4; turn++ {
		_, err := svc.Query(ctx, "t1", "another question", nil)
		require.NoError(t, err)

		state, err := st.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, state.Messages, 1+2*turn)
	}
}

func TestQuery_TitleTruncationAndStability(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	longQuestion := strings.Repeat("x", 40)
	_, err := svc.Query(ctx, "t1", longQuestion, nil)
	require.NoError(t, err)

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 30)+"...", state.Meta.Title)

	// Later turns leave the derived title alone.
	_, err = svc.Query(ctx, "t1", "a different question entirely", nil)
	require.NoError(t, err)

	state, err = st.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 30)+"...", state.Meta.Title)
}

func TestQuery_ZeroFragmentsPersistsNothing(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM() // no fragments, stream "succeeds"
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "hello?", nil)
	require.ErrorIs(t, err, ErrGenerationFailed)

	exists, err := st.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists, "failed turn must not create the thread")
}

func TestQuery_MidStreamFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("partial ", "output ", "never seen")
	mock.failAfter = 2
	mock.failErr = errors.New("model crashed")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	var forwarded []string
	_, err := svc.Query(ctx, "t1", "will fail", func(f string) error {
		forwarded = append(forwarded, f)
		return nil
	})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Len(t, forwarded, 2, "client saw the partial output")

	exists, err := st.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists, "partial turn must not be persisted")
}

// errorEventLLM emits one fragment and then a backend error event, the
// way a model server reports a mid-stream failure in-band.
type errorEventLLM struct {
	err error
}

func (m *errorEventLLM) Chat(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams) (string, error) {
	return "", m.err
}

func (m *errorEventLLM) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	if err := callback(llm.StreamEvent{Type: llm.StreamEventFragment, Content: "partial"}); err != nil {
		return err
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventError, Err: m.err})
}

func TestQuery_ErrorEventDiscardsTurn(t *testing.T) {
	t.Parallel()

	mock := &errorEventLLM{err: errors.New("model overloaded")}
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "will fail in-band", nil)
	require.ErrorIs(t, err, ErrGenerationFailed)

	exists, err := st.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, exists, "in-band failure must not persist the turn")
}

// failingSaveStore delegates reads to a real store but fails every
// Save, modeling a storage outage that begins mid-request.
type failingSaveStore struct {
	store.StateStore
	saveErr error
}

func (f *failingSaveStore) Save(ctx context.Context, state *datatypes.ThreadState) error {
	return f.saveErr
}

func TestQuery_SaveFailureSurfacesStoreError(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("full ", "reply")
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	inner := store.NewBadgerStore(db, testPrompt)
	failing := &failingSaveStore{
		StateStore: inner,
		saveErr:    fmt.Errorf("%w: value log write failed", store.ErrStoreUnavailable),
	}
	svc := NewService(failing, mock, testPrompt, llm.GenerationParams{}).
		WithAccumulatorFactory(PlainAccumulatorFactory)

	var forwarded []string
	_, err = svc.Query(context.Background(), "t1", "stream then lose the write", func(f string) error {
		forwarded = append(forwarded, f)
		return nil
	})

	// The client saw the whole reply; the failed write is reported as a
	// store error, not a generation failure.
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, []string{"full ", "reply"}, forwarded)

	exists, err := inner.Exists(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, exists, "failed save must leave no partial state")
}

func TestQuery_FailureLeavesPriorTurnsIntact(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("good reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "first", nil)
	require.NoError(t, err)

	mock.fragments = []string{"doomed"}
	mock.failAfter = 0
	mock.failErr = errors.New("backend down")

	_, err = svc.Query(ctx, "t1", "second", nil)
	require.ErrorIs(t, err, ErrGenerationFailed)

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "first", state.Messages[1].Content)
	assert.Equal(t, "good reply", state.Messages[2].Content)
}

func TestQuery_ForwardingAbortStillPersists(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("one ", "two ", "three")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	forwarded := 0
	result, err := svc.Query(ctx, "t1", "keep going", func(f string) error {
		forwarded++
		if forwarded >= 2 {
			return errors.New("client disconnected")
		}
		return nil
	})
	require.NoError(t, err, "forwarding failure must not fail the turn")
	assert.Equal(t, "one two three", result.Reply)

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "one two three", state.Messages[2].Content)
}

func TestQuery_CancelledContextStillPersists(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("alpha ", "beta ", "gamma")
	svc, st := newTestService(t, mock)

	ctx, cancel := context.WithCancel(context.Background())

	forwarded := 0
	result, err := svc.Query(ctx, "t1", "disconnect midway", func(f string) error {
		forwarded++
		if forwarded == 1 {
			cancel() // client drops after the first fragment
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma", result.Reply)

	state, err := st.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "alpha beta gamma", state.Messages[2].Content)
}

func TestQuery_SameThreadSerialized(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Query(ctx, "t1", "concurrent question", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 5, "two turns append exactly four messages")

	// Turn pairs are contiguous: user then assistant, twice.
	assert.Equal(t, datatypes.RoleUser, state.Messages[1].Role)
	assert.Equal(t, datatypes.RoleAssistant, state.Messages[2].Role)
	assert.Equal(t, datatypes.RoleUser, state.Messages[3].Role)
	assert.Equal(t, datatypes.RoleAssistant, state.Messages[4].Role)
}

func TestQuery_DistinctThreadsRunConcurrently(t *testing.T) {
	t.Parallel()

	// Both streams must be in flight at once to pass the barrier; if
	// distinct threads were serialized this would deadlock, and the test
	// would time out.
	var barrier sync.WaitGroup
	barrier.Add(2)

	mock := newStreamingMockLLM("reply")
	mock.barrier = &barrier
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"t1", "t2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Query(ctx, id, "parallel question", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestInit_ResetsExistingThread(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "build up history", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Init(ctx, "t1"))

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, datatypes.RoleSystem, state.Messages[0].Role)
	assert.Equal(t, datatypes.DefaultTitle, state.Meta.Title)
}

func TestClear_PreservesCreationTimestamp(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	svc.WithClock(func() time.Time { return clock })

	require.NoError(t, svc.Init(ctx, "t1"))
	_, err := svc.Query(ctx, "t1", "some question", nil)
	require.NoError(t, err)

	clock = base.Add(time.Hour)
	require.NoError(t, svc.Clear(ctx, "t1"))

	state, err := st.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, base.UnixMilli(), state.Meta.CreatedAt, "creation time survives clear")
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), state.Meta.UpdatedAt)
	assert.Equal(t, datatypes.DefaultTitle, state.Meta.Title)
}

func TestClear_UnknownThreadCreatesIt(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	require.NoError(t, svc.Clear(ctx, "fresh"))

	exists, err := st.Exists(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSetTitle(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, st := newTestService(t, mock)
	ctx := context.Background()

	t.Run("unknown thread rejected", func(t *testing.T) {
		err := svc.SetTitle(ctx, "missing", "anything")
		assert.ErrorIs(t, err, store.ErrThreadNotFound)
	})

	t.Run("existing thread renamed", func(t *testing.T) {
		require.NoError(t, svc.Init(ctx, "t1"))
		require.NoError(t, svc.SetTitle(ctx, "t1", "renamed"))

		state, err := st.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", state.Meta.Title)
	})

	t.Run("rename does not touch messages", func(t *testing.T) {
		_, err := svc.Query(ctx, "t2", "a question", nil)
		require.NoError(t, err)
		require.NoError(t, svc.SetTitle(ctx, "t2", "custom"))

		state, err := st.Load(ctx, "t2")
		require.NoError(t, err)
		assert.Len(t, state.Messages, 3)
		assert.Equal(t, "custom", state.Meta.Title)
	})
}

func TestHistory_FiltersSystemMessages(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("the reply")
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Query(ctx, "t1", "the question", nil)
	require.NoError(t, err)

	history, err := svc.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, datatypes.RoleUser, history[0].Role)
	assert.Equal(t, "the question", history[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, history[1].Role)
	assert.Equal(t, "the reply", history[1].Content)
}

func TestHistory_UnknownThreadIsEmpty(t *testing.T) {
	t.Parallel()

	mock := newStreamingMockLLM("reply")
	svc, _ := newTestService(t, mock)

	history, err := svc.History(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

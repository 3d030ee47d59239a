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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"github.com/halcyonlabs/threadline/services/chatd/store"
	"github.com/halcyonlabs/threadline/services/llm"
)

var serviceTracer = otel.Tracer("threadline.conversation")

// ErrGenerationFailed indicates the model stream failed before completing.
// No thread state is persisted when this is returned; any fragments the
// client already saw are deliberately discarded.
var ErrGenerationFailed = errors.New("generation failed")

// QueryResult reports the outcome of a completed streamed query.
type QueryResult struct {
	ThreadID  string
	Reply     string
	Fragments int
	// Title is the thread title after this turn. Set from the question
	// when this was the first user message on the thread.
	Title string
}

// Service runs the conversation state machine for a single chatd process.
//
// # Description
//
// Service owns thread lifecycle (init, clear, title, history) and the
// streamed query path: load durable state, drive the model stream while
// forwarding fragments to the caller, then persist the completed turn as
// one atomic write. A per-thread gate serializes queries on the same
// thread while distinct threads proceed in parallel.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store        store.StateStore
	llm          llm.LLMClient
	params       llm.GenerationParams
	systemPrompt string
	now          func() time.Time

	gateMu sync.Mutex
	// gates holds one mutex per thread id. Entries are a few dozen bytes
	// and are never evicted; churn is bounded by the number of threads.
	gates map[string]*sync.Mutex

	newAccumulator func() (FragmentAccumulator, error)
}

// NewService wires a conversation service from its dependencies.
// Panics if store or client is nil: these are wiring bugs, not runtime
// conditions.
func NewService(st store.StateStore, client llm.LLMClient, systemPrompt string,
	params llm.GenerationParams) *Service {

	if st == nil {
		panic("conversation.NewService: nil store")
	}
	if client == nil {
		panic("conversation.NewService: nil llm client")
	}
	return &Service{
		store:          st,
		llm:            client,
		params:         params,
		systemPrompt:   systemPrompt,
		now:            time.Now,
		gates:          make(map[string]*sync.Mutex),
		newAccumulator: NewFragmentAccumulator,
	}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAccumulatorFactory overrides accumulator construction. Tests use a
// plain accumulator to avoid depending on mlock limits.
func (s *Service) WithAccumulatorFactory(f func() (FragmentAccumulator, error)) *Service {
	s.newAccumulator = f
	return s
}

// gate returns the admission mutex for a thread, creating it on first use.
func (s *Service) gate(threadID string) *sync.Mutex {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g, ok := s.gates[threadID]
	if !ok {
		g = &sync.Mutex{}
		s.gates[threadID] = g
	}
	return g
}

// Query runs one streamed conversational turn against a thread.
//
// # Description
//
// Acquires the thread gate, loads (or synthesizes) thread state, streams
// the model reply forwarding each fragment to onFragment, and on success
// persists the user question and assistant reply as a single atomic
// write. If onFragment returns an error (client disconnected mid-stream)
// forwarding stops but generation and persistence continue, so the
// completed turn is still durable.
//
// # Inputs
//
//   - ctx: request context; its cancellation stops fragment forwarding
//     but not generation or persistence
//   - threadID: target thread (created on first query)
//   - question: user question, already validated by the transport layer
//   - onFragment: receives each reply fragment in order; may be nil
//
// # Outputs
//
//   - *QueryResult: reply, fragment count, and post-turn title
//   - error: ErrGenerationFailed wrapping the cause when the stream
//     failed or produced nothing; store errors otherwise
//
// # Limitations
//
//   - At most one in-flight query per thread; later callers block.
func (s *Service) Query(ctx context.Context, threadID, question string,
	onFragment func(string) error) (*QueryResult, error) {

	ctx, span := serviceTracer.Start(ctx, "conversation.Query")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", threadID))

	g := s.gate(threadID)
	g.Lock()
	defer g.Unlock()

	admittedAt := s.now()

	state, err := s.store.Load(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}

	modelCtx := buildModelContext(state, question, admittedAt)

	acc, err := s.newAccumulator()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: accumulator: %v", ErrGenerationFailed, err)
	}
	defer acc.Destroy()

	fragments := 0
	forwarding := onFragment != nil

	// The model call must survive client disconnects: the turn is only
	// durable if generation runs to completion, so the transport context
	// is detached here and its cancellation only stops forwarding.
	genCtx := context.WithoutCancel(ctx)

	streamErr := s.llm.ChatStream(genCtx, modelCtx, s.params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventFragment:
			if err := acc.Write(ev.Content); err != nil {
				return err
			}
			fragments++
			if forwarding {
				if err := ctx.Err(); err != nil {
					forwarding = false
					slog.Info("Client context cancelled, continuing generation unforwarded",
						"thread_id", threadID)
				} else if err := onFragment(ev.Content); err != nil {
					forwarding = false
					slog.Info("Fragment forwarding stopped, continuing generation",
						"thread_id", threadID, "error", err)
				}
			}
			return nil
		case llm.StreamEventError:
			return ev.Err
		default:
			return fmt.Errorf("unknown stream event type %q", ev.Type)
		}
	})
	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "stream failed")
		slog.Error("Model stream failed, discarding turn",
			"thread_id", threadID, "fragments", fragments, "error", streamErr)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, streamErr)
	}
	if fragments == 0 {
		span.SetStatus(codes.Error, "empty reply")
		slog.Warn("Model stream produced no fragments, discarding turn", "thread_id", threadID)
		return nil, fmt.Errorf("%w: model produced no output", ErrGenerationFailed)
	}

	reply, replyHash, err := acc.Finalize()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	firstUserTurn := state.UserMessageCount() == 0

	completedAt := s.now()
	state.Messages = append(state.Messages,
		datatypes.NewMessage(datatypes.RoleUser, question, admittedAt),
		datatypes.NewMessage(datatypes.RoleAssistant, reply, completedAt),
	)
	if firstUserTurn {
		state.Meta.Title = datatypes.DeriveTitle(question)
	}
	state.Meta.UpdatedAt = completedAt.UnixMilli()

	if err := s.store.Save(genCtx, state); err != nil {
		// The client already received the reply; surfacing the store
		// error is the only honest option left.
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed after delivered stream")
		slog.Error("Failed to persist completed turn after delivering reply",
			"thread_id", threadID, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("reply.fragments", fragments))
	slog.Debug("Persisted completed turn",
		"thread_id", threadID,
		"fragments", fragments,
		"reply_hash", replyHash[:16],
	)

	return &QueryResult{
		ThreadID:  threadID,
		Reply:     reply,
		Fragments: fragments,
		Title:     state.Meta.Title,
	}, nil
}

// buildModelContext assembles the message sequence sent to the model:
// exactly one leading system message, all prior non-system messages in
// order, and the new user question last.
func buildModelContext(state *datatypes.ThreadState, question string, at time.Time) []datatypes.Message {
	msgs := make([]datatypes.Message, 0, len(state.Messages)+2)
	for _, m := range state.Messages {
		if m.Role == datatypes.RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	out := make([]datatypes.Message, 0, len(msgs)+2)
	if len(state.Messages) > 0 && state.Messages[0].Role == datatypes.RoleSystem {
		out = append(out, state.Messages[0])
	}
	out = append(out, msgs...)
	out = append(out, datatypes.NewMessage(datatypes.RoleUser, question, at))
	return out
}

// Init resets a thread to its initial system-only state. Creating and
// resetting are the same operation; Init on a live thread discards its
// messages.
func (s *Service) Init(ctx context.Context, threadID string) error {
	g := s.gate(threadID)
	g.Lock()
	defer g.Unlock()

	state := datatypes.NewThreadState(threadID, s.systemPrompt, s.now())
	return s.store.Save(ctx, state)
}

// Clear resets a thread's messages but preserves its creation timestamp
// when the thread already exists. UpdatedAt is refreshed either way.
func (s *Service) Clear(ctx context.Context, threadID string) error {
	g := s.gate(threadID)
	g.Lock()
	defer g.Unlock()

	now := s.now()
	fresh := datatypes.NewThreadState(threadID, s.systemPrompt, now)

	exists, err := s.store.Exists(ctx, threadID)
	if err != nil {
		return err
	}
	if exists {
		prior, err := s.store.Load(ctx, threadID)
		if err != nil {
			return err
		}
		fresh.Meta.CreatedAt = prior.Meta.CreatedAt
	}
	return s.store.Save(ctx, fresh)
}

// SetTitle replaces the title of an existing thread. Returns
// store.ErrThreadNotFound when the thread has never been persisted;
// titles on implicit (never-saved) threads would be lost on the next
// Load, so the operation requires existence.
func (s *Service) SetTitle(ctx context.Context, threadID, title string) error {
	g := s.gate(threadID)
	g.Lock()
	defer g.Unlock()

	exists, err := s.store.Exists(ctx, threadID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrThreadNotFound, threadID)
	}

	state, err := s.store.Load(ctx, threadID)
	if err != nil {
		return err
	}
	state.Meta.Title = title
	state.Meta.UpdatedAt = s.now().UnixMilli()
	return s.store.Save(ctx, state)
}

// History returns a thread's conversation with system messages filtered
// out. Unknown threads return an empty conversation, mirroring Load's
// synthesis of initial state.
func (s *Service) History(ctx context.Context, threadID string) ([]datatypes.ConversationMessage, error) {
	state, err := s.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return datatypes.ConversationView(state.Messages), nil
}

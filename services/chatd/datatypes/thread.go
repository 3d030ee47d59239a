// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chatd service.
//
// This file contains the durable thread model: roles, messages, thread
// state and the derived listing summaries. Request/response bodies for
// the HTTP surface live in requests.go.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a message. The set is closed; every place
// that filters on roles switches exhaustively over these three values.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// Messages
// =============================================================================

// Message is one entry in a conversation. Messages are immutable once
// constructed; a thread's history is strictly append-only.
//
// CreatedAt is Unix milliseconds, assigned at construction and never
// touched again.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// NewMessage constructs a message timestamped at the given instant.
func NewMessage(role Role, content string, at time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		CreatedAt: at.UnixMilli(),
	}
}

// =============================================================================
// Thread state
// =============================================================================

// DefaultTitle is the title of a thread before its first user question.
const DefaultTitle = "New Chat"

// TitleMaxLen is the truncation point for titles derived from the first
// user question.
const TitleMaxLen = 30

// ThreadMeta carries thread-level metadata alongside the message history.
type ThreadMeta struct {
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ThreadState is the durable aggregate for one conversation: the ordered
// message sequence plus metadata, persisted as a single value so readers
// never observe messages and metadata from different writes.
//
// # Invariants
//
//   - Messages[0] is the system message carrying the standing prompt.
//   - Insertion order is chronological order; the sequence never shrinks
//     except on an explicit reset, which replaces it with a fresh
//     system-only sequence.
//   - Meta.UpdatedAt >= Meta.CreatedAt.
type ThreadState struct {
	ThreadID string     `json:"thread_id"`
	Messages []Message  `json:"messages"`
	Meta     ThreadMeta `json:"metadata"`
}

// NewThreadState builds the initial state for a thread: exactly one
// system message and default metadata.
func NewThreadState(threadID, systemPrompt string, at time.Time) *ThreadState {
	now := at.UnixMilli()
	return &ThreadState{
		ThreadID: threadID,
		Messages: []Message{NewMessage(RoleSystem, systemPrompt, at)},
		Meta: ThreadMeta{
			Title:     DefaultTitle,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// UserMessageCount returns the number of user messages in the thread.
func (s *ThreadState) UserMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Validate checks structural invariants of a loaded state. It guards
// against hand-edited or corrupted database values, not programming
// errors.
func (s *ThreadState) Validate() error {
	if s.ThreadID == "" {
		return fmt.Errorf("thread state has empty thread_id")
	}
	if len(s.Messages) == 0 {
		return fmt.Errorf("thread %s has no messages", s.ThreadID)
	}
	for i, m := range s.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("thread %s message %d has unknown role %q", s.ThreadID, i, m.Role)
		}
	}
	if s.Meta.UpdatedAt < s.Meta.CreatedAt {
		return fmt.Errorf("thread %s updated_at precedes created_at", s.ThreadID)
	}
	return nil
}

// DeriveTitle produces a thread title from the first user question:
// the question itself up to TitleMaxLen characters, with "..." appended
// when it was longer.
func DeriveTitle(question string) string {
	runes := []rune(question)
	if len(runes) > TitleMaxLen {
		return string(runes[:TitleMaxLen]) + "..."
	}
	return question
}

// =============================================================================
// Listing summaries
// =============================================================================

// PreviewMessageCount is how many trailing user messages a thread summary
// carries as preview.
const PreviewMessageCount = 3

// ThreadSummary is the client-facing projection of one thread used by the
// listing endpoint. System messages are excluded from MessageCount and
// PreviewMessages.
type ThreadSummary struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Timestamp       int64    `json:"timestamp"`
	MessageCount    int      `json:"message_count"`
	PreviewMessages []string `json:"preview_messages"`
}

// Summarize projects a full thread state into its listing summary.
func Summarize(s *ThreadState) ThreadSummary {
	count := 0
	var userContents []string
	for _, m := range s.Messages {
		switch m.Role {
		case RoleSystem:
			// excluded from count and preview
		case RoleUser:
			count++
			userContents = append(userContents, m.Content)
		case RoleAssistant:
			count++
		}
	}

	preview := userContents
	if len(preview) > PreviewMessageCount {
		preview = preview[len(preview)-PreviewMessageCount:]
	}

	return ThreadSummary{
		ID:              s.ThreadID,
		Title:           s.Meta.Title,
		Timestamp:       s.Meta.CreatedAt,
		MessageCount:    count,
		PreviewMessages: preview,
	}
}

// =============================================================================
// Serialized conversation view
// =============================================================================

// ConversationMessage is the wire form of one message on the conversation
// read endpoints.
type ConversationMessage struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationView serializes a thread's history with system messages
// filtered out.
func ConversationView(messages []Message) []ConversationMessage {
	out := make([]ConversationMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleUser, RoleAssistant:
			out = append(out, ConversationMessage{
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.CreatedAt,
			})
		}
	}
	return out
}

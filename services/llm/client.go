package llm

import (
	"context"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

// GenerationParams carries optional sampling parameters. Nil fields fall
// back to backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	// StreamEventFragment carries one incremental piece of generated text.
	StreamEventFragment StreamEventType = "fragment"

	// StreamEventError carries a backend failure surfaced mid-stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event emitted during ChatStream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

// StreamCallback receives fragments in emission order. Returning a
// non-nil error aborts the stream read; the backend stops delivering
// events and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient is the contract every model backend implements.
//
// The concatenation of all fragments delivered by ChatStream is the final
// assistant reply; the sequence is finite and not restartable. A fresh
// call re-invokes the model from scratch.
type LLMClient interface {
	// Chat produces the full reply for an ordered role-tagged message list.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream produces the reply incrementally, invoking callback for
	// each fragment as the model emits it. On a mid-stream backend
	// failure the fragments already delivered stand and ChatStream
	// returns the failure.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

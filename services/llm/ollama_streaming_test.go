// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

// newMockOllamaServer creates a test server that returns streaming NDJSON
// from /api/chat. The caller must Close() it.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

func userMessages(content string) []datatypes.Message {
	return []datatypes.Message{
		{Role: datatypes.RoleUser, Content: content},
	}
}

// TestChatStream_BasicSuccess verifies end-to-end streaming with a mock
// server returning multiple content chunks followed by a done chunk.
func TestChatStream_BasicSuccess(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"!"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	var response strings.Builder
	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error {
			if event.Type == StreamEventFragment {
				response.WriteString(event.Content)
			}
			return nil
		})

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if response.String() != "Hello there!" {
		t.Errorf("Expected 'Hello there!', got '%s'", response.String())
	}
}

// TestChatStream_ServerError verifies that non-200 HTTP responses fail
// the stream.
func TestChatStream_ServerError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"internal server error"}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error { return nil })

	if err == nil {
		t.Fatal("ChatStream should return error for server error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Error should contain status code, got: %v", err)
	}
}

// TestChatStream_StreamError verifies that an error payload mid-stream
// is surfaced to the callback as an error event and fails the call
// after earlier fragments were delivered.
func TestChatStream_StreamError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Starting..."},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	var fragments []string
	var errEvent error
	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error {
			switch event.Type {
			case StreamEventFragment:
				fragments = append(fragments, event.Content)
			case StreamEventError:
				errEvent = event.Err
			}
			return nil
		})

	if err == nil {
		t.Fatal("ChatStream should return error when stream contains error")
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("Error should contain 'model crashed', got: %v", err)
	}
	if errEvent == nil {
		t.Fatal("Callback should receive an error event")
	}
	if !strings.Contains(errEvent.Error(), "model crashed") {
		t.Errorf("Error event should contain 'model crashed', got: %v", errEvent)
	}
	if len(fragments) != 1 || fragments[0] != "Starting..." {
		t.Errorf("Expected one fragment before failure, got %v", fragments)
	}
}

// TestChatStream_ContextCancellation verifies that streaming stops when
// the context deadline passes.
func TestChatStream_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(500 * time.Millisecond)
		fmt.Fprintln(w, `{"message":{"content":"Second"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.ChatStream(ctx, userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error { return nil })

	if err == nil {
		t.Fatal("ChatStream should return error on context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}
}

// TestChatStream_CallbackAbort verifies that a callback error stops the
// read and is returned unchanged.
func TestChatStream_CallbackAbort(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"Second"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"Third"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	fragmentCount := 0
	abortErr := errors.New("client gone")

	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error {
			fragmentCount++
			if fragmentCount >= 2 {
				return abortErr
			}
			return nil
		})

	if !errors.Is(err, abortErr) {
		t.Fatalf("Expected callback error returned unchanged, got: %v", err)
	}
	if fragmentCount != 2 {
		t.Errorf("Expected 2 fragments before abort, got %d", fragmentCount)
	}
}

// TestChatStream_EmptyLines verifies that blank NDJSON lines are skipped.
func TestChatStream_EmptyLines(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Hello"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"message":{"content":" World"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	var response strings.Builder
	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error {
			response.WriteString(event.Content)
			return nil
		})

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if response.String() != "Hello World" {
		t.Errorf("Expected 'Hello World', got '%s'", response.String())
	}
}

// TestChatStream_TruncatedStream verifies that a stream ending without a
// done marker is reported as an error.
func TestChatStream_TruncatedStream(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error { return nil })

	if err == nil {
		t.Fatal("ChatStream should return error for truncated stream")
	}
	if !strings.Contains(err.Error(), "without completion") {
		t.Errorf("Error should report truncation, got: %v", err)
	}
}

// TestChatStream_MalformedJSON verifies that a malformed stream line
// fails the call rather than silently dropping content.
func TestChatStream_MalformedJSON(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		fmt.Fprintln(w, `{not valid json}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	err := client.ChatStream(context.Background(), userMessages("Hi"),
		GenerationParams{}, func(event StreamEvent) error { return nil })

	if err == nil {
		t.Fatal("ChatStream should return error for malformed stream line")
	}
}

// TestChat_NonStreaming verifies the blocking Chat call.
func TestChat_NonStreaming(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"The answer is 42"},"done":true}`)
	})
	defer server.Close()

	client := NewOllamaClientWithBase(server.URL, "test-model")

	answer, err := client.Chat(context.Background(), userMessages("Meaning of life?"), GenerationParams{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if answer != "The answer is 42" {
		t.Errorf("Expected 'The answer is 42', got '%s'", answer)
	}
}

// TestBuildOptions_Defaults verifies the default sampling options.
func TestBuildOptions_Defaults(t *testing.T) {
	t.Parallel()

	options := buildOptions(GenerationParams{})
	if options["temperature"] != float32(0.2) {
		t.Errorf("Expected default temperature 0.2, got %v", options["temperature"])
	}
	if options["num_predict"] != 8192 {
		t.Errorf("Expected default num_predict 8192, got %v", options["num_predict"])
	}
	if _, ok := options["stop"]; ok {
		t.Error("Stop should be omitted when empty")
	}
}

// TestBuildOptions_Overrides verifies caller-provided sampling params win.
func TestBuildOptions_Overrides(t *testing.T) {
	t.Parallel()

	temp := float32(0.9)
	maxTokens := 128
	options := buildOptions(GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"END"},
	})
	if options["temperature"] != float32(0.9) {
		t.Errorf("Expected temperature 0.9, got %v", options["temperature"])
	}
	if options["num_predict"] != 128 {
		t.Errorf("Expected num_predict 128, got %v", options["num_predict"])
	}
	stops, ok := options["stop"].([]string)
	if !ok || len(stops) != 1 || stops[0] != "END" {
		t.Errorf("Expected stop [END], got %v", options["stop"])
	}
}

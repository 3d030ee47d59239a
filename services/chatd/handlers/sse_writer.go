// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP request handlers for the chatd service.
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for streaming reply fragments to an HTTP
// response as Server-Sent Events.
//
// # Description
//
// The wire format is deliberately minimal: each fragment becomes one SSE
// message carrying the raw fragment text, with no JSON envelope and no
// terminal sentinel. Stream completion is signalled by closing the
// response. Fragments containing newlines are split across multiple
// `data:` lines of the same message, per the SSE framing rules, so the
// client reassembles the exact text.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Caller has set the SSE headers via SetSSEHeaders before writing
type SSEWriter interface {
	// WriteFragment writes one fragment as an SSE message and flushes.
	WriteFragment(fragment string) error
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: ready to write fragments.
//   - error: non-nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteFragment writes a single fragment in SSE format and flushes
// immediately, so the client sees tokens as they are generated.
func (w *sseWriter) WriteFragment(fragment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	for _, line := range strings.Split(fragment, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if _, err := fmt.Fprint(w.writer, b.String()); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures HTTP response headers for SSE streaming.
// Must be called before any response body is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)

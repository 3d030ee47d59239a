// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halcyonlabs/threadline/services/chatd/conversation"
	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"github.com/halcyonlabs/threadline/services/chatd/observability"
)

var handlerTracer = otel.Tracer("threadline.handlers")

// Handler bundles the HTTP handlers for the chatd service.
//
// # Description
//
// All handlers share one conversation service and one thread index.
// Construction panics on nil dependencies: wiring happens once in main
// and a nil there is a programming error.
type Handler struct {
	svc   *conversation.Service
	index *conversation.ThreadIndex
}

// NewHandler builds the handler set.
func NewHandler(svc *conversation.Service, index *conversation.ThreadIndex) *Handler {
	if svc == nil {
		panic("handlers.NewHandler: nil conversation service")
	}
	if index == nil {
		panic("handlers.NewHandler: nil thread index")
	}
	return &Handler{svc: svc, index: index}
}

// HandleQueryStream processes POST /query_stream.
//
// # Description
//
// Validates the request, switches the response to SSE, and streams the
// model reply fragment by fragment. Each fragment is sent as a bare
// `data:` message; there is no terminal sentinel, the stream simply
// closes when generation ends. The completed turn is persisted by the
// conversation service before the handler returns.
//
// If generation fails before any fragment has been written the client
// receives a JSON error with an appropriate status code. After the first
// fragment the status line is committed, so mid-stream failures can only
// close the stream early; the turn is not persisted in that case.
//
// # Inputs (HTTP)
//
//   - Body: {"question": "...", "thread_id": "..."} (both required,
//     question capped at 32 KB)
//
// # Outputs (HTTP)
//
//   - 200: SSE stream of reply fragments
//   - 400: validation failure
//   - 502: generation failed before any output
//   - 503: thread state could not be loaded or saved
func (h *Handler) HandleQueryStream(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "HandleQueryStream")
	defer span.End()

	endpoint := observability.EndpointQueryStream
	start := time.Now()

	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetStatus(codes.Error, "malformed request")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("thread.id", req.ThreadID))

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming not supported by response writer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	// SSE headers are committed with the first fragment; failures before
	// any output can still produce a clean JSON error response.
	var firstFragment atomic.Bool
	onFragment := func(fragment string) error {
		if firstFragment.CompareAndSwap(false, true) {
			SetSSEHeaders(c.Writer)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstFragment(endpoint, time.Since(start).Seconds())
			}
		}
		return writer.WriteFragment(fragment)
	}

	result, err := h.svc.Query(ctx, req.ThreadID, req.Question, onFragment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		h.reportStreamFailure(c, err, firstFragment.Load())
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, false)
			m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
		}
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
		m.RecordFragments(endpoint, result.Fragments)
		m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
		if c.Request.Context().Err() != nil {
			m.RecordClientDisconnect(endpoint)
		}
	}
	span.SetAttributes(attribute.Int("reply.fragments", result.Fragments))
}

// reportStreamFailure sends an error response when possible. Once the
// first fragment has been flushed the status line is committed and the
// only option left is closing the stream.
func (h *Handler) reportStreamFailure(c *gin.Context, err error, streamOpened bool) {
	endpoint := observability.EndpointQueryStream
	if m := observability.DefaultMetrics; m != nil {
		switch {
		case errors.Is(err, conversation.ErrGenerationFailed):
			m.RecordError(endpoint, observability.ErrorCodeGeneration)
		default:
			m.RecordError(endpoint, observability.ErrorCodeStore)
		}
	}

	if streamOpened {
		slog.Error("Stream failed after output started, closing", "error", err)
		return
	}

	if errors.Is(err, conversation.ErrGenerationFailed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation failed"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
}

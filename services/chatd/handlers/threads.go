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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"github.com/halcyonlabs/threadline/services/chatd/observability"
	"github.com/halcyonlabs/threadline/services/chatd/store"
)

// HandleInitThread processes POST /init_thread.
//
// # Description
//
// Creates a thread in its initial system-only state, or resets an
// existing one. When the body omits thread_id the server generates a
// UUID and returns it; clients keep it for subsequent queries.
//
// # Outputs (HTTP)
//
//   - 200: {"status": "initialized", "thread_id": "..."}
//   - 400: malformed body
//   - 503: store unavailable
func (h *Handler) HandleInitThread(c *gin.Context) {
	var req datatypes.ThreadRequest
	// Empty body is allowed: everything is optional on init.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.recordThreadOp("init", false)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	if err := h.svc.Init(c.Request.Context(), threadID); err != nil {
		slog.Error("Failed to initialize thread", "thread_id", threadID, "error", err)
		h.recordThreadOp("init", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("init", true)
	c.JSON(http.StatusOK, datatypes.StatusResponse{
		Status:   "initialized",
		ThreadID: threadID,
	})
}

// HandleClearThread processes POST /threads/:id/clear.
//
// Resets the thread's messages while preserving its creation timestamp.
// Clearing an unknown thread creates it, matching init semantics.
func (h *Handler) HandleClearThread(c *gin.Context) {
	threadID := c.Param("id")
	if threadID == "" {
		h.recordThreadOp("clear", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread id is required"})
		return
	}

	if err := h.svc.Clear(c.Request.Context(), threadID); err != nil {
		slog.Error("Failed to clear thread", "thread_id", threadID, "error", err)
		h.recordThreadOp("clear", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("clear", true)
	c.JSON(http.StatusOK, datatypes.StatusResponse{Status: "cleared"})
}

// HandleSetTitle processes PUT /thread_title.
//
// # Outputs (HTTP)
//
//   - 200: {"status": "updated"}
//   - 400: validation failure
//   - 404: thread has never been persisted
//   - 503: store unavailable
func (h *Handler) HandleSetTitle(c *gin.Context) {
	var req datatypes.ThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordThreadOp("set_title", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ThreadID == "" || req.Title == "" {
		h.recordThreadOp("set_title", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id and title are required"})
		return
	}
	if err := req.Validate(); err != nil {
		h.recordThreadOp("set_title", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.SetTitle(c.Request.Context(), req.ThreadID, req.Title)
	switch {
	case errors.Is(err, store.ErrThreadNotFound):
		h.recordThreadOp("set_title", false)
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	case err != nil:
		slog.Error("Failed to set thread title", "thread_id", req.ThreadID, "error", err)
		h.recordThreadOp("set_title", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("set_title", true)
	c.JSON(http.StatusOK, datatypes.StatusResponse{Status: "updated"})
}

// HandleListThreads processes GET /threads.
//
// Returns one summary per persisted thread, newest first. Threads that
// have only been queried implicitly (never initialized) appear once
// their first turn is persisted.
func (h *Handler) HandleListThreads(c *gin.Context) {
	summaries, err := h.index.Summaries(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list threads", "error", err)
		h.recordThreadOp("list", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("list", true)
	c.JSON(http.StatusOK, datatypes.ThreadListResponse{Threads: summaries})
}

// HandleGetConversation processes GET /conversation/:id.
//
// Returns the thread's conversation with system messages filtered out.
// Unknown threads return an empty conversation rather than 404: a
// client resuming a thread it has not written to yet sees the same
// shape either way.
func (h *Handler) HandleGetConversation(c *gin.Context) {
	threadID := c.Param("id")
	if threadID == "" {
		h.recordThreadOp("history", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread id is required"})
		return
	}

	messages, err := h.svc.History(c.Request.Context(), threadID)
	if err != nil {
		slog.Error("Failed to load conversation", "thread_id", threadID, "error", err)
		h.recordThreadOp("history", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("history", true)
	c.JSON(http.StatusOK, datatypes.ConversationResponse{Messages: messages})
}

// HandleGetFullThread processes GET /threads/:id/full.
//
// Same filtered payload as GET /conversation/:id; the route is kept for
// clients that address conversations under /threads.
func (h *Handler) HandleGetFullThread(c *gin.Context) {
	threadID := c.Param("id")
	if threadID == "" {
		h.recordThreadOp("full", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread id is required"})
		return
	}

	messages, err := h.svc.History(c.Request.Context(), threadID)
	if err != nil {
		slog.Error("Failed to load full thread history", "thread_id", threadID, "error", err)
		h.recordThreadOp("full", false)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "thread storage unavailable"})
		return
	}

	h.recordThreadOp("full", true)
	c.JSON(http.StatusOK, datatypes.ConversationResponse{Messages: messages})
}

func (h *Handler) recordThreadOp(op string, success bool) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordThreadOp(op, success)
	}
}

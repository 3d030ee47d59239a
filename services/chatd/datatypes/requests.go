// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Request and response bodies for the chatd HTTP surface, with
// go-playground/validator rules attached.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of one question body.
	MaxQuestionBytes = 32 * 1024 // 32KB

	// MaxTitleBytes bounds caller-supplied thread titles.
	MaxTitleBytes = 256
)

// chatValidate is the shared validator instance for request bodies.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxquestionbytes", maxBytesRule(MaxQuestionBytes))
	_ = chatValidate.RegisterValidation("maxtitlebytes", maxBytesRule(MaxTitleBytes))
}

// maxBytesRule builds a validation enforcing a byte-length cap. Byte
// length, not rune count: the limits bound memory, not display width.
func maxBytesRule(limit int) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= limit
	}
}

// =============================================================================
// Request bodies
// =============================================================================

// QueryRequest is the body of POST /query_stream.
type QueryRequest struct {
	Question string `json:"question" validate:"required,maxquestionbytes"`
	ThreadID string `json:"thread_id" validate:"required"`
}

// Validate checks the request against its validation rules.
func (r *QueryRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ThreadRequest is the body of POST /init_thread and PUT /thread_title.
// ThreadID may be empty on init, in which case the server generates one.
type ThreadRequest struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title,omitempty" validate:"omitempty,maxtitlebytes"`
}

// Validate checks the request against its validation rules.
func (r *ThreadRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Response bodies
// =============================================================================

// StatusResponse is the generic mutation acknowledgement.
type StatusResponse struct {
	Status   string `json:"status"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ThreadListResponse is the body of GET /threads.
type ThreadListResponse struct {
	Threads []ThreadSummary `json:"threads"`
}

// ConversationResponse is the body of GET /conversation/:id and
// GET /threads/:id/full.
type ConversationResponse struct {
	Messages []ConversationMessage `json:"messages"`
}

// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     QueryRequest
		wantErr bool
	}{
		{
			name: "valid request",
			req:  QueryRequest{Question: "hello", ThreadID: "t1"},
		},
		{
			name:    "missing question",
			req:     QueryRequest{ThreadID: "t1"},
			wantErr: true,
		},
		{
			name:    "missing thread id",
			req:     QueryRequest{Question: "hello"},
			wantErr: true,
		},
		{
			name: "question at the byte limit",
			req:  QueryRequest{Question: strings.Repeat("a", MaxQuestionBytes), ThreadID: "t1"},
		},
		{
			name:    "question over the byte limit",
			req:     QueryRequest{Question: strings.Repeat("a", MaxQuestionBytes+1), ThreadID: "t1"},
			wantErr: true,
		},
		{
			// 3-byte runes: under the limit counted as runes, over it
			// counted as bytes.
			name:    "multibyte question measured in bytes",
			req:     QueryRequest{Question: strings.Repeat("日", MaxQuestionBytes/3+1), ThreadID: "t1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestThreadRequestTitleByteLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		wantErr bool
	}{
		{
			name: "empty title allowed",
		},
		{
			name:  "title at the byte limit",
			title: strings.Repeat("a", MaxTitleBytes),
		},
		{
			name:    "title over the byte limit",
			title:   strings.Repeat("a", MaxTitleBytes+1),
			wantErr: true,
		},
		{
			// 200 two-byte runes is 400 bytes: inside a rune count of
			// 256, outside the byte limit.
			name:    "multibyte title measured in bytes",
			title:   strings.Repeat("é", 200),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ThreadRequest{ThreadID: "t1", Title: tt.title}
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

// chatClient wraps the chatd HTTP API.
type chatClient struct {
	baseURL    string
	httpClient *http.Client
}

func newChatClient(baseURL string) *chatClient {
	return &chatClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: streams run as long as generation does.
		httpClient: &http.Client{},
	}
}

func (c *chatClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *chatClient) putJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *chatClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *chatClient) do(req *http.Request, out interface{}) error {
	// Non-streaming calls should not hang forever.
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// initThread creates or resets a thread and returns its id.
func (c *chatClient) initThread(ctx context.Context, id string) (string, error) {
	var resp datatypes.StatusResponse
	body := map[string]string{}
	if id != "" {
		body["thread_id"] = id
	}
	if err := c.postJSON(ctx, "/init_thread", body, &resp); err != nil {
		return "", err
	}
	return resp.ThreadID, nil
}

// streamQuery sends a question and invokes onFragment for each SSE
// fragment as it arrives. The reassembled reply is returned when the
// stream closes.
func (c *chatClient) streamQuery(ctx context.Context, threadID, question string,
	onFragment func(string)) (string, error) {

	payload, err := json.Marshal(datatypes.QueryRequest{
		Question: question,
		ThreadID: threadID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/query_stream", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode,
			strings.TrimSpace(string(respBody)))
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// SSE message parsing: consecutive `data:` lines belong to one
	// message joined by newlines; a blank line terminates the message.
	var dataLines []string
	flush := func() {
		if dataLines == nil {
			return
		}
		fragment := strings.Join(dataLines, "\n")
		reply.WriteString(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
		dataLines = nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// Comment; ignored.
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return reply.String(), fmt.Errorf("stream read failed: %w", err)
	}
	return reply.String(), nil
}

func (c *chatClient) listThreads(ctx context.Context) ([]datatypes.ThreadSummary, error) {
	var resp datatypes.ThreadListResponse
	if err := c.getJSON(ctx, "/threads", &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func (c *chatClient) conversation(ctx context.Context, threadID string) ([]datatypes.ConversationMessage, error) {
	var resp datatypes.ConversationResponse
	if err := c.getJSON(ctx, "/conversation/"+threadID, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *chatClient) clearThread(ctx context.Context, threadID string) error {
	return c.postJSON(ctx, "/threads/"+threadID+"/clear", map[string]string{}, nil)
}

func (c *chatClient) setTitle(ctx context.Context, threadID, title string) error {
	return c.putJSON(ctx, "/thread_title", datatypes.ThreadRequest{
		ThreadID: threadID,
		Title:    title,
	}, nil)
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel   = "claude-3-5-sonnet-20240620"
	anthropicMaxTokens      = 4096
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicRequest struct {
	Model     string                 `json:"model"`
	Messages  []anthropicMessage     `json:"messages"`
	System    []anthropicSystemBlock `json:"system,omitempty"`
	MaxTokens int                    `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

// anthropicStreamEvent is the union of the SSE event payloads we care
// about: text deltas, stream-level errors, and the terminal message_stop.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicClient talks to the Anthropic Messages API over REST.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient reads ANTHROPIC_API_KEY (falling back to the
// container secret at /run/secrets/anthropic_api_key) and CLAUDE_MODEL.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/anthropic_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from container secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}

	model := os.Getenv("CLAUDE_MODEL")
	if model == "" {
		model = anthropicDefaultModel
		slog.Info("CLAUDE_MODEL not set, defaulting", "model", model)
	}

	return &AnthropicClient{
		// No client timeout: streams are bounded by the request context.
		httpClient: &http.Client{},
		baseURL:    anthropicDefaultBaseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// NewAnthropicClientWithBase builds a client against a specific endpoint.
func NewAnthropicClientWithBase(baseURL, apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

func (a *AnthropicClient) buildRequest(messages []datatypes.Message,
	params GenerationParams, stream bool) anthropicRequest {
	var apiMessages []anthropicMessage
	var system []anthropicSystemBlock
	for _, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			system = append(system, anthropicSystemBlock{Type: "text", Text: msg.Content})
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := anthropicRequest{
		Model:       a.model,
		Messages:    apiMessages,
		System:      system,
		MaxTokens:   anthropicMaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
		Stream:      stream,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	return req
}

func (a *AnthropicClient) newHTTPRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	return req, nil
}

// Chat requests a complete reply in one round trip.
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {
	req, err := a.newHTTPRequest(ctx, a.buildRequest(messages, params, false))
	if err != nil {
		return "", err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to parse anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if apiResp.Error != nil {
			return "", fmt.Errorf("anthropic API error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
		}
		return "", fmt.Errorf("anthropic API returned status %d", resp.StatusCode)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return text.String(), nil
}

// ChatStream streams the reply via the Messages API SSE protocol,
// invoking callback once per text delta. A callback error aborts the
// stream and is returned unchanged.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	req, err := a.newHTTPRequest(ctx, a.buildRequest(messages, params, true))
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiResp anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err == nil && apiResp.Error != nil {
			return fmt.Errorf("anthropic API error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
		}
		return fmt.Errorf("anthropic API returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fragments := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// event: lines, comments and blank keep-alives carry no payload.
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed anthropic stream event: %w", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			fragments++
			if err := callback(StreamEvent{
				Type:    StreamEventFragment,
				Content: event.Delta.Text,
			}); err != nil {
				return err
			}
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)
			}
			return fmt.Errorf("anthropic stream error")
		case "message_stop":
			slog.Debug("Anthropic stream complete",
				"fragments", fragments,
				"duration", time.Since(start),
			)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic stream read failed: %w", err)
	}
	return fmt.Errorf("anthropic stream ended without completion after %d fragments", fragments)
}

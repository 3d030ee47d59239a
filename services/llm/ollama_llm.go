package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/halcyonlabs/threadline/services/chatd/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("threadline.llm.ollama")

// OllamaClient talks to a local Ollama server over its HTTP API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// chatMessage is the wire form Ollama expects; thread timestamps are not
// part of the model contract.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   chatMessage `json:"message"`
	CreatedAt string      `json:"created_at"`
	Done      bool        `json:"done"`
	Error     string      `json:"error,omitempty"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.2")
		model = "llama3.2"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// NewOllamaClientWithBase builds a client against an explicit base URL.
// Used by tests with an httptest server.
func NewOllamaClientWithBase(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

func buildOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func toWireMessages(messages []datatypes.Message) []chatMessage {
	wire := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return wire
}

// Chat implements the LLMClient interface with a single blocking call.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: toWireMessages(messages),
		Stream:   false,
		Options:  buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && bytes.Contains(respBody, []byte("not found")) {
			slog.Warn("Ollama model not found", "model", o.model)
			return "", fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return "", fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var ollamaResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse Ollama chat response: %w", err)
	}
	if ollamaResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return ollamaResp.Message.Content, nil
}

// ChatStream implements streaming chat over Ollama's NDJSON protocol:
// one JSON object per line, terminated by an object with done=true.
//
// Fragments are delivered through callback in emission order. A non-nil
// callback error aborts the read and is returned unchanged, so the
// caller can distinguish its own abort from a backend failure. Error
// chunks from the server are surfaced to the callback as an error event
// before ChatStream returns the failure.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: toWireMessages(messages),
		Stream:   true,
		Options:  buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal streaming chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create streaming chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("Ollama streaming API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("Ollama streaming chat returned an error",
			"status_code", resp.StatusCode, "response", string(respBody))
		return fmt.Errorf("ollama streaming chat failed with status %d: %s",
			resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Single fragments can exceed the default 64KB token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fragments := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "context cancelled")
			return fmt.Errorf("ollama stream cancelled after %d fragments: %w", fragments, err)
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "malformed stream line")
			return fmt.Errorf("failed to parse Ollama stream line: %w", err)
		}
		if chunk.Error != "" {
			streamErr := fmt.Errorf("ollama stream error: %s", chunk.Error)
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, streamErr.Error())
			if err := callback(StreamEvent{Type: StreamEventError, Err: streamErr}); err != nil {
				return err
			}
			return streamErr
		}

		if chunk.Message.Content != "" {
			fragments++
			if err := callback(StreamEvent{Type: StreamEventFragment, Content: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			span.SetAttributes(attribute.Int("llm.fragments", fragments))
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama stream read failed after %d fragments: %w", fragments, err)
	}

	// Stream ended without a done marker; treat as truncated.
	span.SetStatus(codes.Error, "stream ended without done marker")
	return fmt.Errorf("ollama stream ended without completion after %d fragments", fragments)
}

var _ LLMClient = (*OllamaClient)(nil)

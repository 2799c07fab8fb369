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
	"strings"
	"time"
)

// Models maps tiers to backend model names.
type Models struct {
	Tier1   string
	Tier2   string
	Tier3   string
	Extract string
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI itself, vLLM, Ollama's compat layer).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	models     Models
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client against baseURL (e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1"). apiKey may
// be empty for local backends.
func NewOpenAIClient(baseURL, apiKey string, models Models, logger *slog.Logger) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		models:  models,
		httpClient: &http.Client{
			// No overall timeout: streaming replies can legitimately run
			// long. Callers bound the request through ctx.
			Timeout: 0,
		},
		logger: logger,
	}
}

func (c *OpenAIClient) model(tier Tier) string {
	switch tier {
	case Tier1:
		return c.models.Tier1
	case Tier3:
		return c.models.Tier3
	default:
		return c.models.Tier2
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamChat sends messages and streams the reply token by token.
func (c *OpenAIClient) StreamChat(ctx context.Context, tier Tier, msgs []Message, onDelta func(string) error) (string, error) {
	resp, err := c.post(ctx, chatRequest{
		Model:    c.model(tier),
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("llm: skipping unparseable stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("llm: stream error: %s: %s", chunk.Error.Type, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), fmt.Errorf("llm: stream consumer: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("llm: read stream: %w", err)
	}
	return full.String(), nil
}

// CompleteJSON sends messages to the extraction model in JSON mode and
// unmarshals the reply into out.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, msgs []Message, out any) error {
	temp := 0.0
	resp, err := c.post(ctx, chatRequest{
		Model:          c.models.Extract,
		Messages:       msgs,
		Stream:         false,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    &temp,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("llm: api error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return fmt.Errorf("%w: no choices", ErrMalformedOutput)
	}

	content := parsed.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	c.logger.Debug("llm: request accepted", "model", body.Model, "stream", body.Stream,
		"elapsed", time.Since(start))
	return resp, nil
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// StaticClient returns canned responses. Used in tests and when no model
// backend is configured, so the server still starts and streams a reply.
type StaticClient struct {
	// Reply is streamed word by word from StreamChat.
	Reply string
	// JSON is returned verbatim from CompleteJSON; empty means an empty object.
	JSON string
}

// NewStaticClient creates a client that always answers with reply.
func NewStaticClient(reply string) *StaticClient {
	return &StaticClient{Reply: reply}
}

// StreamChat emits the canned reply in small fragments.
func (c *StaticClient) StreamChat(_ context.Context, _ Tier, _ []Message, onDelta func(string) error) (string, error) {
	rest := c.Reply
	for len(rest) > 0 {
		n := 16
		if n > len(rest) {
			n = len(rest)
		}
		if err := onDelta(rest[:n]); err != nil {
			return "", fmt.Errorf("llm: stream consumer: %w", err)
		}
		rest = rest[n:]
	}
	return c.Reply, nil
}

// CompleteJSON unmarshals the canned JSON into out.
func (c *StaticClient) CompleteJSON(_ context.Context, _ []Message, out any) error {
	raw := c.JSON
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

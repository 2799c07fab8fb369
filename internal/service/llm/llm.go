// Package llm provides the tiered chat model client used for conversation
// replies and the structured extraction behind the slow path.
//
// All tiers share one OpenAI-compatible backend; the tier picks the model.
// Tier selection happens in the conversation layer via closed routing rules,
// never by matching on prompt text.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of chat context sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tier is a discrete reply-model capability level: 1 strongest, 3 lightest.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Client is the chat model interface.
type Client interface {
	// StreamChat sends messages to the tier's model and streams the reply.
	// onDelta is called for each text fragment as it arrives; returning an
	// error from onDelta aborts the stream. The full reply text is returned
	// on success.
	StreamChat(ctx context.Context, tier Tier, msgs []Message, onDelta func(delta string) error) (string, error)

	// CompleteJSON sends messages to the extraction model in JSON mode and
	// unmarshals the reply into out. Malformed model output yields an error
	// classified NeedsReview.
	CompleteJSON(ctx context.Context, msgs []Message, out any) error
}

// Classification buckets an LLM failure for the outbox worker: retry,
// give up, or park for a human.
type Classification int

const (
	// Retryable failures (timeouts, 429, 5xx, network) go back to the queue
	// with backoff.
	Retryable Classification = iota
	// Permanent failures (4xx other than 429) will not succeed on retry.
	Permanent
	// NeedsReview failures are structurally valid calls whose output could
	// not be used (malformed JSON, schema violations).
	NeedsReview
)

// ErrMalformedOutput marks model output that parsed as a response but not as
// the requested structure.
var ErrMalformedOutput = errors.New("llm: malformed model output")

// StatusError is a non-2xx HTTP response from the model backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.StatusCode, e.Body)
}

// Classify buckets err for the outbox worker's failure handling.
func Classify(err error) Classification {
	if errors.Is(err, ErrMalformedOutput) {
		return NeedsReview
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return Retryable
		case se.StatusCode >= 500:
			return Retryable
		case se.StatusCode >= 400:
			return Permanent
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	// Network-level failures (connection refused, resets) are transient.
	return Retryable
}

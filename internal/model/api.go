package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxMessageLen caps an incoming conversation turn. Oversized messages are
// rejected at the edge before they reach the embedding pipeline or Postgres.
const MaxMessageLen = 8 * 1024

// ValidateMessage checks the message body of a conversation turn.
func ValidateMessage(msg string) error {
	if msg == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// FrameType enumerates the SSE frame kinds emitted by a conversation turn.
// Ordering within a stream: start (text)* (memory_pending | clarification)? done,
// or a terminal error frame in place of done.
type FrameType string

const (
	FrameStart         FrameType = "start"
	FrameText          FrameType = "text"
	FrameMemoryPending FrameType = "memory_pending"
	FrameClarification FrameType = "clarification"
	FrameDone          FrameType = "done"
	FrameError         FrameType = "error"
)

// StreamFrame is one JSON object on the conversation SSE stream.
type StreamFrame struct {
	Type      FrameType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	MemoryID  string         `json:"memory_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageRequest is the request body for POST /sse/message.
type MessageRequest struct {
	Message        string `json:"message"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// MemoryStatusResponse is the body of GET /memories/{id}.
type MemoryStatusResponse struct {
	ID          uuid.UUID    `json:"id"`
	Content     string       `json:"content"`
	Status      MemoryStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CommittedAt *time.Time   `json:"committed_at,omitempty"`
}

// DeleteMemoriesRequest is the request body for DELETE /memories.
type DeleteMemoriesRequest struct {
	MemoryIDs []uuid.UUID `json:"memory_ids,omitempty"`
	DeleteAll bool        `json:"delete_all,omitempty"`
}

// DeleteMemoriesResponse acknowledges a deletion request.
type DeleteMemoriesResponse struct {
	Accepted        bool      `json:"accepted"`
	DeletionAuditID uuid.UUID `json:"deletion_audit_id"`
}

// TokenRequest is the request body for POST /auth/token.
type TokenRequest struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
}

// TokenResponse carries the issued bearer token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	UserID      uuid.UUID `json:"user_id"`
}

// AffinityResponse is the body of GET /affinity/.
type AffinityResponse struct {
	UserID    uuid.UUID     `json:"user_id"`
	Score     float64       `json:"score"`
	State     AffinityState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// GraphNode is one node in the GET /graph/ response.
type GraphNode struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Type         EntityType `json:"type"`
	MentionCount int        `json:"mention_count"`
}

// GraphEdge is one edge in the GET /graph/ response.
type GraphEdge struct {
	ID           int64     `json:"id"`
	SourceID     uuid.UUID `json:"source_id"`
	TargetID     uuid.UUID `json:"target_id"`
	RelationType string    `json:"relation_type"`
	Weight       float32   `json:"weight"`
}

// GraphResponse is the body of GET /graph/.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus tracks an outbox event through the worker pipeline.
type OutboxStatus string

const (
	OutboxPending       OutboxStatus = "pending"
	OutboxProcessing    OutboxStatus = "processing"
	OutboxDone          OutboxStatus = "done"
	OutboxFailed        OutboxStatus = "failed"
	OutboxDLQ           OutboxStatus = "dlq"
	OutboxPendingReview OutboxStatus = "pending_review" // Extraction output flagged for human inspection.
)

// OutboxKind distinguishes memory materialization from sink deletion.
type OutboxKind string

const (
	OutboxUpsert OutboxKind = "upsert"
	OutboxDelete OutboxKind = "delete"
)

// OutboxEvent is one durable side-effect record, co-committed with its memory.
// The per-sink checkpoint columns make re-apply after a crash idempotent: a
// worker resuming a partially applied event skips sinks whose checkpoint is set.
type OutboxEvent struct {
	ID                  int64
	EventID             uuid.UUID
	MemoryID            uuid.UUID
	UserID              uuid.UUID
	Kind                OutboxKind
	Payload             OutboxPayload
	Status              OutboxStatus
	RetryCount          int
	IdempotencyKey      string
	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
	VectorWrittenAt     *time.Time
	GraphWrittenAt      *time.Time
	ErrorMessage        *string
}

// OutboxPayload is the JSON snapshot carried by an outbox event. Upsert
// events snapshot the memory content and embedding; delete events carry the
// derived vector point ids resolved at enqueue time.
type OutboxPayload struct {
	MemoryID   uuid.UUID `json:"memory_id"`
	UserID     uuid.UUID `json:"user_id"`
	Content    string    `json:"content,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Valence    float32   `json:"valence,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`

	// Delete events only.
	VectorPrimaryIDs []uuid.UUID `json:"vector_primary_ids,omitempty"`
}

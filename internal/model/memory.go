// Package model defines the core domain types shared across storage,
// services, and the HTTP layer.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryStatus tracks a memory through the fast/slow path lifecycle.
type MemoryStatus string

const (
	MemoryPending   MemoryStatus = "pending"   // Inserted by the fast path, sinks not yet written.
	MemoryCommitted MemoryStatus = "committed" // All sink writes confirmed by the outbox worker.
	MemoryDeleted   MemoryStatus = "deleted"   // Soft-deleted; excluded from retrieval, kept for audit.
)

// ConflictStatus marks how a memory stands with respect to conflict resolution.
type ConflictStatus string

const (
	ConflictActive     ConflictStatus = "active"
	ConflictDeprecated ConflictStatus = "deprecated" // Lost a clarification; readable for audit only.
	ConflictConflicted ConflictStatus = "conflicted" // Part of an unresolved conflict pair.
)

// Memory is one committed user utterance treated as a standalone episode.
type Memory struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	Content        string           `json:"content"`
	Embedding      *pgvector.Vector `json:"-"` // Repair source for vector index rebuilds; retrieval reads Qdrant.
	Valence        float32          `json:"valence"`
	Status         MemoryStatus     `json:"status"`
	ConflictStatus ConflictStatus   `json:"conflict_status"`
	ObservedAt     time.Time        `json:"observed_at"`
	CreatedAt      time.Time        `json:"created_at"`
	CommittedAt    *time.Time       `json:"committed_at,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// MemoryEntityLink is the bridge row tying a memory to a graph entity,
// so retrieval can expand vector candidates into the graph without a
// vector-store schema change.
type MemoryEntityLink struct {
	UserID     uuid.UUID `json:"user_id"`
	MemoryID   uuid.UUID `json:"memory_id"`
	EntityID   uuid.UUID `json:"entity_id"`
	Confidence float32   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// IDMapping bridges the authoritative Postgres id to derived sink ids.
// Used by GDPR deletion and consistency checks.
type IDMapping struct {
	UserID          uuid.UUID  `json:"user_id"`
	PostgresID      uuid.UUID  `json:"postgres_id"`
	GraphNodeID     *int64     `json:"graph_node_id,omitempty"`
	VectorPrimaryID *uuid.UUID `json:"vector_primary_id,omitempty"`
	EntityType      string     `json:"entity_type"`
	CreatedAt       time.Time  `json:"created_at"`
}

// vectorPointNamespace is the UUIDv5 namespace for deriving vector-store
// primary ids. A point id is a pure function of (user_id, memory_id) so
// re-applied outbox events upsert the same point instead of duplicating it.
var vectorPointNamespace = uuid.MustParse("7b9a40ad-2c6f-4f8e-9f11-5f0f5f3f9d01")

// VectorPrimaryID derives the deterministic Qdrant point id for a memory.
func VectorPrimaryID(userID, memoryID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(vectorPointNamespace, []byte(userID.String()+":"+memoryID.String()))
}

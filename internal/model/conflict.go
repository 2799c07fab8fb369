package model

import (
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies how two memories disagree.
type ConflictType string

const (
	ConflictOpposite      ConflictType = "opposite"      // Lexically opposite predicates on a shared object.
	ConflictContradiction ConflictType = "contradiction" // Same predicate, incompatible objects.
	ConflictInconsistent  ConflictType = "inconsistent"  // Weaker disagreement.
)

// ConflictState is the lifecycle of a detected conflict pair.
type ConflictState string

const (
	ConflictPending  ConflictState = "pending"
	ConflictResolved ConflictState = "resolved"
	ConflictIgnored  ConflictState = "ignored"
)

// ResolutionMethod records how a conflict was resolved.
type ResolutionMethod string

const (
	ResolutionUserClarified ResolutionMethod = "user_clarified"
	ResolutionTimePriority  ResolutionMethod = "time_priority"
	ResolutionAutoMerged    ResolutionMethod = "auto_merged"
)

// MemoryConflict is one detected contradiction between two memories.
// Uniqueness is on the unordered (Memory1ID, Memory2ID) pair.
type MemoryConflict struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	Memory1ID         uuid.UUID         `json:"memory_1_id"`
	Memory2ID         uuid.UUID         `json:"memory_2_id"`
	ConflictType      ConflictType      `json:"conflict_type"`
	CommonTopic       []string          `json:"common_topic,omitempty"`
	Confidence        float64           `json:"confidence"`
	Status            ConflictState     `json:"status"`
	ResolutionMethod  *ResolutionMethod `json:"resolution_method,omitempty"`
	PreferredMemoryID *uuid.UUID        `json:"preferred_memory_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// ClarificationStatus is the lifecycle of a clarification subdialog.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationTimeout  ClarificationStatus = "timeout"
)

// ClarificationSession is one outstanding question asked of the user to
// resolve a conflict. At most one pending session per user per rolling hour.
type ClarificationSession struct {
	ID           uuid.UUID           `json:"id"`
	UserID       uuid.UUID           `json:"user_id"`
	ConflictID   uuid.UUID           `json:"conflict_id"`
	SessionID    string              `json:"session_id"`
	Question     string              `json:"question"`
	UserResponse *string             `json:"user_response,omitempty"`
	Status       ClarificationStatus `json:"status"`
	TurnsWaited  int                 `json:"turns_waited"`
	CreatedAt    time.Time           `json:"created_at"`
	AnsweredAt   *time.Time          `json:"answered_at,omitempty"`
}

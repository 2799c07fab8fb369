package model

import (
	"time"

	"github.com/google/uuid"
)

// DeletionStatus is the lifecycle of a GDPR deletion request.
type DeletionStatus string

const (
	DeletionAccepted  DeletionStatus = "accepted"
	DeletionCompleted DeletionStatus = "completed"
)

// DeletionType distinguishes targeted deletes from a full wipe.
type DeletionType string

const (
	DeletionByIDs DeletionType = "by_ids"
	DeletionAll   DeletionType = "all"
)

// AffectedRecord is one entry in a deletion audit: the memory id plus the
// derived sink ids resolved through the id mapping at request time.
type AffectedRecord struct {
	MemoryID        uuid.UUID  `json:"memory_id"`
	VectorPrimaryID uuid.UUID  `json:"vector_primary_id"`
	GraphNodeID     *int64     `json:"graph_node_id,omitempty"`
	EntityIDs       []uuid.UUID `json:"entity_ids,omitempty"`
}

// DeletionAudit is the monotone audit record for a GDPR deletion. AuditHash
// is computed over the canonical form of AffectedRecords and is verifiable
// after the fact (see integrity.ComputeAuditHash).
type DeletionAudit struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	DeletionType    DeletionType     `json:"deletion_type"`
	AffectedRecords []AffectedRecord `json:"affected_records"`
	RequestedAt     time.Time        `json:"requested_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	AuditHash       string           `json:"audit_hash"`
	Signature       *string          `json:"signature,omitempty"`
	Status          DeletionStatus   `json:"status"`
}

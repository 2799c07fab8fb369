package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType is the closed set of graph node kinds the extractor may emit.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityLocation     EntityType = "location"
	EntityConcept      EntityType = "concept"
	EntityEvent        EntityType = "event"
	EntityObject       EntityType = "object"
	EntityOrganization EntityType = "organization"
)

// KnownEntityType reports whether t is one of the recognized entity types.
// Unknown extractor output is coerced to EntityConcept by the worker.
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityPerson, EntityLocation, EntityConcept, EntityEvent, EntityObject, EntityOrganization:
		return true
	}
	return false
}

// GraphEntity is a per-user node in the knowledge graph projection.
type GraphEntity struct {
	ID               int64      `json:"id"`
	EntityID         uuid.UUID  `json:"entity_id"`
	UserID           uuid.UUID  `json:"user_id"`
	Name             string     `json:"name"`
	NormalizedName   string     `json:"-"`
	Type             EntityType `json:"type"`
	MentionCount     int        `json:"mention_count"`
	FirstMentionedAt time.Time  `json:"first_mentioned_at"`
	LastMentionedAt  time.Time  `json:"last_mentioned_at"`
}

// GraphRelation is a weighted, decaying edge between two entities of one user.
// Weight never exceeds 1.0; decay runs offline (see graph.Store.ApplyTimeDecay).
type GraphRelation struct {
	ID              int64     `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	SourceID        uuid.UUID `json:"source_id"`
	TargetID        uuid.UUID `json:"target_id"`
	RelationType    string    `json:"relation_type"`
	Weight          float32   `json:"weight"`
	CreatedAt       time.Time `json:"created_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// GraphFact is one triple returned by graph expansion, ordered by
// (weight desc, hop asc, last_refreshed_at desc).
type GraphFact struct {
	SourceID        uuid.UUID `json:"source_id"`
	Source          string    `json:"source"`
	RelationType    string    `json:"relation_type"`
	TargetID        uuid.UUID `json:"target_id"`
	Target          string    `json:"target"`
	Weight          float32   `json:"weight"`
	HopDistance     int       `json:"hop_distance"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// ExtractedEntity is one entity produced by the extraction LLM.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       EntityType     `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Mentions   int            `json:"mentions,omitempty"`
}

// ExtractedRelation is one relation produced by the extraction LLM.
// Source and Target reference entity names from the same extraction.
type ExtractedRelation struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Extraction is the structured output of the entity/relation extractor.
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// Package search provides the vector index over memory embeddings,
// backed by Qdrant.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result is one vector search hit. Score is cosine similarity normalized
// to [0,1]; the retrieval layer drops hits below its relevance threshold.
type Result struct {
	MemoryID uuid.UUID
	Score    float32
}

// Point is the data needed to upsert a single memory into the index.
// ID is the deterministic point id (model.VectorPrimaryID), so re-applying
// the same outbox event overwrites rather than duplicates.
type Point struct {
	ID         uuid.UUID
	MemoryID   uuid.UUID
	UserID     uuid.UUID
	Valence    float64
	ObservedAt int64
	Embedding  []float32
}

// Index is the vector store interface used by retrieval and the outbox worker.
type Index interface {
	// EnsureCollection creates the collection and payload indexes if missing.
	EnsureCollection(ctx context.Context) error

	// Search returns memory ids similar to embedding, scoped to one user.
	Search(ctx context.Context, userID uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Upsert writes points, overwriting existing ids.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByIDs removes points by their deterministic point ids.
	DeleteByIDs(ctx context.Context, pointIDs []uuid.UUID) error

	// Healthy reports reachability; results may be briefly cached.
	Healthy(ctx context.Context) error

	Close() error
}

// normalizeScore maps cosine similarity from [-1,1] to [0,1].
func normalizeScore(cosine float32) float32 {
	s := (cosine + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

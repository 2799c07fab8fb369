package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// LinkMemoryEntities upserts bridge rows tying a memory to the graph
// entities extracted from it. Re-running the same extraction is a no-op
// apart from refreshed confidence.
func (db *DB) LinkMemoryEntities(ctx context.Context, links []model.MemoryEntityLink) error {
	for _, l := range links {
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO memory_entities (user_id, memory_id, entity_id, confidence, source)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, memory_id, entity_id) DO UPDATE
			 SET confidence = GREATEST(memory_entities.confidence, EXCLUDED.confidence)`,
			l.UserID, l.MemoryID, l.EntityID, l.Confidence, l.Source,
		); err != nil {
			return fmt.Errorf("storage: link memory entity: %w", err)
		}
	}
	return nil
}

// EntityIDsForMemories returns, per memory, the graph entities linked to it.
// This is the pivot from vector hits to graph seeds during retrieval.
func (db *DB) EntityIDsForMemories(ctx context.Context, userID uuid.UUID, memoryIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	if len(memoryIDs) == 0 {
		return map[uuid.UUID][]uuid.UUID{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT memory_id, entity_id FROM memory_entities
		 WHERE user_id = $1 AND memory_id = ANY($2)
		 ORDER BY confidence DESC`,
		userID, memoryIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity ids for memories: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var memID, entID uuid.UUID
		if err := rows.Scan(&memID, &entID); err != nil {
			return nil, fmt.Errorf("storage: scan memory entity: %w", err)
		}
		out[memID] = append(out[memID], entID)
	}
	return out, rows.Err()
}

// MemoryIDsForEntities is the reverse pivot: which memories mention the
// given entities. Feeds graph-sourced facts back to their origin memories.
func (db *DB) MemoryIDsForEntities(ctx context.Context, userID uuid.UUID, entityIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	if len(entityIDs) == 0 {
		return map[uuid.UUID][]uuid.UUID{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT entity_id, memory_id FROM memory_entities
		 WHERE user_id = $1 AND entity_id = ANY($2)`,
		userID, entityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: memory ids for entities: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var entID, memID uuid.UUID
		if err := rows.Scan(&entID, &memID); err != nil {
			return nil, fmt.Errorf("storage: scan entity memory: %w", err)
		}
		out[entID] = append(out[entID], memID)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// UpsertIDMapping records the cross-store identity of a memory: its
// Postgres id, vector point id, and (when entities were extracted) the
// graph node anchoring it.
func (db *DB) UpsertIDMapping(ctx context.Context, m model.IDMapping) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO id_mappings (user_id, postgres_id, graph_node_id, vector_primary_id, entity_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, postgres_id) DO UPDATE
		 SET graph_node_id = COALESCE(EXCLUDED.graph_node_id, id_mappings.graph_node_id),
		     vector_primary_id = COALESCE(EXCLUDED.vector_primary_id, id_mappings.vector_primary_id)`,
		m.UserID, m.PostgresID, m.GraphNodeID, m.VectorPrimaryID, m.EntityType,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert id mapping: %w", err)
	}
	return nil
}

// GetIDMapping returns the mapping for one Postgres id.
func (db *DB) GetIDMapping(ctx context.Context, userID, postgresID uuid.UUID) (model.IDMapping, error) {
	var m model.IDMapping
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, postgres_id, graph_node_id, vector_primary_id, entity_type, created_at
		 FROM id_mappings WHERE user_id = $1 AND postgres_id = $2`,
		userID, postgresID,
	).Scan(&m.UserID, &m.PostgresID, &m.GraphNodeID, &m.VectorPrimaryID, &m.EntityType, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IDMapping{}, ErrNotFound
		}
		return model.IDMapping{}, fmt.Errorf("storage: get id mapping: %w", err)
	}
	return m, nil
}

// IDMappingsFor returns mappings for a set of Postgres ids, keyed by id.
func (db *DB) IDMappingsFor(ctx context.Context, userID uuid.UUID, postgresIDs []uuid.UUID) (map[uuid.UUID]model.IDMapping, error) {
	if len(postgresIDs) == 0 {
		return map[uuid.UUID]model.IDMapping{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, postgres_id, graph_node_id, vector_primary_id, entity_type, created_at
		 FROM id_mappings WHERE user_id = $1 AND postgres_id = ANY($2)`,
		userID, postgresIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: id mappings for: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.IDMapping, len(postgresIDs))
	for rows.Next() {
		var m model.IDMapping
		if err := rows.Scan(&m.UserID, &m.PostgresID, &m.GraphNodeID, &m.VectorPrimaryID, &m.EntityType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan id mapping: %w", err)
		}
		out[m.PostgresID] = m
	}
	return out, rows.Err()
}

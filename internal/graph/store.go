// Package graph maintains the per-user knowledge graph projection in
// Postgres: entity nodes, weighted decaying relations, and the bounded-hop
// expansion used by retrieval.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Store executes graph reads and writes against the shared Postgres pool.
type Store struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a graph store.
func New(db *storage.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// NormalizeEntityName canonicalizes an entity name for dedup: lowercased,
// trimmed, inner whitespace collapsed. "Hiking " and "hiking" are one node.
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// DecayFactor returns 2^(-elapsed/halfLife), the multiplicative weight decay
// for an edge untouched for elapsed time.
func DecayFactor(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Pow(2, -elapsed.Hours()/halfLife.Hours())
}

// ApplyResult reports what an extraction wrote to the graph.
type ApplyResult struct {
	// EntityIDs are the stable ids of every entity touched, in extraction order.
	EntityIDs []uuid.UUID
	// PrimaryNodeID is the row id of the first entity, recorded in the id
	// mapping as the memory's graph anchor.
	PrimaryNodeID *int64
}

// ApplyExtraction upserts the extraction's entities and relations for one
// user. Re-mentioned entities bump mention_count and refresh
// last_mentioned_at; re-asserted relations gain weightBump (capped at 1.0)
// and refresh last_refreshed_at, undoing decay. Idempotent per content:
// re-running the same extraction converges instead of duplicating.
func (s *Store) ApplyExtraction(ctx context.Context, userID uuid.UUID, ext model.Extraction, weightBump float32) (ApplyResult, error) {
	var res ApplyResult
	idsByName := make(map[string]uuid.UUID, len(ext.Entities))

	for i, ent := range ext.Entities {
		typ := ent.Type
		if !model.KnownEntityType(typ) {
			typ = model.EntityConcept
		}
		normalized := NormalizeEntityName(ent.Name)
		if normalized == "" {
			continue
		}

		var rowID int64
		var entityID uuid.UUID
		err := s.db.Pool().QueryRow(ctx,
			`INSERT INTO graph_entities (entity_id, user_id, name, normalized_name, type)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, normalized_name, type) DO UPDATE
			 SET mention_count = graph_entities.mention_count + 1,
			     last_mentioned_at = now()
			 RETURNING id, entity_id`,
			uuid.New(), userID, strings.TrimSpace(ent.Name), normalized, typ,
		).Scan(&rowID, &entityID)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("graph: upsert entity %q: %w", ent.Name, err)
		}

		idsByName[normalized] = entityID
		res.EntityIDs = append(res.EntityIDs, entityID)
		if i == 0 {
			res.PrimaryNodeID = &rowID
		}
	}

	for _, rel := range ext.Relations {
		src, okSrc := idsByName[NormalizeEntityName(rel.Source)]
		dst, okDst := idsByName[NormalizeEntityName(rel.Target)]
		if !okSrc || !okDst || src == dst {
			// Relations referencing entities the extractor did not emit are
			// dropped rather than guessed at.
			s.logger.Debug("graph: skipping dangling relation",
				"source", rel.Source, "target", rel.Target, "type", rel.Type)
			continue
		}
		if _, err := s.db.Pool().Exec(ctx,
			`INSERT INTO graph_relations (user_id, source_id, target_id, relation_type, weight)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, source_id, target_id, relation_type) DO UPDATE
			 SET weight = LEAST(1.0, graph_relations.weight + $5),
			     last_refreshed_at = now(),
			     last_decay_at = NULL`,
			userID, src, dst, strings.ToLower(strings.TrimSpace(rel.Type)), weightBump,
		); err != nil {
			return ApplyResult{}, fmt.Errorf("graph: upsert relation %s-%s: %w", rel.Source, rel.Target, err)
		}
	}

	return res, nil
}

// Expand walks the graph outward from seed entities up to maxHops, treating
// edges as undirected, and returns facts ordered by weight desc, hop asc,
// recency desc. Edges below floor are invisible to expansion.
func (s *Store) Expand(ctx context.Context, userID uuid.UUID, seeds []uuid.UUID, maxHops, limit int, floor float32) ([]model.GraphFact, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if maxHops < 1 {
		maxHops = 1
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Pool().Query(ctx,
		`WITH RECURSIVE walk AS (
		     SELECT r.source_id, r.target_id, r.relation_type, r.weight, r.last_refreshed_at, 1 AS hop
		     FROM graph_relations r
		     WHERE r.user_id = $1 AND r.weight >= $3
		       AND (r.source_id = ANY($2) OR r.target_id = ANY($2))
		   UNION ALL
		     SELECT r.source_id, r.target_id, r.relation_type, r.weight, r.last_refreshed_at, w.hop + 1
		     FROM graph_relations r
		     JOIN walk w ON r.source_id IN (w.source_id, w.target_id)
		                 OR r.target_id IN (w.source_id, w.target_id)
		     WHERE r.user_id = $1 AND r.weight >= $3 AND w.hop < $4
		 ),
		 dedup AS (
		     SELECT source_id, target_id, relation_type, weight, last_refreshed_at, min(hop) AS hop
		     FROM walk
		     GROUP BY source_id, target_id, relation_type, weight, last_refreshed_at
		 )
		 SELECT se.entity_id, se.name, d.relation_type, te.entity_id, te.name,
		        d.weight, d.hop, d.last_refreshed_at
		 FROM dedup d
		 JOIN graph_entities se ON se.entity_id = d.source_id
		 JOIN graph_entities te ON te.entity_id = d.target_id
		 ORDER BY d.weight DESC, d.hop ASC, d.last_refreshed_at DESC
		 LIMIT $5`,
		userID, seeds, floor, maxHops, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: expand: %w", err)
	}
	defer rows.Close()

	var facts []model.GraphFact
	for rows.Next() {
		var f model.GraphFact
		if err := rows.Scan(&f.SourceID, &f.Source, &f.RelationType, &f.TargetID, &f.Target,
			&f.Weight, &f.HopDistance, &f.LastRefreshedAt); err != nil {
			return nil, fmt.Errorf("graph: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// RelationsByType returns every relation of the given types for a user,
// strongest first. This backs the semantic fallback: when no named entity
// matches the query but the query implies a relation ("where does she
// live"), all edges of the implied type go to the reply model for
// commonsense inference.
func (s *Store) RelationsByType(ctx context.Context, userID uuid.UUID, types []string, limit int) ([]model.GraphFact, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool().Query(ctx,
		`SELECT se.entity_id, se.name, r.relation_type, te.entity_id, te.name,
		        r.weight, 1, r.last_refreshed_at
		 FROM graph_relations r
		 JOIN graph_entities se ON se.entity_id = r.source_id
		 JOIN graph_entities te ON te.entity_id = r.target_id
		 WHERE r.user_id = $1 AND r.relation_type = ANY($2)
		 ORDER BY r.weight DESC, r.last_refreshed_at DESC
		 LIMIT $3`,
		userID, types, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: relations by type: %w", err)
	}
	defer rows.Close()

	var facts []model.GraphFact
	for rows.Next() {
		var f model.GraphFact
		if err := rows.Scan(&f.SourceID, &f.Source, &f.RelationType, &f.TargetID, &f.Target,
			&f.Weight, &f.HopDistance, &f.LastRefreshedAt); err != nil {
			return nil, fmt.Errorf("graph: scan relation fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// SeedsByName resolves entity names to ids for the name-match fallback, when
// vector search yields nothing but the message names known entities.
func (s *Store) SeedsByName(ctx context.Context, userID uuid.UUID, names []string) ([]uuid.UUID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		if nn := NormalizeEntityName(n); nn != "" {
			normalized = append(normalized, nn)
		}
	}
	rows, err := s.db.Pool().Query(ctx,
		`SELECT entity_id FROM graph_entities
		 WHERE user_id = $1 AND normalized_name = ANY($2)`,
		userID, normalized,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: seeds by name: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graph: scan seed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyTimeDecay multiplies every edge weight by 2^(-Δt/halfLife) for the
// time elapsed since its last refresh or last decay charge, whichever is
// later, then prunes edges that fell below floor. Runs as a periodic
// background pass; re-mentions between passes reset last_refreshed_at and
// escape the decay. Bookkeeping lives in last_decay_at so the pass never
// touches last_refreshed_at, which Expand uses as a recency tie-break.
func (s *Store) ApplyTimeDecay(ctx context.Context, halfLife time.Duration, floor float32) (updated, pruned int64, err error) {
	halfLifeHours := halfLife.Hours()
	if halfLifeHours <= 0 {
		return 0, 0, fmt.Errorf("graph: non-positive half-life")
	}

	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE graph_relations
		 SET weight = weight * POWER(2, -EXTRACT(EPOCH FROM (now() - GREATEST(last_refreshed_at, COALESCE(last_decay_at, last_refreshed_at)))) / 3600.0 / $1),
		     last_decay_at = now()
		 WHERE GREATEST(last_refreshed_at, COALESCE(last_decay_at, last_refreshed_at)) < now() - interval '1 hour'`,
		halfLifeHours,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("graph: apply decay: %w", err)
	}
	updated = tag.RowsAffected()

	tag, err = s.db.Pool().Exec(ctx,
		`DELETE FROM graph_relations WHERE weight < $1`, floor,
	)
	if err != nil {
		return updated, 0, fmt.Errorf("graph: prune decayed edges: %w", err)
	}
	pruned = tag.RowsAffected()

	if updated > 0 || pruned > 0 {
		s.logger.Debug("graph: decay pass", "updated", updated, "pruned", pruned)
	}
	return updated, pruned, nil
}

// RemoveMemoryContribution detaches a deleted memory from the graph: bridge
// rows go away and orphaned entities (no remaining memory references) are
// removed along with their relations. Shared entities survive.
func (s *Store) RemoveMemoryContribution(ctx context.Context, userID, memoryID uuid.UUID) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph: begin remove tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`DELETE FROM memory_entities WHERE user_id = $1 AND memory_id = $2
		 RETURNING entity_id`,
		userID, memoryID,
	)
	if err != nil {
		return fmt.Errorf("graph: unlink memory entities: %w", err)
	}
	var touched []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("graph: scan unlinked entity: %w", err)
		}
		touched = append(touched, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("graph: unlink memory entities: %w", err)
	}

	if len(touched) > 0 {
		// ON DELETE CASCADE on graph_relations clears edges of removed nodes.
		if _, err := tx.Exec(ctx,
			`DELETE FROM graph_entities ge
			 WHERE ge.user_id = $1 AND ge.entity_id = ANY($2)
			   AND NOT EXISTS (
			       SELECT 1 FROM memory_entities me
			       WHERE me.user_id = ge.user_id AND me.entity_id = ge.entity_id
			   )`,
			userID, touched,
		); err != nil {
			return fmt.Errorf("graph: prune orphaned entities: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph: commit remove: %w", err)
	}
	return nil
}

// Neighborhood returns a user's entities and relations for the graph read
// endpoint, most-mentioned entities first. A non-nil since keeps only
// entities mentioned at or after it (the ?day=N window); their relations
// follow regardless of edge age so the subgraph stays connected.
func (s *Store) Neighborhood(ctx context.Context, userID uuid.UUID, limit int, since *time.Time) ([]model.GraphEntity, []model.GraphRelation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool().Query(ctx,
		`SELECT id, entity_id, user_id, name, normalized_name, type,
		 mention_count, first_mentioned_at, last_mentioned_at
		 FROM graph_entities
		 WHERE user_id = $1 AND ($3::timestamptz IS NULL OR last_mentioned_at >= $3)
		 ORDER BY mention_count DESC, last_mentioned_at DESC LIMIT $2`,
		userID, limit, since,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: neighborhood entities: %w", err)
	}
	var entities []model.GraphEntity
	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var e model.GraphEntity
		if err := rows.Scan(&e.ID, &e.EntityID, &e.UserID, &e.Name, &e.NormalizedName,
			&e.Type, &e.MentionCount, &e.FirstMentionedAt, &e.LastMentionedAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("graph: scan entity: %w", err)
		}
		entities = append(entities, e)
		ids = append(ids, e.EntityID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("graph: neighborhood entities: %w", err)
	}
	if len(ids) == 0 {
		return entities, nil, nil
	}

	relRows, err := s.db.Pool().Query(ctx,
		`SELECT id, user_id, source_id, target_id, relation_type, weight, created_at, last_refreshed_at
		 FROM graph_relations
		 WHERE user_id = $1 AND source_id = ANY($2) AND target_id = ANY($2)
		 ORDER BY weight DESC`,
		userID, ids,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: neighborhood relations: %w", err)
	}
	defer relRows.Close()

	var relations []model.GraphRelation
	for relRows.Next() {
		var r model.GraphRelation
		if err := relRows.Scan(&r.ID, &r.UserID, &r.SourceID, &r.TargetID, &r.RelationType,
			&r.Weight, &r.CreatedAt, &r.LastRefreshedAt); err != nil {
			return nil, nil, fmt.Errorf("graph: scan relation: %w", err)
		}
		relations = append(relations, r)
	}
	return entities, relations, relRows.Err()
}

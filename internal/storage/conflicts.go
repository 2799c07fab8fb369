package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kokoro-ai/kokoro/internal/model"
)

const conflictColumns = `id, user_id, memory_1_id, memory_2_id, conflict_type, common_topic,
	confidence, status, resolution_method, preferred_memory_id, created_at, resolved_at, metadata`

// InsertConflict records a detected conflict pair. The unordered-pair unique
// index makes duplicate detection a no-op; inserted reports whether this call
// created the row. On insert both memories are flagged conflicted and a
// notification fires for subscribers.
func (db *DB) InsertConflict(ctx context.Context, c model.MemoryConflict) (inserted bool, err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.ConflictPending
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin conflict tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_conflicts (id, user_id, memory_1_id, memory_2_id, conflict_type,
		 common_topic, confidence, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.UserID, c.Memory1ID, c.Memory2ID, c.ConflictType,
		c.CommonTopic, c.Confidence, c.Status, c.Metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("storage: insert conflict: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET conflict_status = 'conflicted'
		 WHERE user_id = $1 AND id = ANY($2) AND conflict_status = 'active'`,
		c.UserID, []uuid.UUID{c.Memory1ID, c.Memory2ID},
	); err != nil {
		return false, fmt.Errorf("storage: flag conflicted memories: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"conflict_id": c.ID.String(),
		"user_id":     c.UserID.String(),
	})
	if err != nil {
		return false, fmt.Errorf("storage: marshal conflict notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelConflicts, string(payload)); err != nil {
		return false, fmt.Errorf("storage: notify conflict: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit conflict: %w", err)
	}
	return true, nil
}

// GetConflict returns one conflict scoped by user.
func (db *DB) GetConflict(ctx context.Context, userID, id uuid.UUID) (model.MemoryConflict, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM memory_conflicts WHERE id = $1 AND user_id = $2`, conflictColumns),
		id, userID,
	)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MemoryConflict{}, ErrNotFound
		}
		return model.MemoryConflict{}, fmt.Errorf("storage: get conflict: %w", err)
	}
	return c, nil
}

// PendingConflicts returns unresolved conflicts for a user, oldest first.
func (db *DB) PendingConflicts(ctx context.Context, userID uuid.UUID, limit int) ([]model.MemoryConflict, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM memory_conflicts
		 WHERE user_id = $1 AND status = 'pending'
		 ORDER BY created_at ASC LIMIT $2`, conflictColumns),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConflictsInvolving returns pending conflicts touching any of the given
// memories, used to attach conflict hints to retrieval results.
func (db *DB) ConflictsInvolving(ctx context.Context, userID uuid.UUID, memoryIDs []uuid.UUID) ([]model.MemoryConflict, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM memory_conflicts
		 WHERE user_id = $1 AND status = 'pending'
		   AND (memory_1_id = ANY($2) OR memory_2_id = ANY($2))`, conflictColumns),
		userID, memoryIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: conflicts involving: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict settles a conflict in one transaction: the conflict row is
// marked resolved, the preferred memory returns to active, and the other
// memory is deprecated so retrieval stops surfacing it.
func (db *DB) ResolveConflict(ctx context.Context, userID, conflictID, preferredID uuid.UUID, method model.ResolutionMethod) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var m1, m2 uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE memory_conflicts
		 SET status = 'resolved', resolution_method = $3, preferred_memory_id = $4, resolved_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = 'pending'
		 RETURNING memory_1_id, memory_2_id`,
		conflictID, userID, method, preferredID,
	).Scan(&m1, &m2)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: resolve conflict: %w", err)
	}

	deprecated := m2
	if preferredID == m2 {
		deprecated = m1
	}
	if _, err := tx.Exec(ctx,
		`UPDATE memories SET conflict_status = 'active' WHERE user_id = $1 AND id = $2`,
		userID, preferredID,
	); err != nil {
		return fmt.Errorf("storage: restore preferred memory: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE memories SET conflict_status = 'deprecated' WHERE user_id = $1 AND id = $2`,
		userID, deprecated,
	); err != nil {
		return fmt.Errorf("storage: deprecate memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit resolve: %w", err)
	}
	return nil
}

// IgnoreConflict dismisses a conflict without deprecating either memory.
// Both sides return to active.
func (db *DB) IgnoreConflict(ctx context.Context, userID, conflictID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin ignore tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var m1, m2 uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE memory_conflicts SET status = 'ignored', resolved_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = 'pending'
		 RETURNING memory_1_id, memory_2_id`,
		conflictID, userID,
	).Scan(&m1, &m2)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: ignore conflict: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memories SET conflict_status = 'active'
		 WHERE user_id = $1 AND id = ANY($2) AND conflict_status = 'conflicted'`,
		userID, []uuid.UUID{m1, m2},
	); err != nil {
		return fmt.Errorf("storage: restore ignored memories: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit ignore: %w", err)
	}
	return nil
}

func scanConflict(row pgx.Row) (model.MemoryConflict, error) {
	var c model.MemoryConflict
	err := row.Scan(&c.ID, &c.UserID, &c.Memory1ID, &c.Memory2ID, &c.ConflictType,
		&c.CommonTopic, &c.Confidence, &c.Status, &c.ResolutionMethod,
		&c.PreferredMemoryID, &c.CreatedAt, &c.ResolvedAt, &c.Metadata)
	return c, err
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// CreateMemoryWithOutbox inserts a memory (status=pending) and exactly one
// outbox event (status=pending) in a single transaction. This is the sole
// durability guarantee of the fast path: a crash between "reply sent" and
// "sinks written" leaves a pending memory with a pending event, never a
// dangling half.
func (db *DB) CreateMemoryWithOutbox(ctx context.Context, m model.Memory, idempotencyKey string) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.ObservedAt.IsZero() {
		m.ObservedAt = now
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = model.MemoryPending
	}
	if m.ConflictStatus == "" {
		m.ConflictStatus = model.ConflictActive
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	payload := model.OutboxPayload{
		MemoryID:   m.ID,
		UserID:     m.UserID,
		Content:    m.Content,
		Valence:    m.Valence,
		ObservedAt: m.ObservedAt,
	}
	if m.Embedding != nil {
		payload.Embedding = m.Embedding.Slice()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO memories (id, user_id, content, embedding, valence, status, conflict_status,
		 observed_at, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.Content, m.Embedding, m.Valence, m.Status, m.ConflictStatus,
		m.ObservedAt, m.CreatedAt, m.Metadata,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert memory: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (event_id, memory_id, user_id, kind, payload, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
		uuid.New(), m.ID, m.UserID, model.OutboxUpsert, payload, nullableStr(idempotencyKey),
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit memory+outbox: %w", err)
	}
	return m, nil
}

// GetMemory retrieves one memory scoped by user. Returns ErrNotFound for
// missing or soft-deleted rows (deleted memories 404 at the API layer).
func (db *DB) GetMemory(ctx context.Context, userID, id uuid.UUID) (model.Memory, error) {
	var m model.Memory
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, content, valence, status, conflict_status,
		 observed_at, created_at, committed_at, metadata
		 FROM memories WHERE id = $1 AND user_id = $2 AND status != 'deleted'`,
		id, userID,
	).Scan(&m.ID, &m.UserID, &m.Content, &m.Valence, &m.Status, &m.ConflictStatus,
		&m.ObservedAt, &m.CreatedAt, &m.CommittedAt, &m.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// ActiveMemoriesByIDs returns the retrieval-visible memories among ids:
// not deleted, not deprecated by conflict resolution.
func (db *DB) ActiveMemoriesByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, content, valence, status, conflict_status,
		 observed_at, created_at, committed_at, metadata
		 FROM active_memories WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active memories by ids: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// RecentActiveMemories returns the most recent retrieval-visible memories
// for a user, newest first. Used by conflict detection alongside retrieval.
func (db *DB) RecentActiveMemories(ctx context.Context, userID uuid.UUID, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, content, valence, status, conflict_status,
		 observed_at, created_at, committed_at, metadata
		 FROM active_memories WHERE user_id = $1
		 ORDER BY observed_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent active memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SetConflictStatus updates a memory's conflict status.
func (db *DB) SetConflictStatus(ctx context.Context, userID, id uuid.UUID, status model.ConflictStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET conflict_status = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set conflict status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoriesForReindex returns committed memories with a stored embedding,
// created after the given cursor, oldest first. Callers page by passing the
// created_at of the last row they saw. The relational vector column exists
// only as a repair source: this feeds vector index rebuilds, never the
// retrieval path.
func (db *DB) MemoriesForReindex(ctx context.Context, after time.Time, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, content, embedding, valence, status, conflict_status,
		 observed_at, created_at, committed_at, metadata
		 FROM memories
		 WHERE status = 'committed' AND embedding IS NOT NULL AND created_at > $2
		 ORDER BY created_at ASC LIMIT $1`,
		limit, after,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: memories for reindex: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Embedding, &m.Valence,
			&m.Status, &m.ConflictStatus, &m.ObservedAt, &m.CreatedAt, &m.CommittedAt, &m.Metadata); err != nil {
			return nil, fmt.Errorf("storage: scan memory for reindex: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemories(rows pgx.Rows) ([]model.Memory, error) {
	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Valence, &m.Status,
			&m.ConflictStatus, &m.ObservedAt, &m.CreatedAt, &m.CommittedAt, &m.Metadata); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kokoro-ai/kokoro/internal/integrity"
	"github.com/kokoro-ai/kokoro/internal/model"
)

// SoftDeleteMemories executes a GDPR deletion request in one transaction:
// resolve targets, set status=deleted, write the audit row with its hash,
// and enqueue delete events that will purge the vector and graph sinks.
// Returns the audit record; ErrNotFound when by-ids targets nothing.
func (db *DB) SoftDeleteMemories(ctx context.Context, userID uuid.UUID, memoryIDs []uuid.UUID, deleteAll bool) (model.DeletionAudit, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DeletionAudit{}, fmt.Errorf("storage: begin deletion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Resolve targets and flip them to deleted. Soft delete first: the sinks
	// clean up asynchronously, but retrieval stops seeing the rows now.
	var rows pgx.Rows
	if deleteAll {
		rows, err = tx.Query(ctx,
			`UPDATE memories SET status = 'deleted'
			 WHERE user_id = $1 AND status != 'deleted'
			 RETURNING id`,
			userID,
		)
	} else {
		rows, err = tx.Query(ctx,
			`UPDATE memories SET status = 'deleted'
			 WHERE user_id = $1 AND id = ANY($2) AND status != 'deleted'
			 RETURNING id`,
			userID, memoryIDs,
		)
	}
	if err != nil {
		return model.DeletionAudit{}, fmt.Errorf("storage: soft delete memories: %w", err)
	}
	var deleted []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return model.DeletionAudit{}, fmt.Errorf("storage: scan deleted id: %w", err)
		}
		deleted = append(deleted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.DeletionAudit{}, fmt.Errorf("storage: soft delete memories: %w", err)
	}
	if len(deleted) == 0 && !deleteAll {
		return model.DeletionAudit{}, ErrNotFound
	}

	records, err := resolveAffectedRecords(ctx, tx, userID, deleted)
	if err != nil {
		return model.DeletionAudit{}, err
	}

	deletionType := model.DeletionByIDs
	if deleteAll {
		deletionType = model.DeletionAll
	}
	audit := model.DeletionAudit{
		ID:              uuid.New(),
		UserID:          userID,
		DeletionType:    deletionType,
		AffectedRecords: records,
		RequestedAt:     time.Now().UTC(),
		Status:          model.DeletionAccepted,
	}
	audit.AuditHash = integrity.ComputeAuditHash(userID, deletionType, audit.RequestedAt, records)

	if _, err := tx.Exec(ctx,
		`INSERT INTO deletion_audits (id, user_id, deletion_type, affected_records, requested_at, audit_hash, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		audit.ID, audit.UserID, audit.DeletionType, audit.AffectedRecords,
		audit.RequestedAt, audit.AuditHash, audit.Status,
	); err != nil {
		return model.DeletionAudit{}, fmt.Errorf("storage: insert deletion audit: %w", err)
	}

	if err := db.insertDeleteEvents(ctx, tx, userID, records); err != nil {
		return model.DeletionAudit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DeletionAudit{}, fmt.Errorf("storage: commit deletion: %w", err)
	}
	return audit, nil
}

// resolveAffectedRecords derives the sink identities for each deleted memory
// from the id mapping and bridge tables, inside the deletion transaction so
// the audit reflects the exact state at request time.
func resolveAffectedRecords(ctx context.Context, tx pgx.Tx, userID uuid.UUID, memoryIDs []uuid.UUID) ([]model.AffectedRecord, error) {
	records := make([]model.AffectedRecord, 0, len(memoryIDs))
	for _, memID := range memoryIDs {
		rec := model.AffectedRecord{
			MemoryID:        memID,
			VectorPrimaryID: model.VectorPrimaryID(userID, memID),
		}

		var graphNodeID *int64
		err := tx.QueryRow(ctx,
			`SELECT graph_node_id FROM id_mappings WHERE user_id = $1 AND postgres_id = $2`,
			userID, memID,
		).Scan(&graphNodeID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: resolve graph node id: %w", err)
		}
		rec.GraphNodeID = graphNodeID

		entRows, err := tx.Query(ctx,
			`SELECT entity_id FROM memory_entities WHERE user_id = $1 AND memory_id = $2`,
			userID, memID,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: resolve entity ids: %w", err)
		}
		for entRows.Next() {
			var entID uuid.UUID
			if err := entRows.Scan(&entID); err != nil {
				entRows.Close()
				return nil, fmt.Errorf("storage: scan entity id: %w", err)
			}
			rec.EntityIDs = append(rec.EntityIDs, entID)
		}
		entRows.Close()
		if err := entRows.Err(); err != nil {
			return nil, fmt.Errorf("storage: resolve entity ids: %w", err)
		}

		records = append(records, rec)
	}
	return records, nil
}

// CompleteDeletionAudit marks an audit completed once every delete event for
// its memories has drained through the outbox.
func (db *DB) CompleteDeletionAudit(ctx context.Context, auditID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE deletion_audits SET status = 'completed', completed_at = now()
		 WHERE id = $1 AND status = 'accepted'`,
		auditID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete deletion audit: %w", err)
	}
	return nil
}

// OpenDeletionAudits returns accepted audits whose delete events may have
// drained, for the background completion sweep.
func (db *DB) OpenDeletionAudits(ctx context.Context, limit int) ([]model.DeletionAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, deletion_type, affected_records, requested_at, completed_at,
		 audit_hash, signature, status
		 FROM deletion_audits WHERE status = 'accepted'
		 ORDER BY requested_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: open deletion audits: %w", err)
	}
	defer rows.Close()
	return scanDeletionAudits(rows)
}

// DeletionAuditsForUser returns a user's audits, newest first.
func (db *DB) DeletionAuditsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.DeletionAudit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, deletion_type, affected_records, requested_at, completed_at,
		 audit_hash, signature, status
		 FROM deletion_audits WHERE user_id = $1
		 ORDER BY requested_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: deletion audits for user: %w", err)
	}
	defer rows.Close()
	return scanDeletionAudits(rows)
}

// PendingDeleteEventCount counts undrained delete events for a set of
// memories. Zero means the audit can be completed.
func (db *DB) PendingDeleteEventCount(ctx context.Context, userID uuid.UUID, memoryIDs []uuid.UUID) (int64, error) {
	if len(memoryIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events
		 WHERE user_id = $1 AND kind = 'delete' AND memory_id = ANY($2)
		   AND status NOT IN ('done')`,
		userID, memoryIDs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: pending delete event count: %w", err)
	}
	return n, nil
}

func scanDeletionAudits(rows pgx.Rows) ([]model.DeletionAudit, error) {
	var out []model.DeletionAudit
	for rows.Next() {
		var a model.DeletionAudit
		if err := rows.Scan(&a.ID, &a.UserID, &a.DeletionType, &a.AffectedRecords,
			&a.RequestedAt, &a.CompletedAt, &a.AuditHash, &a.Signature, &a.Status); err != nil {
			return nil, fmt.Errorf("storage: scan deletion audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kokoro-ai/kokoro/internal/model"
)

const outboxColumns = `id, event_id, memory_id, user_id, kind, payload, status, retry_count,
	idempotency_key, created_at, processing_started_at, processed_at,
	vector_written_at, graph_written_at, error_message`

// LeaseOutboxEvents claims up to limit due pending events for processing.
// FOR UPDATE SKIP LOCKED lets multiple workers drain the queue without
// stepping on each other; not_before implements retry backoff.
func (db *DB) LeaseOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`UPDATE outbox_events SET status = 'processing', processing_started_at = now()
		 WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = 'pending' AND (not_before IS NULL OR not_before <= now())
		     ORDER BY created_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING %s`, outboxColumns),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lease outbox events: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

// MarkVectorWritten records the vector-sink checkpoint for an event.
// On retry the worker skips sinks whose checkpoint is already set.
func (db *DB) MarkVectorWritten(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_events SET vector_written_at = now() WHERE id = $1 AND vector_written_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark vector written: %w", err)
	}
	return nil
}

// MarkGraphWritten records the graph-sink checkpoint for an event. Bridge
// rows are written in the same step, so this checkpoint covers both.
func (db *DB) MarkGraphWritten(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_events SET graph_written_at = now() WHERE id = $1 AND graph_written_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark graph written: %w", err)
	}
	return nil
}

// CompleteOutboxEvent marks an event done and, for upsert events, flips the
// memory to committed in the same transaction, then notifies listeners so
// polling clients and SSE subscribers see the commit immediately.
func (db *DB) CompleteOutboxEvent(ctx context.Context, ev model.OutboxEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE outbox_events SET status = 'done', processed_at = now(), error_message = NULL
		 WHERE id = $1`,
		ev.ID,
	); err != nil {
		return fmt.Errorf("storage: complete outbox event: %w", err)
	}

	if ev.Kind == model.OutboxUpsert {
		if _, err := tx.Exec(ctx,
			`UPDATE memories SET status = 'committed', committed_at = now()
			 WHERE id = $1 AND status = 'pending'`,
			ev.MemoryID,
		); err != nil {
			return fmt.Errorf("storage: commit memory: %w", err)
		}

		payload, err := json.Marshal(map[string]string{
			"memory_id": ev.MemoryID.String(),
			"user_id":   ev.UserID.String(),
		})
		if err != nil {
			return fmt.Errorf("storage: marshal commit notification: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`SELECT pg_notify($1, $2)`, ChannelMemoryCommitted, string(payload),
		); err != nil {
			return fmt.Errorf("storage: notify memory committed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit outbox completion: %w", err)
	}
	return nil
}

// FailOutboxEvent records a retryable failure. Below maxRetries the event
// returns to pending with exponential backoff (base doubles per attempt,
// capped at 1h). At or beyond maxRetries it moves to the dead-letter queue.
func (db *DB) FailOutboxEvent(ctx context.Context, id int64, procErr error, maxRetries int, base time.Duration) error {
	msg := truncateErr(procErr)
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending',
		     retry_count = retry_count + 1,
		     processing_started_at = NULL,
		     not_before = now() + LEAST(POWER(2, retry_count) * $3::interval, interval '1 hour'),
		     error_message = $2
		 WHERE id = $1 AND retry_count < $4`,
		id, msg, base, maxRetries-1,
	)
	if err != nil {
		return fmt.Errorf("storage: fail outbox event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Retries exhausted: dead-letter. Manual tooling replays from here.
	if _, err := db.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'dlq', retry_count = retry_count + 1,
		     processing_started_at = NULL, error_message = $2
		 WHERE id = $1`,
		id, msg,
	); err != nil {
		return fmt.Errorf("storage: dead-letter outbox event: %w", err)
	}
	return nil
}

// MarkPendingReview parks an event for human review. Used when the slow
// path hits a permanent-but-ambiguous failure such as malformed extraction
// output, where neither retry nor DLQ is clearly right.
func (db *DB) MarkPendingReview(ctx context.Context, id int64, procErr error) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending_review', processing_started_at = NULL, error_message = $2
		 WHERE id = $1`,
		id, truncateErr(procErr),
	)
	if err != nil {
		return fmt.Errorf("storage: mark pending review: %w", err)
	}
	return nil
}

// ReclaimStaleLeases returns events stuck in processing beyond the lease
// timeout to pending. Recovers from worker crashes mid-batch; checkpoints
// make the re-run idempotent.
func (db *DB) ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', processing_started_at = NULL
		 WHERE status = 'processing' AND processing_started_at < now() - $1::interval`,
		leaseTimeout,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reclaim stale leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxDepth returns the number of events awaiting processing.
func (db *DB) OutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE status IN ('pending', 'processing')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}

// OutboxOldestPendingAge returns the age of the oldest due pending event,
// or zero when the queue is empty.
func (db *DB) OutboxOldestPendingAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT min(created_at) FROM outbox_events WHERE status = 'pending'`,
	).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox oldest pending age: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

// GetOutboxEventByMemory returns the latest outbox event for a memory,
// used by the memory status endpoint to expose processing progress.
func (db *DB) GetOutboxEventByMemory(ctx context.Context, userID, memoryID uuid.UUID) (model.OutboxEvent, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM outbox_events
		 WHERE memory_id = $1 AND user_id = $2
		 ORDER BY id DESC LIMIT 1`, outboxColumns),
		memoryID, userID,
	)
	ev, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutboxEvent{}, ErrNotFound
		}
		return model.OutboxEvent{}, fmt.Errorf("storage: get outbox event by memory: %w", err)
	}
	return ev, nil
}

// InsertDeleteEvents enqueues delete events for the given memories inside
// the provided transaction, so the deletion request and its sink propagation
// commit atomically.
func (db *DB) insertDeleteEvents(ctx context.Context, tx pgx.Tx, userID uuid.UUID, records []model.AffectedRecord) error {
	for _, rec := range records {
		payload := model.OutboxPayload{
			MemoryID:         rec.MemoryID,
			UserID:           userID,
			VectorPrimaryIDs: []uuid.UUID{rec.VectorPrimaryID},
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO outbox_events (event_id, memory_id, user_id, kind, payload, status)
			 VALUES ($1, $2, $3, 'delete', $4, 'pending')`,
			uuid.New(), rec.MemoryID, userID, payload,
		); err != nil {
			return fmt.Errorf("storage: insert delete event: %w", err)
		}
	}
	return nil
}

func scanOutboxEvents(rows pgx.Rows) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanOutboxEvent(row pgx.Row) (model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := row.Scan(&ev.ID, &ev.EventID, &ev.MemoryID, &ev.UserID, &ev.Kind, &ev.Payload,
		&ev.Status, &ev.RetryCount, &ev.IdempotencyKey, &ev.CreatedAt,
		&ev.ProcessingStartedAt, &ev.ProcessedAt, &ev.VectorWrittenAt, &ev.GraphWrittenAt,
		&ev.ErrorMessage)
	return ev, err
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return msg
}

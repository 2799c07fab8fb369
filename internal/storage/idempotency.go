package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IdempotencyResult describes the outcome of BeginIdempotent.
type IdempotencyResult struct {
	// Replay is true when a completed record exists; Response holds the
	// stored reply to return verbatim.
	Replay    bool
	MemoryID  *uuid.UUID
	ReplyHash string
	Response  []byte
}

// BeginIdempotent reserves an idempotency key for the current request.
// Scoped to (user_id, key): the same key from different users never collides.
// Returns a replay result when the key already completed within ttl,
// ErrIdempotencyInProgress when another request holds the reservation.
func (db *DB) BeginIdempotent(ctx context.Context, userID uuid.UUID, key string, ttl time.Duration) (IdempotencyResult, error) {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, idempotency_key, status)
		 VALUES ($1, $2, 'in_progress')`,
		userID, key,
	)
	if err == nil {
		return IdempotencyResult{}, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return IdempotencyResult{}, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}

	var res IdempotencyResult
	var status string
	var createdAt time.Time
	err = db.pool.QueryRow(ctx,
		`SELECT status, memory_id, COALESCE(reply_hash, ''), response, created_at
		 FROM idempotency_keys WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	).Scan(&status, &res.MemoryID, &res.ReplyHash, &res.Response, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row vanished between insert and select (concurrent cleanup); retry once.
			return db.BeginIdempotent(ctx, userID, key, ttl)
		}
		return IdempotencyResult{}, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}

	if time.Since(createdAt) > ttl {
		// Expired record: drop it and reserve fresh.
		if _, err := db.pool.Exec(ctx,
			`DELETE FROM idempotency_keys WHERE user_id = $1 AND idempotency_key = $2 AND created_at = $3`,
			userID, key, createdAt,
		); err != nil {
			return IdempotencyResult{}, fmt.Errorf("storage: expire idempotency key: %w", err)
		}
		return db.BeginIdempotent(ctx, userID, key, ttl)
	}

	if status == "in_progress" {
		return IdempotencyResult{}, ErrIdempotencyInProgress
	}
	res.Replay = true
	return res, nil
}

// CompleteIdempotent stores the final response against the key so replays
// within the TTL return the identical body.
func (db *DB) CompleteIdempotent(ctx context.Context, userID uuid.UUID, key string, memoryID uuid.UUID, replyHash string, response []byte) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', memory_id = $3, reply_hash = $4, response = $5, updated_at = now()
		 WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key, memoryID, replyHash, response,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency key: %w", err)
	}
	return nil
}

// ClearIdempotent drops an in_progress reservation after a failed request,
// allowing the client to retry with the same key.
func (db *DB) ClearIdempotent(ctx context.Context, userID uuid.UUID, key string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE user_id = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		userID, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency key: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes records older than ttl. Run periodically.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < now() - $1::interval`,
		ttl,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

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

// LatestAffinity returns the newest affinity row for a user, or ErrNotFound
// when no row exists yet (callers treat that as score 0 / stranger).
func (db *DB) LatestAffinity(ctx context.Context, userID uuid.UUID) (model.AffinityRecord, error) {
	rec, err := db.latestAffinity(ctx, db.pool, userID)
	if err != nil {
		return model.AffinityRecord{}, err
	}
	return rec, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) latestAffinity(ctx context.Context, q queryRower, userID uuid.UUID) (model.AffinityRecord, error) {
	var rec model.AffinityRecord
	err := q.QueryRow(ctx,
		`SELECT id, user_id, old_score, new_score, delta, trigger_event, signals, created_at
		 FROM affinity_history WHERE user_id = $1 ORDER BY id DESC LIMIT 1`,
		userID,
	).Scan(&rec.ID, &rec.UserID, &rec.OldScore, &rec.NewScore, &rec.Delta,
		&rec.TriggerEvent, &rec.Signals, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AffinityRecord{}, ErrNotFound
		}
		return model.AffinityRecord{}, fmt.Errorf("storage: latest affinity: %w", err)
	}
	return rec, nil
}

// AppendAffinity serializes an affinity update for one user. It takes a
// row lock on affinity_locks, reads the latest score under that lock, calls
// compute to derive the new row, and appends it. Concurrent turns therefore
// never compute from a stale old_score.
//
// touchInteraction updates last_interaction_at, which the silence sweep
// reads; silence-decay updates pass false so they do not reset their own clock.
func (db *DB) AppendAffinity(
	ctx context.Context,
	userID uuid.UUID,
	touchInteraction bool,
	compute func(oldScore float64) (newScore, delta float64, trigger string, signals model.AffinitySignals),
) (model.AffinityRecord, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AffinityRecord{}, fmt.Errorf("storage: begin affinity tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO affinity_locks (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return model.AffinityRecord{}, fmt.Errorf("storage: ensure affinity lock row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT user_id FROM affinity_locks WHERE user_id = $1 FOR UPDATE`,
		userID,
	); err != nil {
		return model.AffinityRecord{}, fmt.Errorf("storage: lock affinity row: %w", err)
	}

	oldScore := 0.0
	prev, err := db.latestAffinity(ctx, tx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.AffinityRecord{}, err
	}
	if err == nil {
		oldScore = prev.NewScore
	}

	newScore, delta, trigger, signals := compute(oldScore)

	rec := model.AffinityRecord{
		UserID:       userID,
		OldScore:     oldScore,
		NewScore:     newScore,
		Delta:        delta,
		TriggerEvent: trigger,
		Signals:      signals,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO affinity_history (user_id, old_score, new_score, delta, trigger_event, signals)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		userID, rec.OldScore, rec.NewScore, rec.Delta, rec.TriggerEvent, rec.Signals,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return model.AffinityRecord{}, fmt.Errorf("storage: append affinity: %w", err)
	}

	if touchInteraction {
		if _, err := tx.Exec(ctx,
			`UPDATE affinity_locks SET last_interaction_at = now() WHERE user_id = $1`,
			userID,
		); err != nil {
			return model.AffinityRecord{}, fmt.Errorf("storage: touch interaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AffinityRecord{}, fmt.Errorf("storage: commit affinity: %w", err)
	}
	return rec, nil
}

// TouchInteraction resets the silence clock without an affinity update,
// for turns that produce no affinity-relevant signals.
func (db *DB) TouchInteraction(ctx context.Context, userID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO affinity_locks (user_id, last_interaction_at) VALUES ($1, now())
		 ON CONFLICT (user_id) DO UPDATE SET last_interaction_at = now()`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch interaction: %w", err)
	}
	return nil
}

// AffinityHistory returns up to limit rows, newest first. A non-nil since
// drops rows created before it, which backs the ?days=N query filter.
func (db *DB) AffinityHistory(ctx context.Context, userID uuid.UUID, limit int, since *time.Time) ([]model.AffinityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, old_score, new_score, delta, trigger_event, signals, created_at
		 FROM affinity_history
		 WHERE user_id = $1 AND ($3::timestamptz IS NULL OR created_at >= $3)
		 ORDER BY id DESC LIMIT $2`,
		userID, limit, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: affinity history: %w", err)
	}
	defer rows.Close()

	var out []model.AffinityRecord
	for rows.Next() {
		var rec model.AffinityRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.OldScore, &rec.NewScore, &rec.Delta,
			&rec.TriggerEvent, &rec.Signals, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan affinity record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SilenceCandidate is a user due for silence decay.
type SilenceCandidate struct {
	UserID            uuid.UUID
	LastInteractionAt time.Time
	// LastDecayAt is the time of the most recent silence_decay affinity row
	// after the last interaction, if any. Decay is applied only for days not
	// yet accounted for.
	LastDecayAt *time.Time
}

// SilentUsers returns users whose last interaction is older than cutoff,
// with the timestamp of their latest silence-decay row so the sweep can
// charge each silent day exactly once.
func (db *DB) SilentUsers(ctx context.Context, cutoff time.Time) ([]SilenceCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.user_id, l.last_interaction_at,
		        (SELECT max(h.created_at) FROM affinity_history h
		         WHERE h.user_id = l.user_id
		           AND h.trigger_event = 'silence_decay'
		           AND h.created_at > l.last_interaction_at)
		 FROM affinity_locks l
		 WHERE l.last_interaction_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: silent users: %w", err)
	}
	defer rows.Close()

	var out []SilenceCandidate
	for rows.Next() {
		var c SilenceCandidate
		if err := rows.Scan(&c.UserID, &c.LastInteractionAt, &c.LastDecayAt); err != nil {
			return nil, fmt.Errorf("storage: scan silence candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

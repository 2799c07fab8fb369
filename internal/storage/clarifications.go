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

const clarificationColumns = `id, user_id, conflict_id, session_id, question, user_response,
	status, turns_waited, created_at, answered_at`

// CreateClarification opens a clarification subdialog for a conflict.
// Rate limited: at most one pending session per user within rateWindow.
// Returns ErrClarificationRateLimited when the window is occupied.
func (db *DB) CreateClarification(ctx context.Context, s model.ClarificationSession, rateWindow time.Duration) (model.ClarificationSession, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = model.ClarificationPending

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ClarificationSession{}, fmt.Errorf("storage: begin clarification tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var recent int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM clarification_sessions
		 WHERE user_id = $1 AND status = 'pending' AND created_at > now() - $2::interval`,
		s.UserID, rateWindow,
	).Scan(&recent)
	if err != nil {
		return model.ClarificationSession{}, fmt.Errorf("storage: count pending clarifications: %w", err)
	}
	if recent > 0 {
		return model.ClarificationSession{}, ErrClarificationRateLimited
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO clarification_sessions (id, user_id, conflict_id, session_id, question, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 RETURNING created_at`,
		s.ID, s.UserID, s.ConflictID, s.SessionID, s.Question,
	).Scan(&s.CreatedAt)
	if err != nil {
		return model.ClarificationSession{}, fmt.Errorf("storage: create clarification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ClarificationSession{}, fmt.Errorf("storage: commit clarification: %w", err)
	}
	return s, nil
}

// PendingClarification returns the user's pending session for a conversation
// session, if any. The next turn in that session is treated as the answer.
func (db *DB) PendingClarification(ctx context.Context, userID uuid.UUID, sessionID string) (model.ClarificationSession, error) {
	row := db.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM clarification_sessions
		 WHERE user_id = $1 AND session_id = $2 AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, clarificationColumns),
		userID, sessionID,
	)
	s, err := scanClarification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClarificationSession{}, ErrNotFound
		}
		return model.ClarificationSession{}, fmt.Errorf("storage: pending clarification: %w", err)
	}
	return s, nil
}

// AnswerClarification records the user's response and closes the session.
func (db *DB) AnswerClarification(ctx context.Context, id uuid.UUID, response string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE clarification_sessions
		 SET status = 'answered', user_response = $2, answered_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, response,
	)
	if err != nil {
		return fmt.Errorf("storage: answer clarification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpClarificationTurn counts one unanswered turn against a pending session
// and returns the updated count. The caller times out the session once the
// count reaches the configured limit.
func (db *DB) BumpClarificationTurn(ctx context.Context, id uuid.UUID) (int, error) {
	var turns int
	err := db.pool.QueryRow(ctx,
		`UPDATE clarification_sessions SET turns_waited = turns_waited + 1
		 WHERE id = $1 AND status = 'pending'
		 RETURNING turns_waited`,
		id,
	).Scan(&turns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: bump clarification turn: %w", err)
	}
	return turns, nil
}

// TimeoutClarification closes a session without an answer. The associated
// conflict stays pending; both memories keep surfacing with conflict hints.
func (db *DB) TimeoutClarification(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE clarification_sessions SET status = 'timeout'
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: timeout clarification: %w", err)
	}
	return nil
}

// SweepStaleClarifications times out pending sessions that have waited at
// least maxTurns turns or are older than maxAge. Returns the count closed.
func (db *DB) SweepStaleClarifications(ctx context.Context, maxTurns int, maxAge time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE clarification_sessions SET status = 'timeout'
		 WHERE status = 'pending' AND (turns_waited >= $1 OR created_at < now() - $2::interval)`,
		maxTurns, maxAge,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep stale clarifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanClarification(row pgx.Row) (model.ClarificationSession, error) {
	var s model.ClarificationSession
	err := row.Scan(&s.ID, &s.UserID, &s.ConflictID, &s.SessionID, &s.Question,
		&s.UserResponse, &s.Status, &s.TurnsWaited, &s.CreatedAt, &s.AnsweredAt)
	return s, err
}

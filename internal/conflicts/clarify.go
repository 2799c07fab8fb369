package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Clarifier runs the clarification subdialog: asking the user which of two
// conflicting memories holds, and resolving the conflict from the answer.
type Clarifier struct {
	db           *storage.DB
	rateWindow   time.Duration
	timeoutTurns int
	logger       *slog.Logger
}

// NewClarifier creates a clarifier. rateWindow bounds pending sessions to
// one per user per window; timeoutTurns closes sessions ignored that long.
func NewClarifier(db *storage.DB, rateWindow time.Duration, timeoutTurns int, logger *slog.Logger) *Clarifier {
	return &Clarifier{
		db:           db,
		rateWindow:   rateWindow,
		timeoutTurns: timeoutTurns,
		logger:       logger,
	}
}

// Question renders the clarification question for a conflict. Option 1 is
// always the older memory, option 2 the newer one; ParseChoice depends on
// this ordering.
func Question(older, newer model.Memory) string {
	return fmt.Sprintf(
		"I remember two things that seem to disagree. Earlier you told me %q, but more recently you said %q. Which one is true now? (1: the first, 2: the second)",
		older.Content, newer.Content)
}

// Open creates a pending clarification session for a conflict, subject to
// the per-user rate limit. Returns storage.ErrClarificationRateLimited when
// the window is occupied; callers skip clarification and fall back to
// surfacing the conflict in the reply prompt.
func (c *Clarifier) Open(ctx context.Context, userID uuid.UUID, sessionID string, conflict model.MemoryConflict, older, newer model.Memory) (model.ClarificationSession, error) {
	session, err := c.db.CreateClarification(ctx, model.ClarificationSession{
		UserID:     userID,
		ConflictID: conflict.ID,
		SessionID:  sessionID,
		Question:   Question(older, newer),
	}, c.rateWindow)
	if err != nil {
		return model.ClarificationSession{}, err
	}
	c.logger.Info("conflicts: clarification opened",
		"user_id", userID, "conflict_id", conflict.ID, "clarification_id", session.ID)
	return session, nil
}

// Pending returns the user's outstanding clarification in this conversation
// session, if any.
func (c *Clarifier) Pending(ctx context.Context, userID uuid.UUID, sessionID string) (model.ClarificationSession, bool, error) {
	session, err := c.db.PendingClarification(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ClarificationSession{}, false, nil
		}
		return model.ClarificationSession{}, false, err
	}
	return session, true, nil
}

// Choice is the parsed answer to a clarification question.
type Choice int

const (
	// ChoiceUnclear means the answer picked neither option.
	ChoiceUnclear Choice = iota
	// ChoiceFirst picks the older memory (option 1).
	ChoiceFirst
	// ChoiceSecond picks the newer memory (option 2).
	ChoiceSecond
)

// ParseChoice reads a free-text answer against the two-option question.
func ParseChoice(response string) Choice {
	r := strings.ToLower(strings.TrimSpace(response))

	firstMarkers := []string{"first", "older", "option 1", "第一", "前者"}
	secondMarkers := []string{"second", "newer", "latest", "option 2", "第二", "后者"}

	for _, m := range secondMarkers {
		if strings.Contains(r, m) {
			return ChoiceSecond
		}
	}
	for _, m := range firstMarkers {
		if strings.Contains(r, m) {
			return ChoiceFirst
		}
	}
	// Bare numerals.
	switch strings.Trim(r, ".!。!") {
	case "1", "一":
		return ChoiceFirst
	case "2", "二":
		return ChoiceSecond
	}
	return ChoiceUnclear
}

// ProcessResponse closes a pending clarification with the user's answer and
// resolves the underlying conflict. A clear choice resolves via
// user_clarified; an unclear answer falls back to preferring the newer
// memory via time_priority. Returns the preferred memory id.
func (c *Clarifier) ProcessResponse(ctx context.Context, userID uuid.UUID, session model.ClarificationSession, response string) (uuid.UUID, error) {
	conflict, err := c.db.GetConflict(ctx, userID, session.ConflictID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("conflicts: load conflict for clarification: %w", err)
	}

	// Memory1 is the older side, Memory2 the newer (detection order).
	preferred := conflict.Memory2ID
	method := model.ResolutionTimePriority
	switch ParseChoice(response) {
	case ChoiceFirst:
		preferred = conflict.Memory1ID
		method = model.ResolutionUserClarified
	case ChoiceSecond:
		preferred = conflict.Memory2ID
		method = model.ResolutionUserClarified
	}

	if err := c.db.AnswerClarification(ctx, session.ID, response); err != nil {
		return uuid.Nil, fmt.Errorf("conflicts: answer clarification: %w", err)
	}
	if err := c.db.ResolveConflict(ctx, userID, conflict.ID, preferred, method); err != nil {
		return uuid.Nil, fmt.Errorf("conflicts: resolve conflict: %w", err)
	}

	c.logger.Info("conflicts: resolved via clarification",
		"user_id", userID, "conflict_id", conflict.ID,
		"preferred_memory_id", preferred, "method", method)
	return preferred, nil
}

// NoteUnansweredTurn counts a turn that ignored the pending question.
// After timeoutTurns the session times out; the conflict stays pending and
// eligible for future detection.
func (c *Clarifier) NoteUnansweredTurn(ctx context.Context, session model.ClarificationSession) error {
	turns, err := c.db.BumpClarificationTurn(ctx, session.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if turns >= c.timeoutTurns {
		if err := c.db.TimeoutClarification(ctx, session.ID); err != nil {
			return err
		}
		c.logger.Info("conflicts: clarification timed out",
			"clarification_id", session.ID, "turns_waited", turns)
	}
	return nil
}

// Package affinity maintains the per-user relationship score in [-1, 1]
// and its discrete state ladder. Updates are append-only history rows,
// serialized per user by the storage layer so concurrent turns never race.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Trigger events recorded on affinity history rows.
const (
	TriggerConversationTurn = "conversation_turn"
	TriggerSilenceDecay     = "silence_decay"
)

// Delta computes the score change for one set of signals:
//
//	Δ = 0.01·[user_initiated] + 0.005·max(0, valence) + 0.01·[memory_confirmation]
//	    − 0.02·[correction] − 0.01·[valence < −0.5] − 0.005·silence_days
func Delta(s model.AffinitySignals) float64 {
	var d float64
	if s.UserInitiated {
		d += 0.01
	}
	d += 0.005 * math.Max(0, s.EmotionValence)
	if s.MemoryConfirmation {
		d += 0.01
	}
	if s.Correction {
		d -= 0.02
	}
	if s.EmotionValence < -0.5 {
		d -= 0.01
	}
	d -= 0.005 * s.SilenceDays
	return d
}

// Clamp bounds a score to [-1, 1].
func Clamp(score float64) float64 {
	return math.Max(-1, math.Min(1, score))
}

// Service applies affinity updates and caches the latest score per user.
// The cache only serves reads on the hot path (retrieval re-ranking, tier
// routing); every write goes through Postgres and refreshes it.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]model.AffinityRecord
}

// New creates the affinity service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
		cache:  make(map[uuid.UUID]model.AffinityRecord),
	}
}

// Current returns the user's latest record. Users with no history are
// strangers at score 0.
func (s *Service) Current(ctx context.Context, userID uuid.UUID) (model.AffinityRecord, error) {
	s.mu.RLock()
	rec, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := s.db.LatestAffinity(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.AffinityRecord{UserID: userID}, nil
		}
		return model.AffinityRecord{}, fmt.Errorf("affinity: load current: %w", err)
	}

	s.mu.Lock()
	s.cache[userID] = rec
	s.mu.Unlock()
	return rec, nil
}

// ApplyTurn records a conversation turn's signals and resets the silence
// clock. SilenceDays in signals is ignored here; silence is charged only by
// the daily sweep.
func (s *Service) ApplyTurn(ctx context.Context, userID uuid.UUID, signals model.AffinitySignals) (model.AffinityRecord, error) {
	signals.SilenceDays = 0
	return s.apply(ctx, userID, TriggerConversationTurn, true, signals)
}

// ApplySilence charges silentDays of absence against the user's score.
func (s *Service) ApplySilence(ctx context.Context, userID uuid.UUID, silentDays float64) (model.AffinityRecord, error) {
	return s.apply(ctx, userID, TriggerSilenceDecay, false, model.AffinitySignals{SilenceDays: silentDays})
}

func (s *Service) apply(ctx context.Context, userID uuid.UUID, trigger string, touch bool, signals model.AffinitySignals) (model.AffinityRecord, error) {
	// The append takes a per-user row lock; concurrent turns can deadlock
	// against the silence sweep, so retry transient conflicts.
	var rec model.AffinityRecord
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		rec, err = s.db.AppendAffinity(ctx, userID, touch,
			func(oldScore float64) (float64, float64, string, model.AffinitySignals) {
				d := Delta(signals)
				return Clamp(oldScore + d), d, trigger, signals
			})
		return err
	})
	if err != nil {
		return model.AffinityRecord{}, fmt.Errorf("affinity: apply %s: %w", trigger, err)
	}

	s.mu.Lock()
	s.cache[userID] = rec
	s.mu.Unlock()

	s.logger.Debug("affinity: updated",
		"user_id", userID, "trigger", trigger,
		"old_score", rec.OldScore, "new_score", rec.NewScore, "state", rec.State())
	return rec, nil
}

// History returns the newest limit rows for a user. A non-nil since bounds
// the window.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int, since *time.Time) ([]model.AffinityRecord, error) {
	return s.db.AffinityHistory(ctx, userID, limit, since)
}

// RunSilenceSweep charges silence decay for every user whose last
// interaction is older than a day, counting only days not yet charged by a
// previous sweep. Intended to run daily.
func (s *Service) RunSilenceSweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-24 * time.Hour)
	candidates, err := s.db.SilentUsers(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("affinity: silence sweep: %w", err)
	}

	applied := 0
	for _, c := range candidates {
		since := c.LastInteractionAt
		if c.LastDecayAt != nil && c.LastDecayAt.After(since) {
			since = *c.LastDecayAt
		}
		days := math.Floor(time.Since(since).Hours() / 24)
		if days < 1 {
			continue
		}
		if _, err := s.ApplySilence(ctx, c.UserID, days); err != nil {
			s.logger.Error("affinity: silence decay failed", "user_id", c.UserID, "error", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		s.logger.Info("affinity: silence sweep applied", "users", applied)
	}
	return applied, nil
}

// Invalidate drops a user's cached record, forcing the next read through
// Postgres. Called after deletions touch affinity-adjacent state.
func (s *Service) Invalidate(userID uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

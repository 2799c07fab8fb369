package model

import (
	"time"

	"github.com/google/uuid"
)

// AffinityState is the discrete label derived from the affinity score.
type AffinityState string

const (
	StateStranger     AffinityState = "stranger"
	StateAcquaintance AffinityState = "acquaintance"
	StateFriend       AffinityState = "friend"
	StateCloseFriend  AffinityState = "close_friend"
	StateBestFriend   AffinityState = "best_friend"
)

// AffinityStateFor maps a score in [-1,1] to its discrete state.
func AffinityStateFor(score float64) AffinityState {
	switch {
	case score < 0:
		return StateStranger
	case score < 0.3:
		return StateAcquaintance
	case score < 0.5:
		return StateFriend
	case score < 0.7:
		return StateCloseFriend
	default:
		return StateBestFriend
	}
}

// AffinitySignals are the per-turn (or per-day, for silence) inputs to the
// affinity update rule.
type AffinitySignals struct {
	UserInitiated      bool    `json:"user_initiated"`
	EmotionValence     float64 `json:"emotion_valence"`
	MemoryConfirmation bool    `json:"memory_confirmation"`
	Correction         bool    `json:"correction"`
	SilenceDays        float64 `json:"silence_days"`
}

// AffinityRecord is one append-only row of the per-user affinity history.
// The latest row is the current state.
type AffinityRecord struct {
	ID           int64           `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	OldScore     float64         `json:"old_score"`
	NewScore     float64         `json:"new_score"`
	Delta        float64         `json:"delta"`
	TriggerEvent string          `json:"trigger_event"`
	Signals      AffinitySignals `json:"signals"`
	CreatedAt    time.Time       `json:"created_at"`
}

// State returns the discrete label for the record's new score.
func (r AffinityRecord) State() AffinityState {
	return AffinityStateFor(r.NewScore)
}

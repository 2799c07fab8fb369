package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kokoro-ai/kokoro/internal/model"
)

func TestDelta(t *testing.T) {
	tests := []struct {
		name    string
		signals model.AffinitySignals
		want    float64
	}{
		{"no signals", model.AffinitySignals{}, 0},
		{"user initiated", model.AffinitySignals{UserInitiated: true}, 0.01},
		{"positive valence", model.AffinitySignals{EmotionValence: 0.8}, 0.004},
		{"negative valence below threshold", model.AffinitySignals{EmotionValence: -0.3}, 0},
		{"strong negative valence", model.AffinitySignals{EmotionValence: -0.8}, -0.01},
		{"confirmation", model.AffinitySignals{MemoryConfirmation: true}, 0.01},
		{"correction", model.AffinitySignals{Correction: true}, -0.02},
		{"two weeks of silence", model.AffinitySignals{SilenceDays: 14}, -0.07},
		{
			"good turn",
			model.AffinitySignals{UserInitiated: true, EmotionValence: 1, MemoryConfirmation: true},
			0.01 + 0.005 + 0.01,
		},
		{
			"bad turn",
			model.AffinitySignals{UserInitiated: true, EmotionValence: -0.9, Correction: true},
			0.01 - 0.02 - 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Delta(tt.signals), 1e-9)
		})
	}
}

func TestDelta_Monotonicity(t *testing.T) {
	base := model.AffinitySignals{UserInitiated: true, EmotionValence: 0.5}

	withCorrection := base
	withCorrection.Correction = true
	assert.Less(t, Delta(withCorrection), Delta(base),
		"a correction must strictly decrease the delta")

	assert.Positive(t, Delta(base),
		"user-initiated with positive valence must strictly increase the score")
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, -1.0, Clamp(-1.5))
	assert.Equal(t, 0.42, Clamp(0.42))
}

func TestClamp_BoundsUnderAnySequence(t *testing.T) {
	// Score stays inside [-1, 1] no matter how many times a signal repeats.
	score := 0.0
	for i := 0; i < 1000; i++ {
		score = Clamp(score + Delta(model.AffinitySignals{Correction: true}))
	}
	assert.Equal(t, -1.0, score)
	assert.Equal(t, model.StateStranger, model.AffinityStateFor(score))

	for i := 0; i < 5000; i++ {
		score = Clamp(score + Delta(model.AffinitySignals{UserInitiated: true, EmotionValence: 1}))
	}
	assert.Equal(t, 1.0, score)
	assert.Equal(t, model.StateBestFriend, model.AffinityStateFor(score))
}

func TestStateLadder(t *testing.T) {
	tests := []struct {
		score float64
		want  model.AffinityState
	}{
		{-0.01, model.StateStranger},
		{0, model.StateAcquaintance},
		{0.29, model.StateAcquaintance},
		{0.3, model.StateFriend},
		{0.49, model.StateFriend},
		{0.5, model.StateCloseFriend},
		{0.69, model.StateCloseFriend},
		{0.7, model.StateBestFriend},
		{1, model.StateBestFriend},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.AffinityStateFor(tt.score), "score %v", tt.score)
	}
}

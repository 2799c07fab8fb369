package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantPrimary Emotion
		wantSign    int // -1, 0, +1
	}{
		{"positive", "I love hiking in the mountains", EmotionJoy, +1},
		{"strong negative", "I hate mondays, they are awful", EmotionAnger, -1},
		{"sadness", "I feel so lonely and sad today", EmotionSadness, -1},
		{"fear", "I'm worried and anxious about the interview", EmotionFear, -1},
		{"neutral", "The train leaves at nine", EmotionNeutral, 0},
		{"negated positive", "I don't like coffee", EmotionSadness, -1},
		{"empty", "", EmotionNeutral, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Analyze(tt.message)
			assert.Equal(t, tt.wantPrimary, res.Primary)
			switch tt.wantSign {
			case +1:
				assert.Positive(t, res.Valence)
			case -1:
				assert.Negative(t, res.Valence)
			default:
				assert.Zero(t, res.Valence)
			}
		})
	}
}

func TestAnalyze_ValenceBounds(t *testing.T) {
	// Piling on strong words must not escape [-1, 1].
	res := Analyze("love love adore amazing wonderful happy excited")
	assert.LessOrEqual(t, res.Valence, 1.0)
	assert.GreaterOrEqual(t, res.Valence, -1.0)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestAnalyze_ConfidenceGrowsWithHits(t *testing.T) {
	one := Analyze("I like tea")
	three := Analyze("I love tea, it makes me happy and excited")
	assert.Greater(t, three.Confidence, one.Confidence)
}

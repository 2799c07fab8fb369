package graph

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEntityName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hiking", "hiking"},
		{"  hiking  ", "hiking"},
		{"Mount   Fuji", "mount fuji"},
		{"\tTokyo Tower\n", "tokyo tower"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEntityName(tt.in), "input %q", tt.in)
	}
}

func TestDecayFactor(t *testing.T) {
	halfLife := 30 * 24 * time.Hour

	assert.InDelta(t, 1.0, DecayFactor(0, halfLife), 1e-9)
	assert.InDelta(t, 0.5, DecayFactor(halfLife, halfLife), 1e-9)
	assert.InDelta(t, 0.25, DecayFactor(2*halfLife, halfLife), 1e-9)

	// Decay is strictly monotone in elapsed time.
	prev := math.Inf(1)
	for d := time.Duration(0); d <= 90*24*time.Hour; d += 24 * time.Hour {
		f := DecayFactor(d, halfLife)
		assert.Less(t, f, prev)
		prev = f
	}
}

func TestDecayFactor_ZeroHalfLife(t *testing.T) {
	// Guard: a misconfigured half-life must not zero out the graph.
	assert.Equal(t, 1.0, DecayFactor(time.Hour, 0))
}

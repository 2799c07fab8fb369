package conflicts

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
)

var testOpposites = []string{
	"like|dislike", "love|hate", "enjoy|avoid", "want|avoid",
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(nil, testOpposites, 0.8, slog.New(slog.DiscardHandler))
}

func mem(content string) model.Memory {
	return model.Memory{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		Content:    content,
		ObservedAt: time.Now(),
	}
}

func TestHeuristicTriples(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    model.Triple
	}{
		{
			"simple preference",
			"I love tea",
			model.Triple{Subject: "user", Predicate: "love", Object: "tea"},
		},
		{
			"negated preference",
			"I don't like coffee anymore",
			model.Triple{Subject: "user", Predicate: "like", Object: "coffee anymore", Negated: true},
		},
		{
			"intensifier stripped",
			"honestly I really enjoy hiking",
			model.Triple{Subject: "user", Predicate: "enjoy", Object: "hiking"},
		},
		{
			"filler suffix stripped",
			"I like coffee very much",
			model.Triple{Subject: "user", Predicate: "like", Object: "coffee"},
		},
		{
			"residence",
			"I live in tokyo now",
			model.Triple{Subject: "user", Predicate: "live_in", Object: "tokyo now"},
		},
		{
			"moving out",
			"I moved out of osaka last year",
			model.Triple{Subject: "user", Predicate: "move_out", Object: "osaka last year"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HeuristicTriples(tt.content)
			require.NotEmpty(t, got)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestHeuristicTriples_NoFirstPerson(t *testing.T) {
	assert.Empty(t, HeuristicTriples("the weather is nice today"))
	assert.Empty(t, HeuristicTriples("my sister loves tea"))
}

func TestDetect_OppositePreference(t *testing.T) {
	d := newTestDetector(t)

	oldMem := mem("I love tea")
	newMem := mem("I hate tea")
	newMem.UserID = oldMem.UserID

	found := d.Detect(context.Background(), newMem, []model.Memory{oldMem})
	require.Len(t, found, 1)

	c := found[0]
	assert.Equal(t, model.ConflictOpposite, c.ConflictType)
	assert.Equal(t, oldMem.ID, c.Memory1ID, "older memory goes first")
	assert.Equal(t, newMem.ID, c.Memory2ID)
	assert.GreaterOrEqual(t, c.Confidence, 0.8)
	assert.Contains(t, c.CommonTopic, "tea")
	assert.Equal(t, model.ConflictPending, c.Status)
}

func TestDetect_NegationCountsAsOpposite(t *testing.T) {
	d := newTestDetector(t)

	oldMem := mem("I like coffee")
	newMem := mem("I don't like coffee")
	newMem.UserID = oldMem.UserID

	found := d.Detect(context.Background(), newMem, []model.Memory{oldMem})
	require.Len(t, found, 1)
	assert.Equal(t, model.ConflictOpposite, found[0].ConflictType)
	// 0.5 + 0.25·0.8 (negation-derived) + 0.25·1.0 (same object) = 0.95
	assert.InDelta(t, 0.95, found[0].Confidence, 1e-9)
}

func TestDetect_DifferentTopicsNoConflict(t *testing.T) {
	d := newTestDetector(t)

	oldMem := mem("I love tea")
	newMem := mem("I hate mondays")
	newMem.UserID = oldMem.UserID

	assert.Empty(t, d.Detect(context.Background(), newMem, []model.Memory{oldMem}))
}

func TestDetect_SamePredicateNoConflict(t *testing.T) {
	d := newTestDetector(t)

	oldMem := mem("I love tea")
	newMem := mem("I really love tea")
	newMem.UserID = oldMem.UserID

	assert.Empty(t, d.Detect(context.Background(), newMem, []model.Memory{oldMem}))
}

func TestDetect_ExclusivePredicateContradiction(t *testing.T) {
	d := NewDetector(nil, testOpposites, 0.7, slog.New(slog.DiscardHandler))

	oldMem := mem("I live in tokyo")
	newMem := mem("I live in osaka")
	newMem.UserID = oldMem.UserID

	// Different cities never share object tokens, so overlap alone cannot
	// gate the pair. This documents the current limitation: the heuristic
	// path misses same-predicate moves; the LLM extractor normalizes the
	// object to the shared "residence" topic and catches them.
	found := d.Detect(context.Background(), newMem, []model.Memory{oldMem})
	assert.Empty(t, found)
}

func TestDetect_SkipsSelf(t *testing.T) {
	d := newTestDetector(t)
	m := mem("I love tea")
	assert.Empty(t, d.Detect(context.Background(), m, []model.Memory{m}))
}

func TestCompare_PicksHighestConfidencePair(t *testing.T) {
	d := newTestDetector(t)

	oldMem := mem("I love tea and I like green tea")
	newMem := mem("I hate tea")
	newMem.UserID = oldMem.UserID

	oldTriples := d.Triples(context.Background(), oldMem.Content)
	newTriples := d.Triples(context.Background(), newMem.Content)

	c, ok := d.Compare(newMem, oldMem, newTriples, oldTriples)
	require.True(t, ok)
	// love|hate with exact object beats like-vs-hate with partial overlap.
	assert.InDelta(t, 1.0, c.Confidence, 1e-9)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard(objectTokens("green tea"), objectTokens("green tea")))
	assert.Equal(t, 0.5, jaccard(objectTokens("green tea"), objectTokens("tea")))
	assert.Equal(t, 0.0, jaccard(objectTokens("tea"), objectTokens("coffee")))
	assert.Equal(t, 0.0, jaccard(objectTokens(""), objectTokens("tea")))
	assert.Equal(t, 1.0, jaccard(objectTokens("the tea"), objectTokens("tea")),
		"articles are not topic tokens")
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		response string
		want     Choice
	}{
		{"the first one", ChoiceFirst},
		{"1", ChoiceFirst},
		{"第一", ChoiceFirst},
		{"the second is right", ChoiceSecond},
		{"2", ChoiceSecond},
		{"第二个对", ChoiceSecond},
		{"the newer one", ChoiceSecond},
		{"hmm not sure", ChoiceUnclear},
		{"", ChoiceUnclear},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseChoice(tt.response))
		})
	}
}

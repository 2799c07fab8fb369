package retrieval

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/model"
)

func testEngine() *Engine {
	return &Engine{cfg: config.Config{
		Rerank: config.RerankWeights{
			Vector:   0.4,
			Edge:     0.3,
			Affinity: 0.2,
			Recency:  0.1,
		},
		RecencyBoostWindowDays: 7,
		RerankRecencyBoost:     0.15,
		TopKMin:                10,
		TopKMax:                20,
	}}
}

func TestRerank_ScoreComposition(t *testing.T) {
	e := testEngine()

	memID := uuid.New()
	entityID := uuid.New()
	m := model.Memory{
		ID:         memID,
		Content:    "I got the job",
		Valence:    0.9,
		ObservedAt: time.Now().Add(-48 * time.Hour),
	}

	got := e.rerank(
		[]model.Memory{m},
		map[uuid.UUID]float64{memID: 0.8},
		map[uuid.UUID][]uuid.UUID{memID: {entityID}},
		[]model.GraphFact{{SourceID: entityID, TargetID: uuid.New(), Weight: 0.6, HopDistance: 1}},
		0.5,
	)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, 0.8, c.VectorScore)
	assert.InDelta(t, 0.6, c.EdgeStrength, 1e-9)
	assert.Equal(t, 0.5, c.AffinityBonus, "positive valence earns the affinity bonus")
	assert.InDelta(t, math.Exp(-2.0/30.0), c.Recency, 1e-3)

	want := 0.4*0.8 + 0.3*0.6 + 0.2*0.5 + 0.1*c.Recency + 0.15
	assert.InDelta(t, want, c.FinalScore, 1e-9, "two-day-old memory gets the recency boost")
}

func TestRerank_NoAffinityBonusForNegativeValence(t *testing.T) {
	e := testEngine()
	m := model.Memory{ID: uuid.New(), Valence: -0.7, ObservedAt: time.Now()}

	got := e.rerank([]model.Memory{m}, nil, nil, nil, 0.9)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].AffinityBonus)
}

func TestRerank_NegativeAffinityNeverPenalizes(t *testing.T) {
	e := testEngine()
	m := model.Memory{ID: uuid.New(), Valence: 0.8, ObservedAt: time.Now()}

	got := e.rerank([]model.Memory{m}, nil, nil, nil, -0.6)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].AffinityBonus, "bonus floors at zero for cold relationships")
}

func TestRerank_RecencyBoostWindow(t *testing.T) {
	e := testEngine()

	fresh := model.Memory{ID: uuid.New(), ObservedAt: time.Now().Add(-6 * 24 * time.Hour)}
	stale := model.Memory{ID: uuid.New(), ObservedAt: time.Now().Add(-8 * 24 * time.Hour)}

	got := e.rerank([]model.Memory{fresh, stale}, nil, nil, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, fresh.ID, got[0].Memory.ID)

	// The boosted memory leads by at least the flat boost minus the small
	// recency-curve difference between day 6 and day 8.
	assert.Greater(t, got[0].FinalScore-got[1].FinalScore, 0.1)
}

func TestRerank_EdgeStrengthAttenuatesByHop(t *testing.T) {
	e := testEngine()

	nearID, farID := uuid.New(), uuid.New()
	near := model.Memory{ID: uuid.New(), ObservedAt: time.Now()}
	far := model.Memory{ID: uuid.New(), ObservedAt: time.Now()}

	facts := []model.GraphFact{
		{SourceID: nearID, TargetID: uuid.New(), Weight: 0.8, HopDistance: 1},
		{SourceID: farID, TargetID: uuid.New(), Weight: 0.8, HopDistance: 2},
	}
	bridge := map[uuid.UUID][]uuid.UUID{
		near.ID: {nearID},
		far.ID:  {farID},
	}

	got := e.rerank([]model.Memory{near, far}, nil, bridge, facts, 0)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].Memory.ID)
	assert.InDelta(t, 0.8, got[0].EdgeStrength, 1e-6)
	assert.InDelta(t, 0.4, got[1].EdgeStrength, 1e-6)
}

func TestRerank_OrderIsDeterministic(t *testing.T) {
	e := testEngine()

	older := model.Memory{ID: uuid.New(), ObservedAt: time.Now().Add(-time.Hour)}
	newer := model.Memory{ID: uuid.New(), ObservedAt: time.Now()}

	// Identical scores resolve by observed_at, newest first.
	got := e.rerank([]model.Memory{older, newer}, nil, nil, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].Memory.ID)
}

func TestClampTopK(t *testing.T) {
	e := testEngine()
	assert.Equal(t, 10, e.clampTopK(0))
	assert.Equal(t, 10, e.clampTopK(5))
	assert.Equal(t, 15, e.clampTopK(15))
	assert.Equal(t, 20, e.clampTopK(100))
}

func TestDedupFacts(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	facts := []model.GraphFact{
		{SourceID: a, RelationType: "likes", TargetID: b, Weight: 0.9},
		{SourceID: a, RelationType: "likes", TargetID: b, Weight: 0.5},
		{SourceID: b, RelationType: "located_in", TargetID: c, Weight: 0.7},
	}

	got := dedupFacts(facts, 20)
	require.Len(t, got, 2)
	assert.Equal(t, float32(0.9), got[0].Weight, "first occurrence wins")

	assert.Len(t, dedupFacts(facts, 1), 1)
}

func TestMessageTerms(t *testing.T) {
	terms := messageTerms("What did I say about the new ramen shop in Tokyo?")
	assert.Contains(t, terms, "ramen")
	assert.Contains(t, terms, "shop")
	assert.Contains(t, terms, "tokyo")
	assert.NotContains(t, terms, "what")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "i")
}

func TestInferRelationTypes(t *testing.T) {
	types := inferRelationTypes(messageTerms("Where do I live now?"))
	assert.Contains(t, types, "live_in")
	assert.Contains(t, types, "lives_in")

	types = inferRelationTypes(messageTerms("Where does my sister work?"))
	assert.Contains(t, types, "works_at")

	// A verb with no topic around it gives the graph nothing to match on.
	assert.Empty(t, inferRelationTypes([]string{"like"}))

	assert.Empty(t, inferRelationTypes(messageTerms("Tell me something nice.")))
}

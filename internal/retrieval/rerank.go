package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// recencyTauDays sets the e-folding time of the recency factor:
// exp(-age_days / 30).
const recencyTauDays = 30.0

// rerank fuses the four ranking factors into a final score per memory:
//
//	final = w_vec·vector + w_edge·edge + w_aff·affinity_bonus + w_rec·recency
//
// plus a flat boost for memories inside the recency-boost window. The
// affinity bonus rewards positive memories for users with a warm
// relationship; negative or neutral memories get none.
func (e *Engine) rerank(memories []model.Memory, vectorScores map[uuid.UUID]float64, entityByMemory map[uuid.UUID][]uuid.UUID, facts []model.GraphFact, affinityScore float64) []Candidate {
	now := time.Now()
	strength := entityStrengths(facts)
	boostWindow := float64(e.cfg.RecencyBoostWindowDays)

	affBonus := math.Max(0, affinityScore)

	out := make([]Candidate, 0, len(memories))
	for _, m := range memories {
		c := Candidate{
			Memory:      m,
			VectorScore: vectorScores[m.ID],
		}
		for _, entityID := range entityByMemory[m.ID] {
			if s := strength[entityID]; s > c.EdgeStrength {
				c.EdgeStrength = s
			}
		}
		if m.Valence > 0 {
			c.AffinityBonus = affBonus
		}

		age := ageDays(m.ObservedAt, now)
		c.Recency = math.Exp(-age / recencyTauDays)

		c.FinalScore = e.cfg.Rerank.Vector*c.VectorScore +
			e.cfg.Rerank.Edge*c.EdgeStrength +
			e.cfg.Rerank.Affinity*c.AffinityBonus +
			e.cfg.Rerank.Recency*c.Recency
		if age <= boostWindow {
			c.FinalScore += e.cfg.RerankRecencyBoost
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].Memory.ObservedAt.After(out[j].Memory.ObservedAt)
	})
	return out
}

// entityStrengths maps each entity appearing in the expansion to its best
// connection strength: edge weight attenuated by hop distance, so a 2-hop
// fact counts half as much as a direct one.
func entityStrengths(facts []model.GraphFact) map[uuid.UUID]float64 {
	strength := make(map[uuid.UUID]float64, 2*len(facts))
	for _, f := range facts {
		hop := f.HopDistance
		if hop < 1 {
			hop = 1
		}
		s := float64(f.Weight) / float64(hop)
		if s > strength[f.SourceID] {
			strength[f.SourceID] = s
		}
		if s > strength[f.TargetID] {
			strength[f.TargetID] = s
		}
	}
	return strength
}

// Package conflicts detects contradictions between a user's memories and
// runs the clarification protocol that resolves them.
package conflicts

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
)

// topicOverlapMin is the Jaccard floor below which two statements are not
// about the same thing, whatever their predicates.
const topicOverlapMin = 0.5

// Detector finds opposite-predicate conflicts between memory pairs.
type Detector struct {
	extractor *llm.Extractor // nil disables LLM extraction; heuristics still run
	opposites map[string]string
	threshold float64
	logger    *slog.Logger
}

// NewDetector creates a detector. oppositePairs are "a|b" entries from
// configuration; both directions are registered.
func NewDetector(extractor *llm.Extractor, oppositePairs []string, threshold float64, logger *slog.Logger) *Detector {
	opp := make(map[string]string, len(oppositePairs)*2)
	for _, pair := range oppositePairs {
		parts := strings.SplitN(pair, "|", 2)
		if len(parts) != 2 {
			continue
		}
		a, b := strings.ToLower(strings.TrimSpace(parts[0])), strings.ToLower(strings.TrimSpace(parts[1]))
		opp[a] = b
		opp[b] = a
	}
	return &Detector{
		extractor: extractor,
		opposites: opp,
		threshold: threshold,
		logger:    logger,
	}
}

// Triples extracts statements from a memory, preferring the LLM extractor
// and falling back to heuristics when it fails or finds nothing.
func (d *Detector) Triples(ctx context.Context, content string) []model.Triple {
	if d.extractor != nil {
		triples, err := d.extractor.ExtractTriples(ctx, content)
		if err != nil {
			d.logger.Debug("conflicts: llm triple extraction failed, using heuristics", "error", err)
		} else if len(triples) > 0 {
			return triples
		}
	}
	return HeuristicTriples(content)
}

// effectivePredicate folds negation into the predicate: a negated "like"
// becomes its configured opposite when one exists.
func (d *Detector) effectivePredicate(t model.Triple) (pred string, viaNegation bool) {
	if !t.Negated {
		return t.Predicate, false
	}
	if opp, ok := d.opposites[t.Predicate]; ok {
		return opp, true
	}
	return "not_" + t.Predicate, true
}

// Compare checks one memory pair for conflict. Returns the conflict and
// true when confidence clears the threshold.
func (d *Detector) Compare(newMem, oldMem model.Memory, newTriples, oldTriples []model.Triple) (model.MemoryConflict, bool) {
	best := model.MemoryConflict{}
	bestConfidence := 0.0

	for _, nt := range newTriples {
		for _, ot := range oldTriples {
			if nt.Subject != ot.Subject {
				continue
			}
			overlap := jaccard(objectTokens(nt.Object), objectTokens(ot.Object))
			if overlap < topicOverlapMin {
				continue
			}

			nPred, nNeg := d.effectivePredicate(nt)
			oPred, oNeg := d.effectivePredicate(ot)

			var conflictType model.ConflictType
			oppositeStrength := 0.0
			switch {
			case d.opposites[nPred] == oPred:
				conflictType = model.ConflictOpposite
				oppositeStrength = 1.0
				if nNeg || oNeg {
					// Negation-derived opposition is softer than an
					// explicit opposite word.
					oppositeStrength = 0.8
				}
			case nPred == oPred && nt.Object != ot.Object && exclusivePredicate(nPred):
				// Same exclusive predicate, different objects
				// ("live_in tokyo" vs "live_in osaka").
				conflictType = model.ConflictContradiction
				oppositeStrength = 0.8
			default:
				continue
			}

			confidence := 0.5 + 0.25*oppositeStrength + 0.25*overlap
			if confidence <= bestConfidence {
				continue
			}
			bestConfidence = confidence
			best = model.MemoryConflict{
				ID:           uuid.New(),
				UserID:       newMem.UserID,
				Memory1ID:    oldMem.ID,
				Memory2ID:    newMem.ID,
				ConflictType: conflictType,
				CommonTopic:  commonTopic(nt.Object, ot.Object),
				Confidence:   confidence,
				Status:       model.ConflictPending,
			}
		}
	}

	if bestConfidence < d.threshold {
		return model.MemoryConflict{}, false
	}
	return best, true
}

// Detect compares a new memory against candidate memories (typically the
// retrieval result set) and returns every pair clearing the confidence
// threshold. Persistence and pair dedup happen in storage.
func (d *Detector) Detect(ctx context.Context, newMem model.Memory, candidates []model.Memory) []model.MemoryConflict {
	newTriples := d.Triples(ctx, newMem.Content)
	if len(newTriples) == 0 {
		return nil
	}

	var found []model.MemoryConflict
	for _, cand := range candidates {
		if cand.ID == newMem.ID {
			continue
		}
		oldTriples := d.Triples(ctx, cand.Content)
		if len(oldTriples) == 0 {
			continue
		}
		if c, ok := d.Compare(newMem, cand, newTriples, oldTriples); ok {
			found = append(found, c)
		}
	}
	return found
}

// exclusivePredicate reports whether a predicate admits only one object at
// a time, making same-predicate different-object pairs contradictory.
func exclusivePredicate(pred string) bool {
	switch pred {
	case "live_in", "lives_in", "married_to":
		return true
	}
	return false
}

func commonTopic(a, b string) []string {
	set := objectTokens(a)
	var topics []string
	for tok := range objectTokens(b) {
		if set[tok] {
			topics = append(topics, tok)
		}
	}
	if len(topics) == 0 {
		// Contradictions share a predicate, not an object; keep both sides.
		topics = append(topics, strings.Fields(a)...)
		topics = append(topics, strings.Fields(b)...)
	}
	sort.Strings(topics)
	return topics
}

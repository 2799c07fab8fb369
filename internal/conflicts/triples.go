package conflicts

import (
	"regexp"
	"strings"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Heuristic triple extraction: a rule-based fallback used when the LLM
// extractor is unavailable or returns nothing. It only understands
// first-person statements; anything else yields no triples, which simply
// means no conflict detection for that memory.

var (
	// "I like X", "I really love X", "I don't like X"
	prefPattern = regexp.MustCompile(
		`(?i)\bi\s+(don'?t\s+|do\s+not\s+|never\s+)?(?:really\s+|truly\s+)?(like|love|hate|dislike|enjoy|adore|want|avoid|prefer)\s+([a-z0-9' ]+)`)

	// "I live in X", "I moved out of X", "I moved to X"
	placePattern = regexp.MustCompile(
		`(?i)\bi\s+(?:(live)\s+in|(moved?)\s+(?:out\s+of|away\s+from)|(moved?)\s+to)\s+([a-z0-9' ]+)`)

	// The object groups above are greedy, so content is split into clauses
	// first or "I love tea and I like hiking" collapses into one statement.
	clauseSplit = regexp.MustCompile(`(?i)[,.;!?。!?]+|\s+(?:and|but|because|though|although)\s+`)
)

// HeuristicTriples extracts (subject, predicate, object) statements from
// content using fixed first-person patterns, one pass per clause.
func HeuristicTriples(content string) []model.Triple {
	var out []model.Triple

	for _, clause := range clauseSplit.Split(content, -1) {
		for _, m := range prefPattern.FindAllStringSubmatch(clause, -1) {
			out = append(out, model.Triple{
				Subject:   "user",
				Predicate: strings.ToLower(m[2]),
				Object:    trimObject(m[3]),
				Negated:   strings.TrimSpace(m[1]) != "",
			})
		}

		for _, m := range placePattern.FindAllStringSubmatch(clause, -1) {
			pred := "live_in"
			switch {
			case m[1] != "": // live in
			case m[2] != "": // moved out of
				pred = "move_out"
			case m[3] != "": // moved to
			}
			out = append(out, model.Triple{
				Subject:   "user",
				Predicate: pred,
				Object:    trimObject(m[4]),
			})
		}
	}

	return out
}

func trimObject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Drop trailing filler so "coffee very much" and "coffee" compare equal.
	for _, suffix := range []string{" very much", " a lot", " so much"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.TrimSpace(s)
}

// objectTokens splits an object phrase into a token set for Jaccard overlap.
func objectTokens(object string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(object) {
		if tok == "the" || tok == "a" || tok == "an" || tok == "my" {
			continue
		}
		set[tok] = true
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over token sets. Empty sets overlap zero.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

package conversation

import (
	"strings"
	"unicode"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
)

// Tier routing is a closed rule list evaluated top to bottom. It never
// inspects retrieved memories or model output, so the choice is cheap and
// fully reproducible from the message, its valence, and the affinity state.
//
//	1. question mentioning a place or person  -> tier 1
//	2. any question                           -> tier 2
//	3. strong emotion (|valence| > 0.6)       -> tier 1
//	4. close relationship and a long message  -> tier 1
//	5. short message (< 20 chars)             -> tier 3
//	6. everything else                        -> tier 2
func RouteTier(message string, valence float64, state model.AffinityState) llm.Tier {
	msgLen := len([]rune(strings.TrimSpace(message)))
	question := isQuestion(message)

	switch {
	case question && mentionsPlaceOrPerson(message):
		return llm.Tier1
	case question:
		return llm.Tier2
	case valence > 0.6 || valence < -0.6:
		return llm.Tier1
	case (state == model.StateCloseFriend || state == model.StateBestFriend) && msgLen > 50:
		return llm.Tier1
	case msgLen < 20:
		return llm.Tier3
	default:
		return llm.Tier2
	}
}

var interrogatives = map[string]bool{
	"what": true, "when": true, "where": true, "who": true, "whom": true,
	"why": true, "how": true, "which": true,
	"do": true, "does": true, "did": true, "is": true, "are": true,
	"was": true, "were": true, "can": true, "could": true, "will": true,
	"would": true, "should": true, "have": true, "has": true,
}

func isQuestion(message string) bool {
	trimmed := strings.TrimSpace(message)
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
		return true
	}
	if strings.ContainsAny(trimmed, "吗呢") {
		return true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	return len(fields) > 0 && interrogatives[strings.Trim(fields[0], ",.!")]
}

// personNouns are relationship words that imply a person entity without a
// proper name.
var personNouns = map[string]bool{
	"mom": true, "mother": true, "dad": true, "father": true,
	"sister": true, "brother": true, "grandma": true, "grandpa": true,
	"wife": true, "husband": true, "boyfriend": true, "girlfriend": true,
	"friend": true, "friends": true, "boss": true, "teacher": true,
	"coworker": true, "colleague": true,
}

// placeNouns cover common unnamed locations.
var placeNouns = map[string]bool{
	"home": true, "work": true, "office": true, "school": true,
	"city": true, "town": true, "restaurant": true, "cafe": true,
	"shop": true, "store": true, "gym": true, "hospital": true,
}

// mentionsPlaceOrPerson reports whether the message names a person or place:
// a proper noun (capitalized token after the first word), a relationship
// word, or a common place word.
func mentionsPlaceOrPerson(message string) bool {
	fields := strings.Fields(message)
	for i, f := range fields {
		word := strings.Trim(f, ",.!?\"'()？！")
		if word == "" {
			continue
		}
		lower := strings.ToLower(word)
		if personNouns[lower] || placeNouns[lower] {
			return true
		}
		// Sentence-initial capitalization carries no signal; "I" is a
		// pronoun, not a name.
		if i > 0 && word != "I" && unicode.IsUpper([]rune(word)[0]) {
			return true
		}
	}
	return false
}

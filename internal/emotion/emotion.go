// Package emotion scores message sentiment with a keyword lexicon. It runs
// inline on the fast path, so it makes no external calls and allocates
// little; the result feeds affinity updates and tier routing.
package emotion

import (
	"strings"
	"unicode"
)

// Emotion is the primary emotion label of a message.
type Emotion string

const (
	EmotionJoy     Emotion = "joy"
	EmotionSadness Emotion = "sadness"
	EmotionAnger   Emotion = "anger"
	EmotionFear    Emotion = "fear"
	EmotionNeutral Emotion = "neutral"
)

// Result is the inline analysis of one message.
type Result struct {
	Primary Emotion `json:"primary_emotion"`
	// Valence is the overall sentiment in [-1, 1].
	Valence float64 `json:"valence"`
	// Confidence grows with the number of lexicon hits, capped at 1.
	Confidence float64 `json:"confidence"`
}

type lexiconEntry struct {
	emotion Emotion
	valence float64
}

// The lexicon is intentionally small: it covers the common emotional
// vocabulary of companion conversations, not general sentiment analysis.
var lexicon = map[string]lexiconEntry{
	// joy
	"love":      {EmotionJoy, 0.9},
	"adore":     {EmotionJoy, 0.9},
	"like":      {EmotionJoy, 0.5},
	"enjoy":     {EmotionJoy, 0.6},
	"happy":     {EmotionJoy, 0.8},
	"glad":      {EmotionJoy, 0.6},
	"excited":   {EmotionJoy, 0.8},
	"great":     {EmotionJoy, 0.6},
	"wonderful": {EmotionJoy, 0.8},
	"amazing":   {EmotionJoy, 0.8},
	"fun":       {EmotionJoy, 0.6},
	"thanks":    {EmotionJoy, 0.5},
	"thank":     {EmotionJoy, 0.5},

	// sadness
	"sad":          {EmotionSadness, -0.7},
	"unhappy":      {EmotionSadness, -0.6},
	"lonely":       {EmotionSadness, -0.7},
	"miss":         {EmotionSadness, -0.5},
	"cry":          {EmotionSadness, -0.7},
	"depressed":    {EmotionSadness, -0.9},
	"tired":        {EmotionSadness, -0.4},
	"exhausted":    {EmotionSadness, -0.6},
	"disappointed": {EmotionSadness, -0.6},

	// anger
	"hate":      {EmotionAnger, -0.9},
	"angry":     {EmotionAnger, -0.8},
	"furious":   {EmotionAnger, -0.9},
	"annoyed":   {EmotionAnger, -0.6},
	"annoying":  {EmotionAnger, -0.6},
	"terrible":  {EmotionAnger, -0.7},
	"awful":     {EmotionAnger, -0.7},
	"dislike":   {EmotionAnger, -0.5},
	"frustrate": {EmotionAnger, -0.6},

	// fear
	"afraid":   {EmotionFear, -0.7},
	"scared":   {EmotionFear, -0.7},
	"worried":  {EmotionFear, -0.6},
	"anxious":  {EmotionFear, -0.6},
	"nervous":  {EmotionFear, -0.5},
	"panic":    {EmotionFear, -0.8},
	"stressed": {EmotionFear, -0.6},
}

// negators invert the valence of the word that follows them.
var negators = map[string]bool{
	"not":    true,
	"don't":  true,
	"dont":   true,
	"doesnt": true,
	"never":  true,
	"no":     true,
	"didnt":  true,
	"cant":   true,
	"won't":  true,
	"wont":   true,
}

// Analyze scores message content. Messages with no lexicon hits come back
// neutral with zero confidence.
func Analyze(message string) Result {
	words := tokenize(message)

	var valenceSum float64
	hits := 0
	counts := map[Emotion]int{}

	negate := false
	for _, w := range words {
		if negators[w] {
			negate = true
			continue
		}
		entry, ok := lexicon[w]
		if !ok {
			negate = false
			continue
		}
		v := entry.valence
		if negate {
			v = -v
			negate = false
		}
		valenceSum += v
		hits++
		counts[entry.emotion]++
	}

	if hits == 0 {
		return Result{Primary: EmotionNeutral}
	}

	valence := valenceSum / float64(hits)
	if valence > 1 {
		valence = 1
	}
	if valence < -1 {
		valence = -1
	}

	primary := EmotionNeutral
	best := 0
	for _, e := range []Emotion{EmotionJoy, EmotionSadness, EmotionAnger, EmotionFear} {
		if counts[e] > best {
			best = counts[e]
			primary = e
		}
	}
	// A negated hit can flip sentiment away from its source emotion; trust
	// the sign of the aggregate over the label when they disagree hard.
	if primary == EmotionJoy && valence < 0 {
		primary = EmotionSadness
	}

	confidence := float64(hits) * 0.25
	if confidence > 1 {
		confidence = 1
	}
	return Result{Primary: primary, Valence: valence, Confidence: confidence}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

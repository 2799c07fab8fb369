package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Extractor wraps a Client with the structured-extraction prompts used by
// the slow path. Extraction always runs on the dedicated extract model.
type Extractor struct {
	client Client
}

// NewExtractor creates an extractor over client.
func NewExtractor(client Client) *Extractor {
	return &Extractor{client: client}
}

const graphExtractionSystem = `You extract entities and relations from a single user statement.
Respond with JSON only, matching this schema:
{"entities":[{"name":"...","type":"person|location|concept|event|object|organization"}],
 "relations":[{"source":"...","target":"...","type":"..."}]}
Rules:
- Entities are concrete things the user mentions. The user themselves is the entity "user" of type person.
- Relation types are short lowercase verbs or verb phrases (like, live_in, works_at, dislikes).
- Relation source and target must be names from the entities list.
- Emit empty arrays when nothing can be extracted.`

// ExtractGraph pulls entities and relations from memory content. Unknown
// entity types are coerced to concept rather than rejected.
func (e *Extractor) ExtractGraph(ctx context.Context, content string) (model.Extraction, error) {
	var ext model.Extraction
	err := e.client.CompleteJSON(ctx, []Message{
		{Role: RoleSystem, Content: graphExtractionSystem},
		{Role: RoleUser, Content: content},
	}, &ext)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("llm: extract graph: %w", err)
	}

	for i := range ext.Entities {
		ext.Entities[i].Name = strings.TrimSpace(ext.Entities[i].Name)
		if !model.KnownEntityType(ext.Entities[i].Type) {
			ext.Entities[i].Type = model.EntityConcept
		}
	}
	return ext, nil
}

const tripleExtractionSystem = `You extract subject-predicate-object statements about the user from one sentence.
Respond with JSON only: {"triples":[{"subject":"...","predicate":"...","object":"...","negated":false}]}
Rules:
- Subject is almost always "user".
- Predicate is a short lowercase verb (like, dislike, love, hate, live_in, want, avoid).
- Negations ("I don't like X") keep the positive predicate and set negated=true.
- Emit an empty array when the sentence states no fact about the user.`

type tripleEnvelope struct {
	Triples []model.Triple `json:"triples"`
}

// ExtractTriples pulls user-fact triples from content for conflict
// detection. Callers fall back to heuristic extraction on failure.
func (e *Extractor) ExtractTriples(ctx context.Context, content string) ([]model.Triple, error) {
	var env tripleEnvelope
	err := e.client.CompleteJSON(ctx, []Message{
		{Role: RoleSystem, Content: tripleExtractionSystem},
		{Role: RoleUser, Content: content},
	}, &env)
	if err != nil {
		return nil, fmt.Errorf("llm: extract triples: %w", err)
	}

	out := env.Triples[:0]
	for _, t := range env.Triples {
		t.Subject = strings.ToLower(strings.TrimSpace(t.Subject))
		t.Predicate = strings.ToLower(strings.TrimSpace(t.Predicate))
		t.Object = strings.ToLower(strings.TrimSpace(t.Object))
		if t.Predicate == "" || t.Object == "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

package model

// Triple is a (subject, predicate, object) statement extracted from a
// memory's content, used by conflict detection. Negated marks statements
// like "I don't like X", which invert the predicate for comparison.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Negated   bool   `json:"negated,omitempty"`
}

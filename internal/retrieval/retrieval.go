// Package retrieval implements hybrid memory recall: vector similarity over
// Qdrant, graph expansion over the Postgres knowledge graph, and a weighted
// re-rank that fuses both with affinity and recency.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

const (
	// minVectorCandidates is the floor on the raw vector fetch; the actual
	// fetch is max(minVectorCandidates, candidateMultiplier * topK).
	minVectorCandidates = 50
	candidateMultiplier = 5

	// maxFacts caps the graph facts returned alongside memories.
	maxFacts = 20

	// graphExpandLimit bounds the raw expansion before fact dedup.
	graphExpandLimit = 64
)

// Candidate is one re-ranked memory with its score breakdown.
type Candidate struct {
	Memory        model.Memory `json:"memory"`
	VectorScore   float64      `json:"vector_score"`
	EdgeStrength  float64      `json:"edge_strength"`
	AffinityBonus float64      `json:"affinity_bonus"`
	Recency       float64      `json:"recency"`
	FinalScore    float64      `json:"final_score"`
}

// Result is the full retrieval output for one conversation turn.
type Result struct {
	Memories      []Candidate            `json:"memories"`
	Facts         []model.GraphFact      `json:"facts"`
	ConflictHints []model.MemoryConflict `json:"conflict_hints"`
}

// Engine runs retrieval. It owns no state beyond its dependencies.
type Engine struct {
	db       *storage.DB
	index    search.Index
	graph    *graph.Store
	embedder embedding.Provider
	affinity *affinity.Service
	cfg      config.Config
	logger   *slog.Logger
}

// NewEngine creates a retrieval engine. index may be nil only when
// cfg.GraphOnlyMode is set.
func NewEngine(db *storage.DB, index search.Index, gs *graph.Store, embedder embedding.Provider, aff *affinity.Service, cfg config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		db:       db,
		index:    index,
		graph:    gs,
		embedder: embedder,
		affinity: aff,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve recalls memories and graph facts relevant to message. topK is
// clamped to the configured bounds. In graph-only mode the vector store is
// never touched; recall runs purely off entity-name seeds.
func (e *Engine) Retrieve(ctx context.Context, userID uuid.UUID, message string, topK int) (Result, error) {
	topK = e.clampTopK(topK)

	// Candidate recall and the affinity read are independent; run them in
	// parallel.
	var (
		memories []model.Memory
		scores   map[uuid.UUID]float64
		affRec   model.AffinityRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if e.cfg.GraphOnlyMode {
			memories, scores, err = e.graphOnlyCandidates(gctx, userID, message, topK)
		} else {
			memories, scores, err = e.vectorCandidates(gctx, userID, message, topK)
		}
		return err
	})
	g.Go(func() error {
		var err error
		affRec, err = e.affinity.Current(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Pivot vector hits into the graph through the memory-entity bridge.
	memoryIDs := make([]uuid.UUID, len(memories))
	for i, m := range memories {
		memoryIDs[i] = m.ID
	}
	entityByMemory, err := e.db.EntityIDsForMemories(ctx, userID, memoryIDs)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: bridge lookup: %w", err)
	}

	seeds := uniqueEntityIDs(entityByMemory)
	if len(seeds) == 0 {
		// No bridged entities (cold start, or the hits predate graph
		// writes); fall back to matching message terms against entity names.
		seeds, err = e.graph.SeedsByName(ctx, userID, messageTerms(message))
		if err != nil {
			return Result{}, fmt.Errorf("retrieval: seed fallback: %w", err)
		}
	}

	var facts []model.GraphFact
	if len(seeds) > 0 {
		facts, err = e.graph.Expand(ctx, userID, seeds, e.cfg.GraphMaxHops, graphExpandLimit, float32(e.cfg.EdgeWeightFloor))
		if err != nil {
			return Result{}, fmt.Errorf("retrieval: graph expand: %w", err)
		}
	} else if relTypes := inferRelationTypes(messageTerms(message)); len(relTypes) > 0 {
		// No entity in the graph matches the query, but the query implies a
		// relation ("does she live near the seaside?"). Hand every edge of
		// the implied type to the reply model and let it do the inference.
		facts, err = e.graph.RelationsByType(ctx, userID, relTypes, graphExpandLimit)
		if err != nil {
			return Result{}, fmt.Errorf("retrieval: semantic fallback: %w", err)
		}
	}

	candidates := e.rerank(memories, scores, entityByMemory, facts, affRec.NewScore)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	hints, err := e.conflictHints(ctx, userID, candidates)
	if err != nil {
		return Result{}, err
	}

	e.logger.Debug("retrieval: completed",
		"user_id", userID,
		"candidates", len(memories),
		"returned", len(candidates),
		"facts", len(facts),
		"conflict_hints", len(hints),
		"graph_only", e.cfg.GraphOnlyMode)

	return Result{
		Memories:      candidates,
		Facts:         dedupFacts(facts, maxFacts),
		ConflictHints: hints,
	}, nil
}

// vectorCandidates embeds the message, searches Qdrant and loads the
// surviving memories from Postgres. Returned scores are keyed by memory id.
func (e *Engine) vectorCandidates(ctx context.Context, userID uuid.UUID, message string, topK int) ([]model.Memory, map[uuid.UUID]float64, error) {
	vec, err := e.embedder.Embed(ctx, message)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	fetch := candidateMultiplier * topK
	if fetch < minVectorCandidates {
		fetch = minVectorCandidates
	}
	hits, err := e.index.Search(ctx, userID, vec.Slice(), fetch)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: vector search: %w", err)
	}

	scores := make(map[uuid.UUID]float64, len(hits))
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		if float64(h.Score) < e.cfg.VectorScoreThreshold {
			continue
		}
		if _, seen := scores[h.MemoryID]; seen {
			continue
		}
		scores[h.MemoryID] = float64(h.Score)
		ids = append(ids, h.MemoryID)
	}
	if len(ids) == 0 {
		return nil, scores, nil
	}

	// Postgres is authoritative: deleted or deprecated memories drop out
	// here even if their vector points still exist.
	memories, err := e.db.ActiveMemoriesByIDs(ctx, userID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: load candidates: %w", err)
	}
	return memories, scores, nil
}

// graphOnlyCandidates recalls memories without any vector call: message
// terms seed the graph, expansion finds entities, and the bridge maps
// entities back to memories.
func (e *Engine) graphOnlyCandidates(ctx context.Context, userID uuid.UUID, message string, topK int) ([]model.Memory, map[uuid.UUID]float64, error) {
	seeds, err := e.graph.SeedsByName(ctx, userID, messageTerms(message))
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: graph seeds: %w", err)
	}
	if len(seeds) == 0 {
		recent, err := e.db.RecentActiveMemories(ctx, userID, topK)
		if err != nil {
			return nil, nil, fmt.Errorf("retrieval: recent fallback: %w", err)
		}
		return recent, map[uuid.UUID]float64{}, nil
	}

	facts, err := e.graph.Expand(ctx, userID, seeds, e.cfg.GraphMaxHops, graphExpandLimit, float32(e.cfg.EdgeWeightFloor))
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: graph expand: %w", err)
	}

	entityIDs := make([]uuid.UUID, 0, len(seeds)+2*len(facts))
	entityIDs = append(entityIDs, seeds...)
	for _, f := range facts {
		entityIDs = append(entityIDs, f.SourceID, f.TargetID)
	}
	byEntity, err := e.db.MemoryIDsForEntities(ctx, userID, entityIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: bridge reverse lookup: %w", err)
	}

	var ids []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, memIDs := range byEntity {
		for _, id := range memIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, map[uuid.UUID]float64{}, nil
	}
	memories, err := e.db.ActiveMemoriesByIDs(ctx, userID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: load candidates: %w", err)
	}
	return memories, map[uuid.UUID]float64{}, nil
}

// conflictHints loads pending conflicts touching the selected memories so
// the prompt builder can instruct the reply model not to take sides.
func (e *Engine) conflictHints(ctx context.Context, userID uuid.UUID, candidates []Candidate) ([]model.MemoryConflict, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Memory.ID
	}
	hints, err := e.db.ConflictsInvolving(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: conflict hints: %w", err)
	}
	return hints, nil
}

func (e *Engine) clampTopK(topK int) int {
	if topK < e.cfg.TopKMin {
		return e.cfg.TopKMin
	}
	if topK > e.cfg.TopKMax {
		return e.cfg.TopKMax
	}
	return topK
}

func uniqueEntityIDs(byMemory map[uuid.UUID][]uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, ids := range byMemory {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// dedupFacts keeps the first (highest-ranked) occurrence of each
// (source, relation, target) triple, up to limit.
func dedupFacts(facts []model.GraphFact, limit int) []model.GraphFact {
	seen := map[string]bool{}
	out := make([]model.GraphFact, 0, min(len(facts), limit))
	for _, f := range facts {
		key := f.SourceID.String() + "|" + f.RelationType + "|" + f.TargetID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		if len(out) == limit {
			break
		}
	}
	return out
}

// intentRelations maps intent verbs in a query to the relation types they
// imply. Extraction lowercases relation types, so the values here match
// what the graph actually stores.
var intentRelations = map[string][]string{
	"live":    {"live_in", "lives_in"},
	"lives":   {"live_in", "lives_in"},
	"living":  {"live_in", "lives_in"},
	"moved":   {"live_in", "lives_in", "moved_to"},
	"work":    {"works_at", "work_at"},
	"works":   {"works_at", "work_at"},
	"working": {"works_at", "work_at"},
	"like":    {"likes"},
	"likes":   {"likes"},
	"love":    {"likes", "loves"},
	"loves":   {"likes", "loves"},
	"enjoy":   {"likes"},
	"enjoys":  {"likes"},
	"married": {"married_to"},
	"own":     {"has_pet", "owns"},
	"owns":    {"has_pet", "owns"},
	"have":    {"has_pet", "has"},
	"has":     {"has_pet", "has"},
}

// inferRelationTypes derives relation types from a query's intent verbs.
// It returns nothing unless the query also carries at least one concept
// token beyond the verbs: a bare "do I like?" has no topic to infer about.
func inferRelationTypes(terms []string) []string {
	var types []string
	seen := map[string]bool{}
	hasConcept := false
	for _, t := range terms {
		rels, ok := intentRelations[t]
		if !ok {
			hasConcept = true
			continue
		}
		for _, r := range rels {
			if !seen[r] {
				seen[r] = true
				types = append(types, r)
			}
		}
	}
	if !hasConcept {
		return nil
	}
	return types
}

var termPattern = regexp.MustCompile(`[\p{L}\p{N}']+`)

// messageTerms extracts lowercase content words from a message for the
// entity-name seed fallback.
func messageTerms(message string) []string {
	stop := map[string]bool{
		"i": true, "a": true, "an": true, "the": true, "is": true, "am": true,
		"are": true, "was": true, "do": true, "did": true, "to": true,
		"of": true, "in": true, "on": true, "at": true, "my": true,
		"me": true, "you": true, "it": true, "and": true, "or": true,
		"what": true, "when": true, "where": true, "who": true, "how": true,
		"why": true, "about": true, "that": true, "this": true,
	}
	var terms []string
	seen := map[string]bool{}
	for _, tok := range termPattern.FindAllString(strings.ToLower(message), -1) {
		if stop[tok] || len(tok) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

// ageDays returns the fractional days elapsed since t.
func ageDays(t time.Time, now time.Time) float64 {
	return now.Sub(t).Hours() / 24
}

package server

import (
	"net/http"
	"time"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/search"
)

const reindexBatchSize = 500

// HandleReindex serves POST /admin/reindex: rebuilds the vector index from
// the embeddings stored in Postgres. Used after a Qdrant wipe or a
// collection migration; point ids are deterministic so the rebuild is an
// idempotent overwrite.
func (h *Handlers) HandleReindex(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "vector index disabled")
		return
	}

	if err := h.index.EnsureCollection(r.Context()); err != nil {
		h.logger.Error("reindex: ensure collection failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to prepare collection")
		return
	}

	total := 0
	var cursor time.Time
	for {
		memories, err := h.db.MemoriesForReindex(r.Context(), cursor, reindexBatchSize)
		if err != nil {
			h.logger.Error("reindex: load batch failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load memories")
			return
		}
		if len(memories) == 0 {
			break
		}

		points := make([]search.Point, 0, len(memories))
		for _, m := range memories {
			if m.Embedding == nil {
				continue
			}
			points = append(points, search.Point{
				ID:         model.VectorPrimaryID(m.UserID, m.ID),
				MemoryID:   m.ID,
				UserID:     m.UserID,
				Valence:    float64(m.Valence),
				ObservedAt: m.ObservedAt.Unix(),
				Embedding:  m.Embedding.Slice(),
			})
		}
		if err := h.index.Upsert(r.Context(), points); err != nil {
			h.logger.Error("reindex: upsert batch failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to write vectors")
			return
		}
		total += len(points)
		cursor = memories[len(memories)-1].CreatedAt
		if len(memories) < reindexBatchSize {
			break
		}
	}

	h.logger.Info("reindex completed", "points", total)
	writeJSON(w, r, http.StatusOK, map[string]any{"reindexed": total})
}

// HandleOutboxStats serves GET /admin/outbox: queue depth and oldest
// pending age, for operators watching the slow path.
func (h *Handlers) HandleOutboxStats(w http.ResponseWriter, r *http.Request) {
	depth, err := h.db.OutboxDepth(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read outbox stats")
		return
	}
	age, err := h.db.OutboxOldestPendingAge(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read outbox stats")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"depth":                      depth,
		"oldest_pending_age_seconds": age.Seconds(),
	})
}

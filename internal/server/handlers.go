package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/auth"
	"github.com/kokoro-ai/kokoro/internal/conversation"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	db           *storage.DB
	jwtMgr       *auth.JWTManager
	conversation *conversation.Engine
	affinity     *affinity.Service
	graph        *graph.Store
	index        search.Index // nil in graph-only mode
	broker       *Broker
	logger       *slog.Logger

	version             string
	adminAPIKey         string
	maxRequestBodyBytes int64
}

// HandlersDeps bundles the dependencies for NewHandlers.
type HandlersDeps struct {
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Conversation *conversation.Engine
	Affinity     *affinity.Service
	Graph        *graph.Store
	Index        search.Index
	Broker       *Broker
	Logger       *slog.Logger

	Version             string
	AdminAPIKey         string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:                  deps.DB,
		jwtMgr:              deps.JWTMgr,
		conversation:        deps.Conversation,
		affinity:            deps.Affinity,
		graph:               deps.Graph,
		index:               deps.Index,
		broker:              deps.Broker,
		logger:              deps.Logger,
		version:             deps.Version,
		adminAPIKey:         deps.AdminAPIKey,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// HandleAuthToken issues a bearer token. A request carrying the configured
// admin key in X-Admin-Key gets an admin token; otherwise a plain user token
// is issued for the given (or a fresh) user id.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	admin := false
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		if !h.verifyAdminKey(key) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "invalid admin key")
			return
		}
		admin = true
	}

	userID := uuid.New()
	if req.UserID != nil && *req.UserID != uuid.Nil {
		userID = *req.UserID
	}

	token, _, err := h.jwtMgr.IssueToken(userID, admin)
	if err != nil {
		h.logger.Error("issue token failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{AccessToken: token, UserID: userID})
}

// verifyAdminKey checks a presented admin key. A configured value containing
// "$" is treated as an Argon2id salt$hash pair (see auth.HashAdminKey);
// anything else is compared directly in constant time. When no key is
// configured, a dummy hash keeps the failure path timing-neutral.
func (h *Handlers) verifyAdminKey(key string) bool {
	if h.adminAPIKey == "" {
		auth.DummyVerify()
		return false
	}
	if strings.Contains(h.adminAPIKey, "$") {
		ok, err := auth.VerifyAdminKey(key, h.adminAPIKey)
		if err != nil {
			h.logger.Error("admin key verification failed", "error", err)
			return false
		}
		return ok
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.adminAPIKey)) == 1
}

// HandleGetMemory serves GET /memories/{id}: the polling endpoint the client
// uses to observe a memory moving from pending to committed.
func (h *Handlers) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid memory id")
		return
	}

	mem, err := h.db.GetMemory(r.Context(), claims.UserID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "memory not found")
			return
		}
		h.logger.Error("get memory failed", "memory_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load memory")
		return
	}

	writeJSON(w, r, http.StatusOK, model.MemoryStatusResponse{
		ID:          mem.ID,
		Content:     mem.Content,
		Status:      mem.Status,
		CreatedAt:   mem.CreatedAt,
		CommittedAt: mem.CommittedAt,
	})
}

// HandleDeleteMemories serves DELETE /memories: targeted or full deletion.
// The response acknowledges acceptance; sink purges complete asynchronously
// and flip the audit to completed.
func (h *Handlers) HandleDeleteMemories(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.DeleteMemoriesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if !req.DeleteAll && len(req.MemoryIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "memory_ids or delete_all required")
		return
	}

	audit, err := h.db.SoftDeleteMemories(r.Context(), claims.UserID, req.MemoryIDs, req.DeleteAll)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no matching memories")
			return
		}
		h.logger.Error("delete memories failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete memories")
		return
	}

	h.affinity.Invalidate(claims.UserID)
	writeJSON(w, r, http.StatusAccepted, model.DeleteMemoriesResponse{
		Accepted:        true,
		DeletionAuditID: audit.ID,
	})
}

// HandleListDeletionAudits serves GET /memories/deletions for the user.
func (h *Handlers) HandleListDeletionAudits(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	audits, err := h.db.DeletionAuditsForUser(r.Context(), claims.UserID, queryLimit(r, 20, 100))
	if err != nil {
		h.logger.Error("list deletion audits failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list deletion audits")
		return
	}
	writeJSON(w, r, http.StatusOK, audits)
}

// HandleGetAffinity serves GET /affinity/.
func (h *Handlers) HandleGetAffinity(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	rec, err := h.affinity.Current(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("get affinity failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load affinity")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AffinityResponse{
		UserID:    claims.UserID,
		Score:     rec.NewScore,
		State:     rec.State(),
		UpdatedAt: rec.CreatedAt,
	})
}

// HandleAffinityHistory serves GET /affinity/history. ?days=N bounds the
// window to the last N days.
func (h *Handlers) HandleAffinityHistory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	history, err := h.affinity.History(r.Context(), claims.UserID, queryLimit(r, 50, 500), querySince(r, "days"))
	if err != nil {
		h.logger.Error("affinity history failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load affinity history")
		return
	}
	writeJSON(w, r, http.StatusOK, history)
}

// HandleGetGraph serves GET /graph/: the user's entity neighborhood.
// ?day=N keeps only entities mentioned within the last N days.
func (h *Handlers) HandleGetGraph(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entities, relations, err := h.graph.Neighborhood(r.Context(), claims.UserID, queryLimit(r, 100, 500), querySince(r, "day"))
	if err != nil {
		h.logger.Error("get graph failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load graph")
		return
	}

	resp := model.GraphResponse{
		Nodes: make([]model.GraphNode, len(entities)),
		Edges: make([]model.GraphEdge, len(relations)),
	}
	for i, e := range entities {
		resp.Nodes[i] = model.GraphNode{
			ID:           e.EntityID,
			Name:         e.Name,
			Type:         e.Type,
			MentionCount: e.MentionCount,
		}
	}
	for i, rel := range relations {
		resp.Edges[i] = model.GraphEdge{
			ID:           rel.ID,
			SourceID:     rel.SourceID,
			TargetID:     rel.TargetID,
			RelationType: rel.RelationType,
			Weight:       rel.Weight,
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListConflicts serves GET /conflicts: pending conflicts for the user.
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	pending, err := h.db.PendingConflicts(r.Context(), claims.UserID, queryLimit(r, 50, 200))
	if err != nil {
		h.logger.Error("list conflicts failed", "user_id", claims.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list conflicts")
		return
	}
	writeJSON(w, r, http.StatusOK, pending)
}

// HandleHealth reports process liveness plus dependency reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	type depStatus struct {
		Postgres string `json:"postgres"`
		Qdrant   string `json:"qdrant,omitempty"`
	}
	status := http.StatusOK
	deps := depStatus{Postgres: "ok"}

	if err := h.db.Ping(r.Context()); err != nil {
		deps.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.index != nil {
		deps.Qdrant = "ok"
		if err := h.index.Healthy(r.Context()); err != nil {
			deps.Qdrant = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, r, status, map[string]any{
		"status":       overall,
		"version":      h.version,
		"dependencies": deps,
	})
}

// querySince reads a day-count query parameter and turns it into a cutoff
// timestamp. Missing or invalid values mean no cutoff.
func querySince(r *http.Request, param string) *time.Time {
	v := r.URL.Query().Get(param)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -n)
	return &cutoff
}

// queryLimit reads a bounded ?limit query parameter.
func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/auth"
	"github.com/kokoro-ai/kokoro/internal/conversation"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/ratelimit"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Server is the Kokoro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Index, Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Conversation *conversation.Engine
	Affinity     *affinity.Service
	Graph        *graph.Store
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Index   search.Index
	Limiter ratelimit.Limiter
	Broker  *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	AdminAPIKey         string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Conversation:        cfg.Conversation,
		Affinity:            cfg.Affinity,
		Graph:               cfg.Graph,
		Index:               cfg.Index,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		AdminAPIKey:         cfg.AdminAPIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules: conversation turns per user, token issuance by IP.
	messageRL := ratelimit.Middleware(cfg.Limiter, "message", userKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, "query", userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Conversation turn (rate limited per user).
	mux.Handle("POST /sse/message", messageRL(http.HandlerFunc(h.HandleMessage)))

	// Memory status and deletion.
	mux.Handle("GET /memories/{id}", queryRL(http.HandlerFunc(h.HandleGetMemory)))
	mux.Handle("DELETE /memories", queryRL(http.HandlerFunc(h.HandleDeleteMemories)))
	mux.Handle("GET /memories/deletions", queryRL(http.HandlerFunc(h.HandleListDeletionAudits)))

	// Relationship state.
	mux.Handle("GET /affinity/", queryRL(http.HandlerFunc(h.HandleGetAffinity)))
	mux.Handle("GET /affinity/history", queryRL(http.HandlerFunc(h.HandleAffinityHistory)))

	// Knowledge graph neighborhood.
	mux.Handle("GET /graph/", queryRL(http.HandlerFunc(h.HandleGetGraph)))

	// Pending conflicts.
	mux.Handle("GET /conflicts", queryRL(http.HandlerFunc(h.HandleListConflicts)))

	// Event stream (no rate limit, long-lived connection).
	mux.Handle("GET /events/subscribe", http.HandlerFunc(h.HandleSubscribe))

	// Admin endpoints.
	mux.Handle("POST /admin/reindex", requireAdmin(http.HandlerFunc(h.HandleReindex)))
	mux.Handle("GET /admin/outbox", requireAdmin(http.HandlerFunc(h.HandleOutboxStats)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate
// limiting. Admin tokens are exempt.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Admin {
		return ""
	}
	return claims.UserID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

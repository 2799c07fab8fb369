package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/auth"
	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/conflicts"
	"github.com/kokoro-ai/kokoro/internal/conversation"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/outbox"
	"github.com/kokoro-ai/kokoro/internal/ratelimit"
	"github.com/kokoro-ai/kokoro/internal/retrieval"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/server"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
	"github.com/kokoro-ai/kokoro/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// errStoreBoot marks Postgres being unreachable at startup. Exit codes:
// 0 normal, 1 fatal config or runtime error, 2 store connectivity at boot.
var errStoreBoot = errors.New("store unreachable at boot")

// exitCode maps a fatal startup error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errStoreBoot) {
		return 2
	}
	return 1
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("KOKORO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return exitCode(err)
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kokoro starting", "version", version, "port", cfg.Port,
		"graph_only", cfg.GraphOnlyMode)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", errors.Join(errStoreBoot, err))
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Qdrant is skipped entirely in graph-only mode; retrieval then pivots
	// through the knowledge graph and the outbox worker syncs only one sink.
	var index search.Index
	if cfg.QdrantURL != "" && !cfg.GraphOnlyMode {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled", "graph_only", cfg.GraphOnlyMode)
	}

	llmClient := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, llm.Models{
		Tier1:   cfg.LLMModelTier1,
		Tier2:   cfg.LLMModelTier2,
		Tier3:   cfg.LLMModelTier3,
		Extract: cfg.LLMExtractModel,
	}, logger)
	extractor := llm.NewExtractor(llmClient)

	graphStore := graph.New(db, logger)
	affinitySvc := affinity.New(db, logger)

	detector := conflicts.NewDetector(extractor, cfg.OppositePredicates, cfg.ConflictConfidenceThreshold, logger)

	rateWindow := time.Hour
	if cfg.ClarificationRatePerHour > 1 {
		rateWindow = time.Hour / time.Duration(cfg.ClarificationRatePerHour)
	}
	clarifier := conflicts.NewClarifier(db, rateWindow, cfg.ClarificationTimeoutTurns, logger)

	retrievalEngine := retrieval.NewEngine(db, index, graphStore, embedder, affinitySvc, cfg, logger)

	worker, err := outbox.NewWorker(db, index, graphStore, extractor, cfg, logger)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	go worker.Run(ctx)
	go worker.RunLeaseReclaim(ctx)
	go worker.RunAuditSweep(ctx)

	convEngine := conversation.NewEngine(db, retrievalEngine, embedder, llmClient, affinitySvc,
		detector, clarifier, worker.Wake, cfg, logger)

	// SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Conversation:        convEngine,
		Affinity:            affinitySvc,
		Graph:               graphStore,
		Index:               index,
		Limiter:             limiter,
		Broker:              broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		AdminAPIKey:         cfg.AdminAPIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Background maintenance loops.
	go decayLoop(ctx, graphStore, logger, cfg)
	go silenceSweepLoop(ctx, affinitySvc, logger, cfg.SilenceDecayInterval)
	go housekeepingLoop(ctx, db, logger, cfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight turns (they may still enqueue outbox
	// events), (2) drain the outbox so committed memories reach both sinks.
	slog.Info("kokoro shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	worker.Drain(outboxCtx)
	outboxCancel()

	slog.Info("kokoro stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	if cfg.GraphOnlyMode {
		logger.Info("embedding provider: noop (graph-only mode)")
		return embedding.NewNoopProvider(dims)
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.LLMAPIKey == "" {
			logger.Error("KOKORO_LLM_API_KEY required when KOKORO_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.LLMAPIKey, "text-embedding-3-small", dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.LLMAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.LLMAPIKey, "text-embedding-3-small", dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// decayLoop applies exponential time decay to graph edge weights and prunes
// edges that fall below the floor.
func decayLoop(ctx context.Context, gs *graph.Store, logger *slog.Logger, cfg config.Config) {
	ticker := time.NewTicker(cfg.DecayInterval)
	defer ticker.Stop()

	halfLife := time.Duration(cfg.HalfLifeDays * 24 * float64(time.Hour))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, pruned, err := gs.ApplyTimeDecay(ctx, halfLife, float32(cfg.EdgeWeightFloor))
			if err != nil {
				logger.Warn("graph decay failed", "error", err)
				continue
			}
			if updated > 0 || pruned > 0 {
				logger.Info("graph decay applied", "updated", updated, "pruned", pruned)
			}
		}
	}
}

// silenceSweepLoop nudges affinity downward for users who have gone quiet.
func silenceSweepLoop(ctx context.Context, svc *affinity.Service, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.RunSilenceSweep(ctx)
			if err != nil {
				logger.Warn("silence sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("silence decay applied", "users", n)
			}
		}
	}
}

// housekeepingLoop expires idempotency keys and times out clarification
// sessions the user never answered.
func housekeepingLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, cfg config.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.CleanupIdempotencyKeys(ctx, cfg.IdempotencyTTL); err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("idempotency keys expired", "count", n)
			}

			if n, err := db.SweepStaleClarifications(ctx, cfg.ClarificationTimeoutTurns, 24*time.Hour); err != nil {
				logger.Warn("clarification sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("stale clarifications timed out", "count", n)
			}
		}
	}
}

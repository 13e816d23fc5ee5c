// Support chat API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/rag-support/internal/api"
	"github.com/ashureev/rag-support/internal/auth"
	"github.com/ashureev/rag-support/internal/chat"
	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/engagement"
	"github.com/ashureev/rag-support/internal/metrics"
	"github.com/ashureev/rag-support/internal/middleware"
	"github.com/ashureev/rag-support/internal/provider"
	"github.com/ashureev/rag-support/internal/store"
	"github.com/ashureev/rag-support/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(parseLevel(cfg.LogLevel))

	slog.Info("Starting server", "port", cfg.Port, "dev_mode", cfg.DevMode)
	if !cfg.DevMode {
		if cfg.VectorDB.URL == "" {
			slog.Warn("QDRANT_URL is not set, retrieval will be unavailable")
		}
		if cfg.LLM.APIKey == "" {
			slog.Warn("GROQ_API_KEY is not set, answers will be unavailable")
		}
		if cfg.Embedding.APIKey == "" {
			slog.Warn("OPENAI_API_KEY is not set, embeddings will be unavailable")
		}
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		slog.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	// Providers connect lazily on first use.
	embedder := provider.NewEmbeddingClient(cfg.Embedding)
	vectors := provider.NewVectorClient(cfg.VectorDB)
	defer func() {
		if closeErr := vectors.Close(); closeErr != nil {
			slog.Error("Failed to close vector client", "error", closeErr)
		}
	}()
	llm := provider.NewLLMClient(cfg.LLM)

	engagementStore := engagement.NewStore(engagement.Options{
		MaxSessions:    cfg.Engagement.MaxSessions,
		MaxProfiles:    cfg.Engagement.MaxProfiles,
		SessionIdleTTL: cfg.Engagement.SessionIdleTTL,
		ProfileIdleTTL: cfg.Engagement.ProfileIdleTTL,
	})

	svc := chat.NewService(engagementStore, embedder, vectors, llm, chat.Options{
		DevMode:   cfg.DevMode,
		TopK:      cfg.Retrieval.TopK,
		Threshold: cfg.Retrieval.Threshold,
	})
	limiter := chat.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	conversationLogger := chat.NewConversationLogger(cfg.ConversationLog, repo, logger)
	chatHandler := chat.NewHandler(svc, limiter, conversationLogger, cfg.SSE.MaxRequestBodySize)
	defer chatHandler.Close()

	healthHandler := api.NewHealthHandler(repo, cfg)
	engagementHandler := api.NewEngagementHandler(engagementStore, repo)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authenticator))
		chatHandler.RegisterRoutes(r)
		engagementHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE responses need WriteTimeout disabled.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention := cfg.Engagement.TranscriptRetention
	engagement.StartEvictionWorker(ctx, engagementStore, cfg.Engagement.EvictionInterval, func(ctx context.Context, now time.Time) {
		if retention <= 0 {
			return
		}
		deleted, err := repo.DeleteChatEventsBefore(ctx, now.Add(-retention))
		if err != nil {
			slog.Error("Failed to prune transcripts", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Pruned transcripts", "deleted", deleted, "retention", retention)
		}
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/loom/internal/auth"
	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/gateway"
	"github.com/af-corp/loom/internal/pipeline"
	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/ratelimit"
	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/telemetry"
	"github.com/af-corp/loom/internal/tokenizer"
)

var version = "dev"

const (
	circuitFailureThreshold = 5
	circuitProbeInterval    = 30 * time.Second
)

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()
	logger = newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (service will start but turns will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (auth cache and rate limiting disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Build provider registry
	health := provider.NewHealthTracker(circuitFailureThreshold, circuitProbeInterval)
	registry := provider.BuildFromConfig(loader.Providers(), health)
	loader.OnReload(func() {
		registry.Reload(loader.Providers())
		logger.Info("provider registry reloaded")
	})

	tokens, err := tokenizer.NewTiktoken()
	if err != nil {
		logger.Error("failed to load tokenizer", "error", err)
		os.Exit(1)
	}

	embedClient, ok := registry.Get(cfg.Background.EmbeddingProvider)
	if !ok {
		logger.Error("embedding provider not configured", "provider", cfg.Background.EmbeddingProvider)
		os.Exit(1)
	}
	embeddingModel := loader.Providers().EmbeddingModelFor(cfg.Background.EmbeddingProvider, cfg.Background.EmbeddingModel)
	embedder := provider.NewEmbeddingClient(embedClient, embeddingModel)

	metrics := telemetry.NewMetrics()

	// Build the turn pipeline
	pg := store.NewPostgres(dbPool)
	retriever := store.NewRetriever(pg, embedder)
	background := pipeline.NewBackground(pg, embedder, registry, tokens, cfg.Background, logger,
		metrics.RecordBackgroundFailure)
	orchestrator := pipeline.NewOrchestrator(
		pg,
		pipeline.NewAssembler(pg, retriever, tokens),
		pipeline.NewPayloadBuilder(tokens),
		pipeline.NewTokenGuard(loader.Models(), logger),
		pipeline.NewAuditBuilder(),
		pipeline.NewStreamManager(registry, cfg.Pipeline.StreamIdleTimeout),
		pipeline.NewPricer(loader.Models(), tokens, logger),
		background,
		metrics,
		cfg.Pipeline,
		logger,
	)

	keyStore := auth.NewCachedKeyStore(dbPool, rdb)
	limiter := ratelimit.NewLimiter(rdb)
	budget := ratelimit.NewBudgetTracker(rdb)
	handler := gateway.NewHandler(orchestrator, pg, budget)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/loom/v1/health", healthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Use(ratelimit.Middleware(limiter, budget, metrics))
		r.Post("/v1/turns", handler.Turn)
		r.Get("/v1/chats/{chatID}/messages", handler.ChatMessages)
		r.Post("/v1/messages/{messageID}/pin", handler.PinMessage)
	})

	// Metrics on a separate port, never exposed through the public listener
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("loom starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("loom stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}

// cmd/orchestrator/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"content-orchestrator/internal/agent"
	"content-orchestrator/internal/cache"
	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/database"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/observability"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/orchestrator"
	"content-orchestrator/internal/retrieval"
	"content-orchestrator/internal/vectorstore"
	"content-orchestrator/internal/workflow"
	"content-orchestrator/pkg/registry"
)

// connectWithBackoff retries op with exponential backoff until it succeeds,
// attempts run out, or ctx ends.
func connectWithBackoff(ctx context.Context, op func() error, attempts uint64, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
			zap.Error(err),
			zap.Uint64("maxAttempts", attempts),
			zap.Duration("nextRetryIn", next),
		)
	})
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting content orchestrator...",
		zap.String("version", cfg.App.Version),
		zap.String("vectorProvider", cfg.Vector.Provider),
		zap.String("cacheBackend", cfg.Cache.Backend),
	)

	obs := observability.New(cfg.App.Name, nil)
	defer obs.Shutdown()

	ctx := context.Background()
	var backends []database.Pinger
	clients := vectorstore.Clients{}

	// --- PostgreSQL, only for the relational vector store ---
	if cfg.Vector.Provider == config.ProviderRelational {
		var pg *database.PostgresClient
		err = connectWithBackoff(ctx, func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return backoff.Permanent(err)
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		clients.Postgres = pg.DB
		backends = append(backends, pg)
		zapLog.Info("PostgreSQL connected successfully")
	}

	// --- Elasticsearch, only for the managed-index vector store ---
	if cfg.Vector.Provider == config.ProviderManagedIndex {
		var esClient *database.ElasticsearchClient
		err = connectWithBackoff(ctx, func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return backoff.Permanent(err)
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		clients.Elasticsearch = esClient.Client
		backends = append(backends, esClient)
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Redis, only for the shared cache tier ---
	var rdb redis.UniversalClient
	if cfg.Cache.Backend == config.CacheBackendRedis {
		var rc *database.RedisClient
		err = connectWithBackoff(ctx, func() error {
			var err error
			rc, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return backoff.Permanent(err)
			}
			return rc.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rc.Close()
		rdb = rc.Client
		backends = append(backends, rc)
		zapLog.Info("Redis connected successfully")
	}

	store, err := vectorstore.New(ctx, cfg.Vector, cfg.Embedding.Dimension, clients, log)
	if err != nil {
		zapLog.Fatal("vector store init failed", zap.Error(err))
	}

	genaiClient, err := genai.NewClient(cfg.GenAI, cfg.Embedding.Dimension, log)
	if err != nil {
		zapLog.Fatal("genai client init failed", zap.Error(err))
	}

	transforms := agent.DefaultTransforms()
	extra, err := registry.LoadDefinitions(cfg.Registry.Path)
	if err != nil {
		zapLog.Fatal("workflow file load failed", zap.String("path", cfg.Registry.Path), zap.Error(err))
	}
	workflows, err := workflow.New(append(workflow.Builtin(), extra...), workflow.WithTransforms(transforms.Names()...))
	if err != nil {
		zapLog.Fatal("workflow registry invalid", zap.Error(err))
	}
	zapLog.Info("Workflows registered", zap.Strings("workflows", workflows.Names()))

	results, err := cache.NewFromConfig(cfg.Cache, rdb, log)
	if err != nil {
		zapLog.Fatal("cache init failed", zap.Error(err))
	}

	engine := retrieval.NewEngine(genaiClient, store, cfg.Retrieval, log)
	runner := agent.NewRunner(genaiClient, transforms, cfg.Step, obs, log)
	orch := orchestrator.New(workflows, engine, runner, results, orchestrator.OptionsFromConfig(cfg), obs, log)

	srv := &server{
		exec:           orch,
		workflows:      workflows,
		streamer:       genaiClient,
		backends:       backends,
		executeTimeout: cfg.Server.ExecuteTimeout,
		log:            logger.Component(log, "http"),
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining requests...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}

	zapLog.Info("Content orchestrator stopped gracefully")
}

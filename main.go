package main

import (
	"context"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/config"
	"github.com/synthline-io/synthline-engine/pkg/database"
	"github.com/synthline-io/synthline-engine/pkg/handlers"
	"github.com/synthline-io/synthline-engine/pkg/llm"
	"github.com/synthline-io/synthline-engine/pkg/logging"
	"github.com/synthline-io/synthline-engine/pkg/reference"
	"github.com/synthline-io/synthline-engine/pkg/repositories"
	"github.com/synthline-io/synthline-engine/pkg/retry"
	"github.com/synthline-io/synthline-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	client, err := llm.NewFromConfig(&cfg.AI, logger)
	if err != nil {
		logger.Fatal("Failed to configure AI backend", zap.Error(err))
	}
	if client == nil {
		logger.Info("No AI provider configured, running template-only synthesis")
	} else {
		logger.Info("AI backend configured",
			zap.String("provider", cfg.AI.Provider),
			zap.String("model", client.GetModel()))
	}

	refs, err := reference.Load()
	if err != nil {
		logger.Fatal("Failed to load reference library", zap.Error(err))
	}

	cache, cleanup, err := buildCacheStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build cache store", zap.Error(err))
	}
	defer cleanup()

	extractor := services.NewMetadataExtractor(cfg.Generation.ExtractionSampleSize, logger)
	fingerprints := services.NewFingerprintIndex(logger)
	synthesizer := services.NewCodeSynthesizer(client, refs, cfg.AI.RequestTimeout(), logger)
	sandbox := services.NewSandboxExecutor(
		cfg.Generation.SandboxTimeout(), int64(cfg.Generation.SandboxMaxCells), logger)
	validator := services.NewValidator(extractor, logger)
	orchestrator := services.NewOrchestrator(
		extractor, fingerprints, cache, synthesizer, sandbox, validator,
		cfg.Generation.MaxAttempts, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewGenerateHandler(orchestrator, logger).RegisterRoutes(mux)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting synthline-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version),
		zap.String("cache_backend", cfg.Cache.Backend))

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// buildCacheStore selects the procedure cache backend. The postgres backend
// runs its migrations on startup.
func buildCacheStore(cfg *config.Config, logger *zap.Logger) (services.CacheStore, func(), error) {
	if cfg.Cache.Backend != "postgres" {
		return services.NewMemoryCacheStore(cfg.Cache.MaxEntries, logger), func() {}, nil
	}

	ctx := context.Background()
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	stdDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(stdDB, "migrations", logger); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repositories.NewProcedureCacheRepository(db, logger), db.Close, nil
}

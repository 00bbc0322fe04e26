package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/automl-registry/internal/config"
	"github.com/adiadia/automl-registry/internal/logging"
	"github.com/adiadia/automl-registry/internal/modelregistry"
	"github.com/adiadia/automl-registry/internal/persistence/postgres"
	"github.com/adiadia/automl-registry/internal/repository"
	"github.com/adiadia/automl-registry/internal/worker"
	"github.com/adiadia/automl-registry/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel, "worker")

	if cfg.StoreBackend != config.StoreBackendPostgres {
		log.Fatalf("worker needs the postgres backend, got %q", cfg.StoreBackend)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	ws := workspace.New(workspace.Options{
		Host:   cfg.DatabricksHost,
		Token:  cfg.DatabricksToken,
		Logger: logger,
	})

	w := worker.New(worker.Deps{
		Queue: repository.NewRegistrationRepository(pool, logger),
		Registry: modelregistry.New(modelregistry.Options{
			Workspace:    ws,
			Stage:        cfg.ModelStage,
			Description:  cfg.ModelDescription,
			RunTags:      cfg.ModelRunTags,
			ReadyTimeout: cfg.ModelReadyTimeout,
			Logger:       logger,
		}),
		Logger:         logger,
		ReclaimAfter:   cfg.WorkerReclaimAfter,
		MaxAttempts:    cfg.WorkerMaxAttempts,
		RetryBaseDelay: cfg.WorkerRetryBaseDelay,
		WebhookURL:     cfg.WebhookURL,
		WebhookSecret:  cfg.WebhookSecret,
	})

	logger.Info("worker started",
		"poll_interval", cfg.WorkerPollInterval,
		"max_attempts", cfg.WorkerMaxAttempts,
		"model_stage", cfg.ModelStage,
	)

	w.Run(ctx, cfg.WorkerPollInterval)

	logger.Info("worker stopped")
}

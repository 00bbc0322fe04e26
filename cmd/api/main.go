// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/automl-registry/internal/config"
	"github.com/adiadia/automl-registry/internal/logging"
	"github.com/adiadia/automl-registry/internal/persistence/boltstore"
	"github.com/adiadia/automl-registry/internal/persistence/postgres"
	"github.com/adiadia/automl-registry/internal/registry"
	"github.com/adiadia/automl-registry/internal/repository"
	"github.com/adiadia/automl-registry/internal/search"
	httptransport "github.com/adiadia/automl-registry/internal/transport/http"
	"github.com/adiadia/automl-registry/internal/workspace"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel, "api")

	ws := workspace.New(workspace.Options{
		Host:   cfg.DatabricksHost,
		Token:  cfg.DatabricksToken,
		Logger: logger,
	})

	registryDeps := registry.Deps{
		Search: search.New(search.Deps{
			Workspace:    ws,
			NotebookPath: cfg.AutoMLNotebookPath,
			ClusterID:    cfg.AutoMLClusterID,
			StartupGrace: cfg.AutoMLStartupGrace,
			PollInterval: cfg.AutoMLPollInterval,
			Logger:       logger,
		}),
		Logger: logger,
	}
	routerDeps := httptransport.Deps{
		Links:      registry.LinkBuilder{BaseURL: ws.Host()},
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	}

	switch cfg.StoreBackend {
	case config.StoreBackendBolt:
		store, err := boltstore.Open(cfg.BoltPath, logger)
		if err != nil {
			log.Fatalf("bolt store open failed: %v", err)
		}
		defer store.Close()

		registryDeps.Store = store
		if cfg.RunLockEnabled {
			logger.Warn("run lock needs the postgres backend; starting without it")
		}
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("schema bootstrap failed: %v", err)
			}
		}

		registrationRepo := repository.NewRegistrationRepository(pool, logger)
		registryDeps.Store = repository.NewRunRecordRepository(pool, logger)
		registryDeps.Registrations = registrationRepo
		if cfg.RunLockEnabled {
			registryDeps.Locker = repository.NewRunLocker(pool, logger)
		}

		routerDeps.Registrations = registrationRepo
		routerDeps.Health = postgres.NewSchemaHealthChecker(pool)
	}

	routerDeps.Registry = registry.New(registryDeps)
	handler := httptransport.NewRouter(routerDeps)

	// No write timeout: POST /runs blocks for the length of a search.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"store_backend", cfg.StoreBackend,
			"run_lock", registryDeps.Locker != nil,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		30*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}

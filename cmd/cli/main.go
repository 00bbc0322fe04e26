// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/adiadia/automl-registry/internal/config"
	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/logging"
	"github.com/adiadia/automl-registry/internal/persistence/boltstore"
	"github.com/adiadia/automl-registry/internal/persistence/postgres"
	"github.com/adiadia/automl-registry/internal/registry"
	"github.com/adiadia/automl-registry/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

type runReader interface {
	Lookup(ctx context.Context, name string) (domain.RunRecord, error)
	History(ctx context.Context, name string) ([]domain.RunRecord, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, "prod", cfg.LogLevel, "cli")

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "migrate", "lookup", "links", "history":
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if cmd != "migrate" && len(args) != 1 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if cmd == "migrate" && cfg.StoreBackend != config.StoreBackendPostgres {
		logger.Error("migrate needs the postgres backend", "store_backend", cfg.StoreBackend)
		os.Exit(2)
	}

	var (
		store registry.Store
		pool  *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case config.StoreBackendBolt:
		bs, err := boltstore.Open(cfg.BoltPath, logger)
		if err != nil {
			logger.Error("bolt store open failed", "path", cfg.BoltPath, "error", err)
			os.Exit(1)
		}
		defer bs.Close()
		store = bs
	default:
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, 2)
		if err != nil {
			logger.Error("db connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = repository.NewRunRecordRepository(pool, logger)
	}

	reader := registry.New(registry.Deps{
		Store:  store,
		Logger: logger,
	})
	links := registry.LinkBuilder{BaseURL: cfg.DatabricksHost}

	switch cmd {
	case "migrate":
		err = runMigrate(ctx, pool, logger, args, os.Stdout)
	case "lookup":
		err = runLookup(ctx, reader, args[0], os.Stdout)
	case "links":
		err = runLinks(ctx, reader, links, args[0], os.Stdout)
	case "history":
		err = runHistory(ctx, reader, args[0], os.Stdout)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) > 0 && args[0] == "status" {
		states, err := postgres.Status(ctx, pool)
		if err != nil {
			return err
		}
		return writeMigrationStatus(out, states)
	}

	started := time.Now()
	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("migrations applied", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func writeMigrationStatus(out io.Writer, states []postgres.MigrationState) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MIGRATION\tSTATE\tAPPLIED AT")
	for _, s := range states {
		state := "pending"
		appliedAt := "-"
		if s.Applied {
			state = "applied"
			appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		if s.Modified {
			state = "modified"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, state, appliedAt)
	}
	return tw.Flush()
}

func runLookup(ctx context.Context, reader runReader, name string, out io.Writer) error {
	record, err := reader.Lookup(ctx, name)
	if err != nil {
		return err
	}
	return writeJSON(out, record)
}

func runLinks(ctx context.Context, reader runReader, builder registry.LinkBuilder, name string, out io.Writer) error {
	record, err := reader.Lookup(ctx, name)
	if err != nil {
		return err
	}

	links, err := builder.Build(record)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "exploration: %s\nbest_trial:  %s\noverview:    %s\n",
		links.Exploration, links.BestTrial, links.Overview)
	return err
}

func runHistory(ctx context.Context, reader runReader, name string, out io.Writer) error {
	records, err := reader.History(ctx, name)
	if err != nil {
		return err
	}
	return writeJSON(out, records)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, `usage:
  cli migrate [status]
  cli lookup <name>
  cli links <name>
  cli history <name>`)
}

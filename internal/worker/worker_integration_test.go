//go:build integration

// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/persistence/postgres"
	"github.com/adiadia/automl-registry/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestWorkerSchedulesExponentialBackoffRetry(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := repository.NewRegistrationRepository(pool, logger)
	req := workerSeedRegistration(t, ctx, pool, logger)

	w := New(Deps{
		Queue:          queue,
		Registry:       &fakeModelRegistry{err: errors.New("boom")},
		Logger:         logger,
		MaxAttempts:    2,
		RetryBaseDelay: time.Second,
	})

	start := time.Now().UTC()
	processed, err := w.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once #1: %v", err)
	}
	if !processed {
		t.Fatal("expected registration claimed")
	}

	var (
		status      domain.RegistrationStatus
		attempts    int
		nextAttempt time.Time
		lastError   string
	)
	if err := pool.QueryRow(ctx, `
		SELECT status, attempts, next_attempt_at, last_error
		FROM model_registrations
		WHERE id=$1
	`, req.ID).Scan(&status, &attempts, &nextAttempt, &lastError); err != nil {
		t.Fatalf("read retry state: %v", err)
	}

	if status != domain.RegistrationPending || attempts != 1 || lastError != "boom" {
		t.Fatalf("unexpected retry state status=%s attempts=%d last_error=%q", status, attempts, lastError)
	}
	if nextAttempt.Before(start.Add(900 * time.Millisecond)) {
		t.Fatalf("expected next attempt about 1s out, got %s (start %s)", nextAttempt, start)
	}

	// Not yet due.
	if processed, err := w.ProcessOnce(ctx); err != nil || processed {
		t.Fatalf("expected nothing due, processed=%v err=%v", processed, err)
	}

	if _, err := pool.Exec(ctx, `UPDATE model_registrations SET next_attempt_at=NOW() WHERE id=$1`, req.ID); err != nil {
		t.Fatalf("force due: %v", err)
	}
	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once #2: %v", err)
	}

	if err := pool.QueryRow(ctx, `
		SELECT status, attempts
		FROM model_registrations
		WHERE id=$1
	`, req.ID).Scan(&status, &attempts); err != nil {
		t.Fatalf("read failed state: %v", err)
	}
	if status != domain.RegistrationFailed || attempts != 2 {
		t.Fatalf("expected FAILED after 2 attempts, got %s/%d", status, attempts)
	}

	if _, err := queue.Retry(ctx, req.ID); err != nil {
		t.Fatalf("retry failed registration: %v", err)
	}

	w.registry = &fakeModelRegistry{version: "9"}
	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once #3: %v", err)
	}

	var version string
	if err := pool.QueryRow(ctx, `
		SELECT status, model_version
		FROM model_registrations
		WHERE id=$1
	`, req.ID).Scan(&status, &version); err != nil {
		t.Fatalf("read succeeded state: %v", err)
	}
	if status != domain.RegistrationSucceeded || version != "9" {
		t.Fatalf("expected SUCCEEDED with version 9, got %s/%q", status, version)
	}
}

func TestWorkerReclaimsStuckRegistration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := repository.NewRegistrationRepository(pool, logger)
	req := workerSeedRegistration(t, ctx, pool, logger)

	if _, err := pool.Exec(ctx, `
		UPDATE model_registrations
		SET status=$2, attempts=1, started_at=NOW() - INTERVAL '2 hours'
		WHERE id=$1
	`, req.ID, domain.RegistrationInProgress); err != nil {
		t.Fatalf("simulate stuck claim: %v", err)
	}

	r := &fakeModelRegistry{version: "2"}
	w := New(Deps{Queue: queue, Registry: r, Logger: logger, ReclaimAfter: time.Hour})

	processed, err := w.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !processed || len(r.callsSnapshot()) != 1 {
		t.Fatalf("expected stuck registration reclaimed, processed=%v calls=%d", processed, len(r.callsSnapshot()))
	}
}

func workerSeedRegistration(t *testing.T, ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) domain.RegistrationRequest {
	t.Helper()

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE model_registrations, automl_runs RESTART IDENTITY CASCADE`); err != nil {
		t.Skipf("skip integration test: cannot reset tables (%v)", err)
	}

	record := domain.RunRecord{
		ID:                    uuid.New(),
		Name:                  "worker-" + uuid.NewString(),
		CreatedAt:             time.Now().UTC(),
		SearchJobID:           "exp-1",
		BestTrialID:           "run-best",
		ExplorationArtifactID: "nb-1",
		BestTrialArtifactID:   "nb-2",
	}
	if err := repository.NewRunRecordRepository(pool, logger).Append(ctx, record); err != nil {
		t.Fatalf("append run record: %v", err)
	}

	req := domain.RegistrationRequest{
		ID:          uuid.New(),
		RunRecordID: record.ID,
		RunName:     record.Name,
		SourceRunID: record.BestTrialID,
		TargetLabel: "churned",
	}
	if err := repository.NewRegistrationRepository(pool, logger).Enqueue(ctx, req); err != nil {
		t.Fatalf("enqueue registration: %v", err)
	}
	return req
}

func workerIntegrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	if err := postgres.EnsureSchema(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}

	return pool
}

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/automl-registry/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x4155544f4d4c5f4d // "AUTOML_M"

var requiredTables = []string{
	"automl_runs",
	"model_registrations",
}

type requiredColumn struct {
	Table  string
	Column string
}

// requiredColumns are the columns the repositories read by name.
var requiredColumns = []requiredColumn{
	{Table: "automl_runs", Column: "name"},
	{Table: "automl_runs", Column: "created_at"},
	{Table: "automl_runs", Column: "experiment_id"},
	{Table: "automl_runs", Column: "best_trial_run_id"},
	{Table: "automl_runs", Column: "exploration_notebook_id"},
	{Table: "automl_runs", Column: "best_trial_notebook_id"},
	{Table: "model_registrations", Column: "next_attempt_at"},
	{Table: "model_registrations", Column: "model_version"},
}

// MigrationState reports one embedded migration against schema_migrations.
type MigrationState struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Modified  bool
}

var ErrMigrationModified = errors.New("applied migration was modified")

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies pending embedded migrations under an advisory lock and
// then verifies the schema. An applied migration whose checksum no longer
// matches the embedded file aborts the bootstrap.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	logger.Info("schema bootstrap starting")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); unlockErr != nil {
			logger.Error("schema bootstrap unlock failed", "error", unlockErr)
		}
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	applied := 0
	skipped := 0

	for _, migration := range migrations {
		sum := checksum(migration.SQL)

		var stored *string
		err := conn.QueryRow(ctx,
			`SELECT checksum FROM schema_migrations WHERE filename = $1`,
			migration.Name,
		).Scan(&stored)
		switch {
		case err == nil:
			if stored != nil && *stored != "" && *stored != sum {
				return fmt.Errorf("%w: %s", ErrMigrationModified, migration.Name)
			}
			skipped++
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check migration %s: %w", migration.Name, err)
		}

		logger.Info("applying migration", "file", migration.Name)
		if err := applyMigration(ctx, conn, migration, sum); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
		logger.Info("migration applied", "file", migration.Name)
		applied++
	}

	logger.Info("schema bootstrap complete",
		"applied", applied,
		"skipped", skipped,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

// Status lists every embedded migration and whether it has been applied.
func Status(ctx context.Context, pool *pgxpool.Pool) ([]MigrationState, error) {
	if pool == nil {
		return nil, errors.New("nil database pool")
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	var tableName *string
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations')`).Scan(&tableName); err != nil {
		return nil, fmt.Errorf("check schema_migrations: %w", err)
	}

	out := make([]MigrationState, 0, len(migrations))
	for _, migration := range migrations {
		state := MigrationState{Name: migration.Name}
		if tableName != nil {
			var stored *string
			err := pool.QueryRow(ctx,
				`SELECT applied_at, checksum FROM schema_migrations WHERE filename = $1`,
				migration.Name,
			).Scan(&state.AppliedAt, &stored)
			switch {
			case err == nil:
				state.Applied = true
				state.Modified = stored != nil && *stored != "" && *stored != checksum(migration.SQL)
			case !errors.Is(err, pgx.ErrNoRows):
				return nil, fmt.Errorf("check migration %s: %w", migration.Name, err)
			}
		}
		out = append(out, state)
	}

	return out, nil
}

func ensureMigrationsTable(ctx context.Context, conn *pgxpool.Conn) error {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	if _, err := conn.Exec(ctx, `
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT
	`); err != nil {
		return fmt.Errorf("add schema_migrations checksum: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, migration embeddedmigrations.File, sum string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, migration.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (filename, checksum)
		VALUES ($1, $2)
	`, migration.Name, sum); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	missingTables := make([]string, 0, len(requiredTables))
	for _, table := range requiredTables {
		var relationName *string
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1)`, "public."+table).Scan(&relationName); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if relationName == nil || strings.TrimSpace(*relationName) == "" {
			missingTables = append(missingTables, table)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", "))
	}

	missingColumns := make([]string, 0, len(requiredColumns))
	for _, column := range requiredColumns {
		var exists bool
		if err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.columns
				WHERE table_schema = 'public'
				  AND table_name = $1
				  AND column_name = $2
			)
		`, column.Table, column.Column).Scan(&exists); err != nil {
			return fmt.Errorf("check column %s.%s: %w", column.Table, column.Column, err)
		}
		if !exists {
			missingColumns = append(missingColumns, column.Table+"."+column.Column)
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", "))
	}

	return nil
}

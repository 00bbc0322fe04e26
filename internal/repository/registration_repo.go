// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistrationRepository is the model_registrations outbox.
type RegistrationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRegistrationRepository(pool *pgxpool.Pool, logger *slog.Logger) *RegistrationRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RegistrationRepository{
		pool:   pool,
		logger: logger,
	}
}

const registrationColumns = `
	id, run_record_id, run_name, source_run_id, target_label,
	status, attempts, next_attempt_at,
	COALESCE(model_version, ''), COALESCE(last_error, ''),
	created_at, updated_at
`

func (r *RegistrationRepository) Enqueue(ctx context.Context, req domain.RegistrationRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO model_registrations (id, run_record_id, run_name, source_run_id, target_label, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		req.ID,
		req.RunRecordID,
		req.RunName,
		req.SourceRunID,
		req.TargetLabel,
		domain.RegistrationPending,
	); err != nil {
		r.logger.Error("insert registration failed",
			"registration_id", req.ID,
			"run_name", req.RunName,
			"error", err,
		)
		return err
	}

	return nil
}

// ClaimDue claims one due PENDING registration, or an IN_PROGRESS one whose
// claim started before reclaimBefore. The claim counts as an attempt.
func (r *RegistrationRepository) ClaimDue(ctx context.Context, reclaimBefore time.Time) (domain.Registration, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Registration{}, false, err
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM model_registrations
		WHERE (status=$1 AND next_attempt_at <= NOW())
		   OR (status=$2 AND started_at IS NOT NULL AND started_at < $3)
		ORDER BY next_attempt_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`,
		domain.RegistrationPending,
		domain.RegistrationInProgress,
		reclaimBefore,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Registration{}, false, nil
		}
		return domain.Registration{}, false, err
	}

	reg, err := scanRegistration(tx.QueryRow(ctx, `
		UPDATE model_registrations
		SET status=$2,
		    attempts=attempts + 1,
		    started_at=NOW(),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING `+registrationColumns,
		id,
		domain.RegistrationInProgress,
	))
	if err != nil {
		return domain.Registration{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Registration{}, false, err
	}

	return reg, true, nil
}

func (r *RegistrationRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, modelVersion string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE model_registrations
		SET status=$2,
		    model_version=$3,
		    last_error=NULL,
		    finished_at=NOW(),
		    updated_at=NOW()
		WHERE id=$1
	`, id, domain.RegistrationSucceeded, modelVersion); err != nil {
		r.logger.Error("mark registration succeeded failed", "registration_id", id, "error", err)
		return err
	}
	return nil
}

// MarkRetry puts a claimed registration back to PENDING until nextAttemptAt.
func (r *RegistrationRepository) MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE model_registrations
		SET status=$2,
		    next_attempt_at=$3,
		    last_error=$4,
		    updated_at=NOW()
		WHERE id=$1
	`, id, domain.RegistrationPending, nextAttemptAt, lastError); err != nil {
		r.logger.Error("mark registration retry failed", "registration_id", id, "error", err)
		return err
	}
	return nil
}

func (r *RegistrationRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE model_registrations
		SET status=$2,
		    last_error=$3,
		    finished_at=NOW(),
		    updated_at=NOW()
		WHERE id=$1
	`, id, domain.RegistrationFailed, lastError); err != nil {
		r.logger.Error("mark registration failed failed", "registration_id", id, "error", err)
		return err
	}
	return nil
}

func (r *RegistrationRepository) ListByRunName(ctx context.Context, runName string) ([]domain.Registration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+registrationColumns+`
		FROM model_registrations
		WHERE run_name=$1
		ORDER BY created_at DESC
	`, runName)
	if err != nil {
		r.logger.Error("list registrations query failed", "run_name", runName, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Registration, 0, 2)
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			r.logger.Error("scan registration row failed", "run_name", runName, "error", err)
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Retry requeues a FAILED registration with a fresh attempt budget.
func (r *RegistrationRepository) Retry(ctx context.Context, id uuid.UUID) (domain.Registration, error) {
	reg, err := scanRegistration(r.pool.QueryRow(ctx, `
		UPDATE model_registrations
		SET status=$2,
		    attempts=0,
		    next_attempt_at=NOW(),
		    started_at=NULL,
		    finished_at=NULL,
		    updated_at=NOW()
		WHERE id=$1 AND status=$3
		RETURNING `+registrationColumns,
		id,
		domain.RegistrationPending,
		domain.RegistrationFailed,
	))
	if err == nil {
		r.logger.Info("registration requeued", "registration_id", id, "run_name", reg.RunName)
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("requeue registration failed", "registration_id", id, "error", err)
		return domain.Registration{}, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM model_registrations WHERE id=$1)`,
		id,
	).Scan(&exists); err != nil {
		return domain.Registration{}, err
	}
	if !exists {
		return domain.Registration{}, domain.ErrRegistrationNotFound
	}
	return domain.Registration{}, domain.ErrRegistrationNotFailed
}

func scanRegistration(row pgx.Row) (domain.Registration, error) {
	var reg domain.Registration
	var status string
	if err := row.Scan(
		&reg.ID,
		&reg.RunRecordID,
		&reg.RunName,
		&reg.SourceRunID,
		&reg.TargetLabel,
		&status,
		&reg.Attempts,
		&reg.NextAttemptAt,
		&reg.ModelVersion,
		&reg.LastError,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	); err != nil {
		return domain.Registration{}, err
	}
	reg.Status = domain.RegistrationStatus(status)
	return reg, nil
}

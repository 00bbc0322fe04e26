// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunRecordRepository is the append-only automl_runs table. It exposes no
// update or delete.
type RunRecordRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRecordRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRecordRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRecordRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *RunRecordRepository) Append(ctx context.Context, record domain.RunRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automl_runs (
			id, name, created_at,
			experiment_id, experiment_path, data_run_id, best_trial_run_id,
			exploration_notebook_id, best_trial_notebook_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		record.ID,
		record.Name,
		record.CreatedAt,
		record.SearchJobID,
		record.SearchJobLocation,
		record.DataRunID,
		record.BestTrialID,
		record.ExplorationArtifactID,
		record.BestTrialArtifactID,
	)
	if err != nil {
		r.logger.Error("insert run record failed",
			"run_name", record.Name,
			"record_id", record.ID,
			"error", err,
		)
		return err
	}

	return nil
}

// QueryByName returns every record named name, most recent first. Columns
// are selected by name so rows carrying columns added by later writers
// still scan.
func (r *RunRecordRepository) QueryByName(ctx context.Context, name string) ([]domain.RunRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seq, id, name, created_at,
		       COALESCE(experiment_id, ''),
		       COALESCE(experiment_path, ''),
		       COALESCE(data_run_id, ''),
		       COALESCE(best_trial_run_id, ''),
		       COALESCE(exploration_notebook_id, ''),
		       COALESCE(best_trial_notebook_id, '')
		FROM automl_runs
		WHERE name=$1
		ORDER BY created_at DESC, seq DESC
	`, name)
	if err != nil {
		r.logger.Error("query run records failed", "run_name", name, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.RunRecord, 0, 2)
	for rows.Next() {
		var rec domain.RunRecord
		if err := rows.Scan(
			&rec.Seq,
			&rec.ID,
			&rec.Name,
			&rec.CreatedAt,
			&rec.SearchJobID,
			&rec.SearchJobLocation,
			&rec.DataRunID,
			&rec.BestTrialID,
			&rec.ExplorationArtifactID,
			&rec.BestTrialArtifactID,
		); err != nil {
			r.logger.Error("scan run record failed", "run_name", name, "error", err)
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("run records iteration failed", "run_name", name, "error", err)
		return nil, err
	}

	return out, nil
}

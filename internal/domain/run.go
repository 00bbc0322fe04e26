// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord is one appended row of the automl_runs table.
// Records are never updated; several may share a Name.
type RunRecord struct {
	ID                    uuid.UUID `json:"id"`
	Seq                   int64     `json:"seq"`
	Name                  string    `json:"name"`
	CreatedAt             time.Time `json:"created_at"`
	SearchJobID           string    `json:"search_job_id"`
	SearchJobLocation     string    `json:"search_job_location"`
	DataRunID             string    `json:"data_run_id"`
	BestTrialID           string    `json:"best_trial_id"`
	ExplorationArtifactID string    `json:"exploration_artifact_id"`
	BestTrialArtifactID   string    `json:"best_trial_artifact_id"`
}

type StartParams struct {
	Name           string
	TargetLabel    string
	Dataset        string
	LabelColumn    string
	TimeoutMinutes int
}

// SearchResult holds the identifiers returned by one classification search.
type SearchResult struct {
	JobID                 string
	JobLocation           string
	DataRunID             string
	BestTrialID           string
	ExplorationArtifactID string
	BestTrialArtifactID   string
}

type SummaryLinks struct {
	Exploration string `json:"exploration"`
	BestTrial   string `json:"best_trial"`
	Overview    string `json:"overview"`
}

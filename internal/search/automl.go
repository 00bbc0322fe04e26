// SPDX-License-Identifier: Apache-2.0

// Package search runs Databricks AutoML classification searches through a
// driver notebook submitted as a one-time job run.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/workspace"
)

const (
	TagExplorationNotebookID = "_databricks_automl.exploration_notebook_id"
	TagBestTrialNotebookID   = "_databricks_automl.best_trial_notebook_id"

	dataExplorationFilter = "tags.mlflow.source.name='Notebook: DataExploration'"
	maxPollFailures       = 3
)

// Workspace is the subset of the workspace client a search needs.
type Workspace interface {
	SubmitNotebookRun(ctx context.Context, run workspace.NotebookRun) (int64, error)
	GetRun(ctx context.Context, runID int64) (workspace.JobRun, error)
	GetRunOutput(ctx context.Context, runID int64) (string, error)
	CancelRun(ctx context.Context, runID int64) error
	GetExperiment(ctx context.Context, experimentID string) (workspace.Experiment, error)
	SearchRuns(ctx context.Context, experimentIDs []string, filter string, maxResults int) ([]workspace.RunInfo, error)
}

type Deps struct {
	Workspace    Workspace
	NotebookPath string
	ClusterID    string
	StartupGrace time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

type AutoMLSearch struct {
	workspace    Workspace
	notebookPath string
	clusterID    string
	startupGrace time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(deps Deps) *AutoMLSearch {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	grace := deps.StartupGrace
	if grace <= 0 {
		grace = 15 * time.Minute
	}

	poll := deps.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}

	return &AutoMLSearch{
		workspace:    deps.Workspace,
		notebookPath: deps.NotebookPath,
		clusterID:    deps.ClusterID,
		startupGrace: grace,
		pollInterval: poll,
		logger:       l,
	}
}

// driverOutput is the JSON the driver notebook passes to dbutils.notebook.exit.
type driverOutput struct {
	ExperimentID   string `json:"experiment_id"`
	BestTrialRunID string `json:"best_trial_run_id"`
}

// RunClassificationSearch blocks until the AutoML run finishes or
// timeoutMinutes plus the startup grace has elapsed.
func (s *AutoMLSearch) RunClassificationSearch(ctx context.Context, dataset string, labelColumn string, timeoutMinutes int) (domain.SearchResult, error) {
	if timeoutMinutes <= 0 {
		return domain.SearchResult{}, errors.New("timeout_minutes must be positive")
	}
	if strings.TrimSpace(s.notebookPath) == "" {
		return domain.SearchResult{}, errors.New("automl driver notebook path is not configured")
	}

	budget := time.Duration(timeoutMinutes)*time.Minute + s.startupGrace
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	jobRunID, err := s.workspace.SubmitNotebookRun(ctx, workspace.NotebookRun{
		RunName:      "automl classify " + dataset,
		ClusterID:    s.clusterID,
		NotebookPath: s.notebookPath,
		Parameters: map[string]string{
			"dataset":         dataset,
			"target_col":      labelColumn,
			"timeout_minutes": strconv.Itoa(timeoutMinutes),
		},
		TimeoutSeconds: int(budget.Seconds()),
	})
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("submit automl run: %w", err)
	}

	s.logger.Info("automl run submitted",
		"job_run_id", jobRunID,
		"dataset", dataset,
		"label_column", labelColumn,
		"timeout_minutes", timeoutMinutes,
	)

	run, err := s.waitForRun(ctx, jobRunID)
	if err != nil {
		return domain.SearchResult{}, err
	}

	raw, err := s.workspace.GetRunOutput(ctx, run.OutputRunID())
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("read automl run output: %w", err)
	}

	var out driverOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return domain.SearchResult{}, fmt.Errorf("decode automl run output %q: %w", raw, err)
	}
	if out.ExperimentID == "" || out.BestTrialRunID == "" {
		return domain.SearchResult{}, fmt.Errorf("automl run output missing experiment_id or best_trial_run_id: %q", raw)
	}

	return s.resolve(ctx, out)
}

func (s *AutoMLSearch) waitForRun(ctx context.Context, jobRunID int64) (workspace.JobRun, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		run, err := s.workspace.GetRun(ctx, jobRunID)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			s.logger.Warn("automl run poll failed",
				"job_run_id", jobRunID,
				"attempt", failures,
				"error", err,
			)
			if failures >= maxPollFailures {
				return workspace.JobRun{}, fmt.Errorf("poll automl run %d: %w", jobRunID, err)
			}
		case err == nil:
			failures = 0
			if run.State.Terminal() {
				if !run.State.Succeeded() {
					return workspace.JobRun{}, fmt.Errorf("automl run %d ended %s/%s: %s",
						jobRunID, run.State.LifeCycleState, run.State.ResultState, run.State.StateMessage)
				}
				s.logger.Info("automl run finished", "job_run_id", jobRunID)
				return run, nil
			}
		}

		select {
		case <-ctx.Done():
			s.cancelRun(jobRunID)
			return workspace.JobRun{}, fmt.Errorf("automl run %d did not finish: %w", jobRunID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *AutoMLSearch) cancelRun(jobRunID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.workspace.CancelRun(ctx, jobRunID); err != nil {
		s.logger.Error("cancel automl run failed", "job_run_id", jobRunID, "error", err)
		return
	}
	s.logger.Warn("automl run canceled after deadline", "job_run_id", jobRunID)
}

func (s *AutoMLSearch) resolve(ctx context.Context, out driverOutput) (domain.SearchResult, error) {
	exp, err := s.workspace.GetExperiment(ctx, out.ExperimentID)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("get automl experiment %s: %w", out.ExperimentID, err)
	}

	explorationID := exp.Tags[TagExplorationNotebookID]
	bestTrialNotebookID := exp.Tags[TagBestTrialNotebookID]
	if explorationID == "" || bestTrialNotebookID == "" {
		return domain.SearchResult{}, fmt.Errorf("automl experiment %s missing notebook tags", out.ExperimentID)
	}

	runs, err := s.workspace.SearchRuns(ctx, []string{out.ExperimentID}, dataExplorationFilter, 1)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("search data exploration run: %w", err)
	}
	if len(runs) == 0 {
		return domain.SearchResult{}, fmt.Errorf("automl experiment %s has no data exploration run", out.ExperimentID)
	}

	return domain.SearchResult{
		JobID:                 out.ExperimentID,
		JobLocation:           exp.Name,
		DataRunID:             runs[0].RunID,
		BestTrialID:           out.BestTrialRunID,
		ExplorationArtifactID: explorationID,
		BestTrialArtifactID:   bestTrialNotebookID,
	}, nil
}

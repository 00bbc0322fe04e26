// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"net/http"
	"net/url"
)

const (
	ModelVersionReady            = "READY"
	ModelVersionFailed           = "FAILED_REGISTRATION"
	ErrorCodeAlreadyExists       = "RESOURCE_ALREADY_EXISTS"
	mlflowExperimentsGetPath     = "/api/2.0/mlflow/experiments/get"
	mlflowRunsSearchPath         = "/api/2.0/mlflow/runs/search"
	mlflowRunsSetTagPath         = "/api/2.0/mlflow/runs/set-tag"
	mlflowRegisteredModelsPath   = "/api/2.0/mlflow/registered-models/create"
	mlflowModelVersionCreatePath = "/api/2.0/mlflow/model-versions/create"
	mlflowModelVersionGetPath    = "/api/2.0/mlflow/model-versions/get"
	mlflowModelVersionUpdatePath = "/api/2.0/mlflow/model-versions/update"
	mlflowModelVersionSearchPath = "/api/2.0/mlflow/model-versions/search"
	mlflowTransitionRequestPath  = "/api/2.0/mlflow/transition-requests/create"
)

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Experiment struct {
	ID   string
	Name string
	Tags map[string]string
}

type RunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
}

type ModelVersion struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	RunID         string `json:"run_id"`
	CurrentStage  string `json:"current_stage"`
}

func (c *Client) GetExperiment(ctx context.Context, experimentID string) (Experiment, error) {
	var resp struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
			Name         string `json:"name"`
			Tags         []tag  `json:"tags"`
		} `json:"experiment"`
	}

	if err := c.do(ctx, http.MethodGet, mlflowExperimentsGetPath, url.Values{
		"experiment_id": {experimentID},
	}, nil, &resp); err != nil {
		return Experiment{}, err
	}

	tags := make(map[string]string, len(resp.Experiment.Tags))
	for _, t := range resp.Experiment.Tags {
		tags[t.Key] = t.Value
	}

	return Experiment{
		ID:   resp.Experiment.ExperimentID,
		Name: resp.Experiment.Name,
		Tags: tags,
	}, nil
}

func (c *Client) SearchRuns(ctx context.Context, experimentIDs []string, filter string, maxResults int) ([]RunInfo, error) {
	var resp struct {
		Runs []struct {
			Info RunInfo `json:"info"`
		} `json:"runs"`
	}

	if err := c.do(ctx, http.MethodPost, mlflowRunsSearchPath, nil, map[string]any{
		"experiment_ids": experimentIDs,
		"filter":         filter,
		"max_results":    maxResults,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]RunInfo, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		out = append(out, r.Info)
	}
	return out, nil
}

func (c *Client) SetRunTag(ctx context.Context, runID string, key string, value string) error {
	return c.do(ctx, http.MethodPost, mlflowRunsSetTagPath, nil, map[string]string{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

func (c *Client) CreateRegisteredModel(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, mlflowRegisteredModelsPath, nil, map[string]string{
		"name": name,
	}, nil)
}

func (c *Client) CreateModelVersion(ctx context.Context, name string, source string, runID string) (ModelVersion, error) {
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	err := c.do(ctx, http.MethodPost, mlflowModelVersionCreatePath, nil, map[string]string{
		"name":   name,
		"source": source,
		"run_id": runID,
	}, &resp)
	return resp.ModelVersion, err
}

func (c *Client) GetModelVersion(ctx context.Context, name string, version string) (ModelVersion, error) {
	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	err := c.do(ctx, http.MethodGet, mlflowModelVersionGetPath, url.Values{
		"name":    {name},
		"version": {version},
	}, nil, &resp)
	return resp.ModelVersion, err
}

// SearchModelVersions lists model versions matching an MLflow filter such as
// "name='churn' and run_id='abc'".
func (c *Client) SearchModelVersions(ctx context.Context, filter string) ([]ModelVersion, error) {
	var resp struct {
		ModelVersions []ModelVersion `json:"model_versions"`
	}
	if err := c.do(ctx, http.MethodGet, mlflowModelVersionSearchPath, url.Values{
		"filter": {filter},
	}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ModelVersions, nil
}

func (c *Client) UpdateModelVersion(ctx context.Context, name string, version string, description string) error {
	return c.do(ctx, http.MethodPatch, mlflowModelVersionUpdatePath, nil, map[string]string{
		"name":        name,
		"version":     version,
		"description": description,
	}, nil)
}

// CreateTransitionRequest asks for version to move to stage. Databricks
// archives the versions currently in stage when archiveExisting is set.
func (c *Client) CreateTransitionRequest(ctx context.Context, name string, version string, stage string, archiveExisting bool) error {
	return c.do(ctx, http.MethodPost, mlflowTransitionRequestPath, nil, map[string]any{
		"name":                      name,
		"version":                   version,
		"stage":                     stage,
		"archive_existing_versions": archiveExisting,
	}, nil)
}

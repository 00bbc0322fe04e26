// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

const (
	LifeCycleTerminated   = "TERMINATED"
	LifeCycleSkipped      = "SKIPPED"
	LifeCycleInternalErr  = "INTERNAL_ERROR"
	ResultStateSuccess    = "SUCCESS"
	notebookTaskKey       = "automl"
	jobsRunsSubmitPath    = "/api/2.1/jobs/runs/submit"
	jobsRunsGetPath       = "/api/2.1/jobs/runs/get"
	jobsRunsGetOutputPath = "/api/2.1/jobs/runs/get-output"
	jobsRunsCancelPath    = "/api/2.1/jobs/runs/cancel"
)

// NotebookRun describes a one-time notebook run on an existing cluster.
type NotebookRun struct {
	RunName        string
	ClusterID      string
	NotebookPath   string
	Parameters     map[string]string
	TimeoutSeconds int
}

type RunState struct {
	LifeCycleState string `json:"life_cycle_state"`
	ResultState    string `json:"result_state"`
	StateMessage   string `json:"state_message"`
}

func (s RunState) Terminal() bool {
	switch s.LifeCycleState {
	case LifeCycleTerminated, LifeCycleSkipped, LifeCycleInternalErr:
		return true
	default:
		return false
	}
}

func (s RunState) Succeeded() bool {
	return s.LifeCycleState == LifeCycleTerminated && s.ResultState == ResultStateSuccess
}

type TaskRun struct {
	RunID   int64  `json:"run_id"`
	TaskKey string `json:"task_key"`
}

type JobRun struct {
	RunID int64     `json:"run_id"`
	State RunState  `json:"state"`
	Tasks []TaskRun `json:"tasks"`
}

// OutputRunID is the run id whose output holds the notebook result: the
// single task run for multi-task submissions, the run itself otherwise.
func (r JobRun) OutputRunID() int64 {
	if len(r.Tasks) > 0 && r.Tasks[0].RunID != 0 {
		return r.Tasks[0].RunID
	}
	return r.RunID
}

type submitRunRequest struct {
	RunName        string          `json:"run_name,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Tasks          []submitRunTask `json:"tasks"`
}

type submitRunTask struct {
	TaskKey           string       `json:"task_key"`
	ExistingClusterID string       `json:"existing_cluster_id,omitempty"`
	NotebookTask      notebookTask `json:"notebook_task"`
}

type notebookTask struct {
	NotebookPath   string            `json:"notebook_path"`
	BaseParameters map[string]string `json:"base_parameters,omitempty"`
}

func (c *Client) SubmitNotebookRun(ctx context.Context, run NotebookRun) (int64, error) {
	var resp struct {
		RunID int64 `json:"run_id"`
	}

	err := c.do(ctx, http.MethodPost, jobsRunsSubmitPath, nil, submitRunRequest{
		RunName:        run.RunName,
		TimeoutSeconds: run.TimeoutSeconds,
		Tasks: []submitRunTask{{
			TaskKey:           notebookTaskKey,
			ExistingClusterID: run.ClusterID,
			NotebookTask: notebookTask{
				NotebookPath:   run.NotebookPath,
				BaseParameters: run.Parameters,
			},
		}},
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.RunID, nil
}

func (c *Client) GetRun(ctx context.Context, runID int64) (JobRun, error) {
	var run JobRun
	err := c.do(ctx, http.MethodGet, jobsRunsGetPath, url.Values{
		"run_id": {strconv.FormatInt(runID, 10)},
	}, nil, &run)
	return run, err
}

// GetRunOutput returns the value the notebook passed to dbutils.notebook.exit.
func (c *Client) GetRunOutput(ctx context.Context, runID int64) (string, error) {
	var resp struct {
		NotebookOutput struct {
			Result string `json:"result"`
		} `json:"notebook_output"`
		Error string `json:"error"`
	}

	if err := c.do(ctx, http.MethodGet, jobsRunsGetOutputPath, url.Values{
		"run_id": {strconv.FormatInt(runID, 10)},
	}, nil, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &APIError{StatusCode: http.StatusOK, Code: "RUN_ERROR", Message: resp.Error}
	}
	return resp.NotebookOutput.Result, nil
}

func (c *Client) CancelRun(ctx context.Context, runID int64) error {
	return c.do(ctx, http.MethodPost, jobsRunsCancelPath, nil, map[string]int64{
		"run_id": runID,
	}, nil)
}

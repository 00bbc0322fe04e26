// SPDX-License-Identifier: Apache-2.0

// Package modelregistry publishes a run's best trial as a new version of an
// MLflow registered model.
package modelregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/workspace"
)

const DefaultDescription = "This model version was built using autoML and automatically getting the best model."

type Workspace interface {
	CreateRegisteredModel(ctx context.Context, name string) error
	CreateModelVersion(ctx context.Context, name string, source string, runID string) (workspace.ModelVersion, error)
	GetModelVersion(ctx context.Context, name string, version string) (workspace.ModelVersion, error)
	SearchModelVersions(ctx context.Context, filter string) ([]workspace.ModelVersion, error)
	SetRunTag(ctx context.Context, runID string, key string, value string) error
	UpdateModelVersion(ctx context.Context, name string, version string, description string) error
	CreateTransitionRequest(ctx context.Context, name string, version string, stage string, archiveExisting bool) error
}

type Options struct {
	Workspace   Workspace
	Stage       string
	Description string
	RunTags     map[string]string
	// ReadyTimeout bounds the wait for a new version to leave
	// PENDING_REGISTRATION. Zero skips the wait.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

type MLflowRegistry struct {
	workspace    Workspace
	stage        string
	description  string
	runTags      map[string]string
	readyTimeout time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(opts Options) *MLflowRegistry {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}

	desc := opts.Description
	if strings.TrimSpace(desc) == "" {
		desc = DefaultDescription
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &MLflowRegistry{
		workspace:    opts.Workspace,
		stage:        strings.TrimSpace(opts.Stage),
		description:  desc,
		runTags:      opts.RunTags,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: poll,
		logger:       l,
	}
}

// RegisterModel registers req.SourceRunID's model under req.TargetLabel and
// returns the version. A version already created from the same run is
// reused, so a retried registration finishes the earlier version instead of
// adding another.
func (r *MLflowRegistry) RegisterModel(ctx context.Context, req domain.RegistrationRequest) (string, error) {
	name := strings.TrimSpace(req.TargetLabel)
	if name == "" || strings.TrimSpace(req.SourceRunID) == "" {
		return "", errors.New("registration requires target_label and source_run_id")
	}

	if err := r.workspace.CreateRegisteredModel(ctx, name); err != nil && !workspace.IsErrorCode(err, workspace.ErrorCodeAlreadyExists) {
		return "", fmt.Errorf("create registered model %s: %w", name, err)
	}

	for _, key := range sortedKeys(r.runTags) {
		if err := r.workspace.SetRunTag(ctx, req.SourceRunID, key, r.runTags[key]); err != nil {
			return "", fmt.Errorf("tag run %s with %s: %w", req.SourceRunID, key, err)
		}
	}

	mv, found, err := r.existingVersion(ctx, name, req.SourceRunID)
	if err != nil {
		return "", err
	}
	if found {
		r.logger.Info("resuming model version",
			"registration_id", req.ID,
			"model_name", name,
			"model_version", mv.Version,
			"status", mv.Status,
		)
	} else {
		mv, err = r.workspace.CreateModelVersion(ctx, name, "runs:/"+req.SourceRunID+"/model", req.SourceRunID)
		if err != nil {
			return "", fmt.Errorf("create model version for %s: %w", name, err)
		}
		if mv.Version == "" {
			return "", fmt.Errorf("create model version for %s: empty version", name)
		}
	}

	if err := r.waitReady(ctx, name, mv.Version); err != nil {
		return "", err
	}

	if err := r.workspace.UpdateModelVersion(ctx, name, mv.Version, r.description); err != nil {
		return "", fmt.Errorf("describe %s version %s: %w", name, mv.Version, err)
	}

	if r.stage != "" && !strings.EqualFold(mv.CurrentStage, r.stage) {
		if err := r.workspace.CreateTransitionRequest(ctx, name, mv.Version, r.stage, true); err != nil {
			return "", fmt.Errorf("request %s transition for %s version %s: %w", r.stage, name, mv.Version, err)
		}
	}

	r.logger.Info("model version registered",
		"registration_id", req.ID,
		"run_name", req.RunName,
		"model_name", name,
		"model_version", mv.Version,
		"stage", r.stage,
	)

	return mv.Version, nil
}

// existingVersion returns the highest version of name built from runID.
func (r *MLflowRegistry) existingVersion(ctx context.Context, name string, runID string) (workspace.ModelVersion, bool, error) {
	filter := fmt.Sprintf("name='%s' and run_id='%s'", quoteFilter(name), quoteFilter(runID))
	versions, err := r.workspace.SearchModelVersions(ctx, filter)
	if err != nil {
		return workspace.ModelVersion{}, false, fmt.Errorf("search versions of %s for run %s: %w", name, runID, err)
	}

	var (
		best    workspace.ModelVersion
		bestNum = -1
	)
	for _, mv := range versions {
		if (mv.RunID != "" && mv.RunID != runID) || mv.Status == workspace.ModelVersionFailed {
			continue
		}
		n, err := strconv.Atoi(mv.Version)
		if err != nil {
			continue
		}
		if n > bestNum {
			best, bestNum = mv, n
		}
	}
	return best, bestNum >= 0, nil
}

func quoteFilter(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

func (r *MLflowRegistry) waitReady(ctx context.Context, name string, version string) error {
	if r.readyTimeout <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		mv, err := r.workspace.GetModelVersion(ctx, name, version)
		if err == nil {
			switch mv.Status {
			case workspace.ModelVersionReady:
				return nil
			case workspace.ModelVersionFailed:
				return fmt.Errorf("%s version %s failed registration: %s", name, version, mv.StatusMessage)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s version %s not ready: %w", name, version, ctx.Err())
		case <-ticker.C:
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

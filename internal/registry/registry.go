// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/metrics"
	"github.com/google/uuid"
)

type Deps struct {
	Store         Store
	Search        SearchService
	Registrations RegistrationQueue
	Locker        Locker
	Logger        *slog.Logger
	Now           func() time.Time
}

// Registry memoizes AutoML search runs by name on top of Store.
type Registry struct {
	store         Store
	search        SearchService
	registrations RegistrationQueue
	locker        Locker
	logger        *slog.Logger
	now           func() time.Time
}

func New(deps Deps) *Registry {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Registry{
		store:         deps.Store,
		search:        deps.Search,
		registrations: deps.Registrations,
		locker:        deps.Locker,
		logger:        l,
		now:           now,
	}
}

// GetOrStart returns the most recent record stored under params.Name. When
// none exists it runs a classification search, appends the resulting record,
// queues the best trial for model registration and returns the record as
// read back from the store.
//
// Registration failures are logged and do not fail the call.
func (r *Registry) GetOrStart(ctx context.Context, params domain.StartParams) (domain.RunRecord, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return domain.RunRecord{}, fmt.Errorf("%w: name is required", domain.ErrInvalidStartParams)
	}

	created, hit, err := r.findOrCreate(ctx, params)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if hit {
		return created, nil
	}

	r.enqueueRegistration(ctx, created, params.TargetLabel)

	latest, found, err := r.latest(ctx, params.Name)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if !found {
		r.logger.Error("appended run not visible",
			"run_name", params.Name,
			"record_id", created.ID,
		)
		return domain.RunRecord{}, fmt.Errorf("%w: record %s not visible after append", domain.ErrStoreUnavailable, created.ID)
	}

	return latest, nil
}

// findOrCreate covers lookup, search and append. The optional locker is held
// for exactly this span.
func (r *Registry) findOrCreate(ctx context.Context, params domain.StartParams) (domain.RunRecord, bool, error) {
	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, params.Name)
		if err != nil {
			r.logger.Error("acquire run lock failed", "run_name", params.Name, "error", err)
			return domain.RunRecord{}, false, errors.Join(domain.ErrStoreUnavailable, err)
		}
		defer unlock()
	}

	existing, found, err := r.latest(ctx, params.Name)
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	if found {
		metrics.IncRunLookup("hit")
		r.logger.Debug("run cache hit",
			"run_name", params.Name,
			"record_id", existing.ID,
			"created_at", existing.CreatedAt,
		)
		return existing, true, nil
	}
	metrics.IncRunLookup("miss")

	if err := validateMissParams(params); err != nil {
		return domain.RunRecord{}, false, err
	}

	r.logger.Info("no stored run, starting automl search",
		"run_name", params.Name,
		"dataset", params.Dataset,
		"label_column", params.LabelColumn,
		"timeout_minutes", params.TimeoutMinutes,
	)

	started := time.Now()
	result, err := r.search.RunClassificationSearch(ctx, params.Dataset, params.LabelColumn, params.TimeoutMinutes)
	metrics.ObserveSearchDuration(time.Since(started))
	if err == nil {
		err = validateSearchResult(result)
	}
	if err != nil {
		metrics.IncSearchFailures()
		r.logger.Error("automl search failed",
			"run_name", params.Name,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		return domain.RunRecord{}, false, fmt.Errorf("%w: %w", domain.ErrSearchFailed, err)
	}

	record := domain.RunRecord{
		ID:                    uuid.New(),
		Name:                  params.Name,
		CreatedAt:             r.now().UTC(),
		SearchJobID:           result.JobID,
		SearchJobLocation:     result.JobLocation,
		DataRunID:             result.DataRunID,
		BestTrialID:           result.BestTrialID,
		ExplorationArtifactID: result.ExplorationArtifactID,
		BestTrialArtifactID:   result.BestTrialArtifactID,
	}

	if err := r.store.Append(ctx, record); err != nil {
		r.logger.Error("append run record failed",
			"run_name", params.Name,
			"record_id", record.ID,
			"search_job_id", record.SearchJobID,
			"error", err,
		)
		return domain.RunRecord{}, false, errors.Join(domain.ErrStoreUnavailable, err)
	}

	r.logger.Info("run record appended",
		"run_name", record.Name,
		"record_id", record.ID,
		"search_job_id", record.SearchJobID,
		"best_trial_id", record.BestTrialID,
	)

	return record, false, nil
}

func (r *Registry) enqueueRegistration(ctx context.Context, record domain.RunRecord, targetLabel string) {
	if r.registrations == nil {
		r.logger.Warn("model registration skipped: no registration queue configured",
			"run_name", record.Name,
			"record_id", record.ID,
		)
		return
	}

	req := domain.RegistrationRequest{
		ID:          uuid.New(),
		RunRecordID: record.ID,
		RunName:     record.Name,
		SourceRunID: record.BestTrialID,
		TargetLabel: targetLabel,
	}

	if err := r.registrations.Enqueue(ctx, req); err != nil {
		metrics.IncRegistrationEnqueueFailures()
		r.logger.Error("model registration not queued",
			"run_name", record.Name,
			"record_id", record.ID,
			"target_label", targetLabel,
			"error", errors.Join(domain.ErrRegistrationFailed, err),
		)
		return
	}

	r.logger.Info("model registration queued",
		"run_name", record.Name,
		"registration_id", req.ID,
		"target_label", targetLabel,
	)
}

// Lookup returns the most recent record for name without starting a search.
func (r *Registry) Lookup(ctx context.Context, name string) (domain.RunRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.RunRecord{}, fmt.Errorf("%w: name is required", domain.ErrInvalidStartParams)
	}

	record, found, err := r.latest(ctx, name)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if !found {
		return domain.RunRecord{}, domain.ErrRunNotFound
	}
	return record, nil
}

// History returns every record stored under name, most recent first.
func (r *Registry) History(ctx context.Context, name string) ([]domain.RunRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidStartParams)
	}

	records, err := r.store.QueryByName(ctx, name)
	if err != nil {
		r.logger.Error("query run history failed", "run_name", name, "error", err)
		return nil, errors.Join(domain.ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return nil, domain.ErrRunNotFound
	}
	return records, nil
}

func (r *Registry) latest(ctx context.Context, name string) (domain.RunRecord, bool, error) {
	records, err := r.store.QueryByName(ctx, name)
	if err != nil {
		r.logger.Error("query run by name failed", "run_name", name, "error", err)
		return domain.RunRecord{}, false, errors.Join(domain.ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return domain.RunRecord{}, false, nil
	}
	return records[0], true, nil
}

func validateMissParams(params domain.StartParams) error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(params.TargetLabel) == "" {
		missing = append(missing, "target_label")
	}
	if strings.TrimSpace(params.Dataset) == "" {
		missing = append(missing, "dataset")
	}
	if strings.TrimSpace(params.LabelColumn) == "" {
		missing = append(missing, "label_column")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required to start a search", domain.ErrInvalidStartParams, strings.Join(missing, ", "))
	}
	if params.TimeoutMinutes <= 0 {
		return fmt.Errorf("%w: timeout_minutes must be positive", domain.ErrInvalidStartParams)
	}
	return nil
}

func validateSearchResult(result domain.SearchResult) error {
	if strings.TrimSpace(result.JobID) == "" {
		return errors.New("search returned no job id")
	}
	if strings.TrimSpace(result.BestTrialID) == "" {
		return errors.New("search returned no best trial")
	}
	return nil
}

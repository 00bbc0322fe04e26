// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/adiadia/automl-registry/internal/domain"
)

const (
	notebookLinkTemplate   = "%s/#notebook/%s"
	experimentLinkTemplate = "%s/#mlflow/experiments/%s/s?orderByKey=metrics.%%60val_f1_score%%60&orderByAsc=false"
)

// LinkBuilder renders workspace links for a run. An empty BaseURL yields
// workspace-relative links.
type LinkBuilder struct {
	BaseURL string
}

// BuildSummaryLinks renders workspace-relative links for record.
func BuildSummaryLinks(record domain.RunRecord) (domain.SummaryLinks, error) {
	return LinkBuilder{}.Build(record)
}

func (b LinkBuilder) Build(record domain.RunRecord) (domain.SummaryLinks, error) {
	exploration := strings.TrimSpace(record.ExplorationArtifactID)
	bestTrial := strings.TrimSpace(record.BestTrialArtifactID)
	experiment := strings.TrimSpace(record.SearchJobID)

	missing := make([]string, 0, 3)
	if exploration == "" {
		missing = append(missing, "exploration_artifact_id")
	}
	if bestTrial == "" {
		missing = append(missing, "best_trial_artifact_id")
	}
	if experiment == "" {
		missing = append(missing, "search_job_id")
	}
	if len(missing) > 0 {
		return domain.SummaryLinks{}, fmt.Errorf("%w: run %q missing %s", domain.ErrMalformedRecord, record.Name, strings.Join(missing, ", "))
	}

	base := strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")

	return domain.SummaryLinks{
		Exploration: fmt.Sprintf(notebookLinkTemplate, base, url.PathEscape(exploration)),
		BestTrial:   fmt.Sprintf(notebookLinkTemplate, base, url.PathEscape(bestTrial)),
		Overview:    fmt.Sprintf(experimentLinkTemplate, base, url.PathEscape(experiment)),
	}, nil
}

// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/google/uuid"
)

type RunRegistry interface {
	GetOrStart(ctx context.Context, params domain.StartParams) (domain.RunRecord, error)
	Lookup(ctx context.Context, name string) (domain.RunRecord, error)
	History(ctx context.Context, name string) ([]domain.RunRecord, error)
}

type RegistrationAdmin interface {
	ListByRunName(ctx context.Context, runName string) ([]domain.Registration, error)
	Retry(ctx context.Context, id uuid.UUID) (domain.Registration, error)
}

type LinkBuilder interface {
	Build(record domain.RunRecord) (domain.SummaryLinks, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/adiadia/automl-registry/internal/domain"
)

// Store is the append-only run table. QueryByName returns the most recent
// record first.
type Store interface {
	Append(ctx context.Context, record domain.RunRecord) error
	QueryByName(ctx context.Context, name string) ([]domain.RunRecord, error)
}

type SearchService interface {
	RunClassificationSearch(ctx context.Context, dataset string, labelColumn string, timeoutMinutes int) (domain.SearchResult, error)
}

// RegistrationQueue accepts model registrations to be carried out later by
// the outbox worker.
type RegistrationQueue interface {
	Enqueue(ctx context.Context, req domain.RegistrationRequest) error
}

// Locker serializes callers that start runs under the same name.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

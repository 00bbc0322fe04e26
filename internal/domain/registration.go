// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RegistrationStatus string

const (
	RegistrationPending    RegistrationStatus = "PENDING"
	RegistrationInProgress RegistrationStatus = "IN_PROGRESS"
	RegistrationSucceeded  RegistrationStatus = "SUCCEEDED"
	RegistrationFailed     RegistrationStatus = "FAILED"
)

// RegistrationRequest asks for the best trial of a run to be registered
// as a new version of the TargetLabel model.
type RegistrationRequest struct {
	ID          uuid.UUID `json:"id"`
	RunRecordID uuid.UUID `json:"run_record_id"`
	RunName     string    `json:"run_name"`
	SourceRunID string    `json:"source_run_id"`
	TargetLabel string    `json:"target_label"`
}

type Registration struct {
	RegistrationRequest
	Status        RegistrationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	ModelVersion  string             `json:"model_version,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

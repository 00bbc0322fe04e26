// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type registeredWebhookPayload struct {
	RegistrationID uuid.UUID                 `json:"registration_id"`
	RunName        string                    `json:"run_name"`
	ModelName      string                    `json:"model_name"`
	ModelVersion   string                    `json:"model_version"`
	Status         domain.RegistrationStatus `json:"status"`
	FinishedAt     time.Time                 `json:"finished_at"`
}

// deliverRegisteredWebhook announces a new model version. Delivery failures
// are logged and never change the registration outcome.
func (w *Worker) deliverRegisteredWebhook(ctx context.Context, reg domain.Registration, version string, finishedAt time.Time) {
	webhookURL := strings.TrimSpace(w.webhookURL)
	if webhookURL == "" || w.httpClient == nil {
		return
	}

	regID := reg.ID
	body, err := json.Marshal(registeredWebhookPayload{
		RegistrationID: regID,
		RunName:        reg.RunName,
		ModelName:      reg.TargetLabel,
		ModelVersion:   version,
		Status:         domain.RegistrationSucceeded,
		FinishedAt:     finishedAt,
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"registration_id", regID,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(w.webhookSecret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"registration_id", regID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"registration_id", regID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"registration_id", regID,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"registration_id", regID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"registration_id", regID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"registration_id", regID,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

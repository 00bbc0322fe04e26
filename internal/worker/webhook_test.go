// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/google/uuid"
)

func sampleRegistration() domain.Registration {
	return domain.Registration{
		RegistrationRequest: domain.RegistrationRequest{
			ID:          uuid.New(),
			RunRecordID: uuid.New(),
			RunName:     "churn-2026-10",
			SourceRunID: "run-best",
			TargetLabel: "churned",
		},
		Status:   domain.RegistrationInProgress,
		Attempts: 1,
	}
}

func TestDeliverRegisteredWebhookRetriesAndSigns(t *testing.T) {
	var attempts int32
	reg := sampleRegistration()
	finishedAt := time.Now().UTC().Truncate(time.Second)
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signWebhookPayload(secret, body)
		if gotSig != wantSig {
			t.Fatalf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload registeredWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.RegistrationID != reg.ID {
			t.Fatalf("expected registration id %s got %s", reg.ID, payload.RegistrationID)
		}
		if payload.ModelName != "churned" || payload.ModelVersion != "4" {
			t.Fatalf("unexpected model in payload %+v", payload)
		}
		if payload.Status != domain.RegistrationSucceeded {
			t.Fatalf("expected status %s got %s", domain.RegistrationSucceeded, payload.Status)
		}
		if !payload.FinishedAt.Equal(finishedAt) {
			t.Fatalf("expected finished_at %s got %s", finishedAt, payload.FinishedAt)
		}

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	w := &Worker{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient:    client,
		webhookURL:    "http://webhook.local/callback",
		webhookSecret: secret,
	}

	w.deliverRegisteredWebhook(context.Background(), reg, "4", finishedAt)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestDeliverRegisteredWebhookStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get(webhookHeaderSig) != "" {
			t.Fatalf("expected unsigned request without a secret")
		}
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	w := &Worker{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient: client,
		webhookURL: "http://webhook.local/callback",
	}

	w.deliverRegisteredWebhook(context.Background(), sampleRegistration(), "1", time.Now().UTC())

	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestDeliverRegisteredWebhookSkippedWithoutURL(t *testing.T) {
	var attempts int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, nil
	})}

	w := &Worker{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient: client,
	}
	w.deliverRegisteredWebhook(context.Background(), sampleRegistration(), "1", time.Now())

	if got := atomic.LoadInt32(&attempts); got != 0 {
		t.Fatalf("expected no webhook attempts got %d", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

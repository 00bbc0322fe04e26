package worker

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/metrics"
	"github.com/google/uuid"
)

// Queue is the outbox side the worker drains.
type Queue interface {
	ClaimDue(ctx context.Context, reclaimBefore time.Time) (domain.Registration, bool, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, modelVersion string) error
	MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

type ModelRegistry interface {
	RegisterModel(ctx context.Context, req domain.RegistrationRequest) (string, error)
}

type Deps struct {
	Queue          Queue
	Registry       ModelRegistry
	Logger         *slog.Logger
	ReclaimAfter   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	HTTPClient     *http.Client
	WebhookURL     string
	WebhookSecret  string
	Now            func() time.Time
}

type Worker struct {
	queue          Queue
	registry       ModelRegistry
	logger         *slog.Logger
	reclaimAfter   time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	webhookURL     string
	webhookSecret  string
	now            func() time.Time
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 30 * time.Minute
	}

	maxAtt := deps.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 5
	}

	retryBase := deps.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		queue:          deps.Queue,
		registry:       deps.Registry,
		logger:         l,
		reclaimAfter:   reclaim,
		maxAttempts:    maxAtt,
		retryBaseDelay: retryBase,
		httpClient:     client,
		webhookURL:     strings.TrimSpace(deps.WebhookURL),
		webhookSecret:  deps.WebhookSecret,
		now:            now,
	}
}

// Run calls ProcessOnce every interval until ctx is canceled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything due before waiting again.
		for {
			processed, err := w.ProcessOnce(ctx)
			if err != nil {
				w.logger.Error("worker process failed", "error", err)
				break
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessOnce handles at most one due registration and reports whether one
// was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	claimStarted := time.Now()
	reg, ok, err := w.queue.ClaimDue(ctx, w.now().Add(-w.reclaimAfter))
	metrics.ObserveWorkerClaimLatency(time.Since(claimStarted))
	if err != nil {
		w.logger.Error("claim registration failed", "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}

	w.logger.Info("registration claimed",
		"registration_id", reg.ID,
		"run_name", reg.RunName,
		"record_id", reg.RunRecordID,
		"attempt", reg.Attempts,
	)

	started := time.Now()
	version, regErr := w.registry.RegisterModel(ctx, reg.RegistrationRequest)
	metrics.ObserveRegistrationDuration(time.Since(started))

	if regErr != nil {
		return true, w.markFailedAttempt(ctx, reg, regErr)
	}

	if err := w.queue.MarkSucceeded(ctx, reg.ID, version); err != nil {
		w.logger.Error("mark registration succeeded failed",
			"registration_id", reg.ID,
			"run_name", reg.RunName,
			"error", err,
		)
		return true, err
	}
	metrics.IncRegistrationStatus(domain.RegistrationSucceeded)

	w.logger.Info("registration completed",
		"registration_id", reg.ID,
		"run_name", reg.RunName,
		"model_version", version,
	)

	w.deliverRegisteredWebhook(ctx, reg, version, w.now())
	return true, nil
}

// markFailedAttempt reschedules with exponential backoff up to maxAttempts.
// - if attempts < maxAttempts: back to PENDING at now + base*2^(attempts-1)
// - else: FAILED until requeued by an operator
func (w *Worker) markFailedAttempt(ctx context.Context, reg domain.Registration, regErr error) error {
	if reg.Attempts < w.maxAttempts {
		next := w.now().Add(w.backoff(reg.Attempts))
		w.logger.Warn("registration failed - retrying",
			"registration_id", reg.ID,
			"run_name", reg.RunName,
			"attempt", reg.Attempts,
			"max_attempts", w.maxAttempts,
			"next_attempt_at", next,
			"error", regErr,
		)
		if err := w.queue.MarkRetry(ctx, reg.ID, next, regErr.Error()); err != nil {
			return err
		}
		metrics.IncRegistrationStatus(domain.RegistrationPending)
		return nil
	}

	w.logger.Error("registration permanently failed",
		"registration_id", reg.ID,
		"run_name", reg.RunName,
		"attempts", reg.Attempts,
		"max_attempts", w.maxAttempts,
		"error", regErr,
	)
	if err := w.queue.MarkFailed(ctx, reg.ID, regErr.Error()); err != nil {
		return err
	}
	metrics.IncRegistrationStatus(domain.RegistrationFailed)
	return nil
}

func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return w.retryBaseDelay * time.Duration(1<<(attempt-1))
}

// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runLookupsCounter              *prometheus.CounterVec
	searchDurationMetric           prometheus.Histogram
	searchFailuresCounter          prometheus.Counter
	registrationEnqueueFailCounter prometheus.Counter
	registrationsTotalCounter      *prometheus.CounterVec
	registrationDurationMetric     prometheus.Histogram
	workerClaimLatencyMetric       prometheus.Histogram
)

// searchBuckets spans one to ninety minutes; AutoML runs are bounded by
// timeout_minutes plus cluster startup.
var searchBuckets = []float64{60, 120, 300, 600, 900, 1200, 1800, 2700, 3600, 5400}

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runLookupsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_lookups_total",
				Help: "Total number of run registry lookups by outcome (hit or miss).",
			},
			[]string{"outcome"},
		)

		searchDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "automl_search_duration_seconds",
				Help:    "Duration of AutoML classification searches in seconds.",
				Buckets: searchBuckets,
			},
		)

		searchFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "automl_search_failures_total",
				Help: "Total number of failed or timed out AutoML searches.",
			},
		)

		registrationEnqueueFailCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "model_registration_enqueue_failures_total",
				Help: "Total number of model registrations that could not be queued.",
			},
		)

		registrationsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_registrations_total",
				Help: "Total number of model registration outcomes by status.",
			},
			[]string{"status"},
		)

		registrationDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "model_registration_duration_seconds",
				Help:    "Duration of model registry calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		workerClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_claim_latency_seconds",
				Help:    "Latency of outbox claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			runLookupsCounter,
			searchDurationMetric,
			searchFailuresCounter,
			registrationEnqueueFailCounter,
			registrationsTotalCounter,
			registrationDurationMetric,
			workerClaimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, outcome := range []string{"hit", "miss"} {
			runLookupsCounter.WithLabelValues(outcome)
		}

		for _, status := range []domain.RegistrationStatus{
			domain.RegistrationPending,
			domain.RegistrationSucceeded,
			domain.RegistrationFailed,
		} {
			registrationsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncRunLookup(outcome string) {
	Init()
	runLookupsCounter.WithLabelValues(outcome).Inc()
}

func ObserveSearchDuration(d time.Duration) {
	Init()
	searchDurationMetric.Observe(d.Seconds())
}

func IncSearchFailures() {
	Init()
	searchFailuresCounter.Inc()
}

func IncRegistrationEnqueueFailures() {
	Init()
	registrationEnqueueFailCounter.Inc()
}

func IncRegistrationStatus(status domain.RegistrationStatus) {
	Init()
	registrationsTotalCounter.WithLabelValues(string(status)).Inc()
}

func ObserveRegistrationDuration(d time.Duration) {
	Init()
	registrationDurationMetric.Observe(d.Seconds())
}

func ObserveWorkerClaimLatency(d time.Duration) {
	Init()
	workerClaimLatencyMetric.Observe(d.Seconds())
}

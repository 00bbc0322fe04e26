// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/automl-registry/internal/domain"
	"github.com/adiadia/automl-registry/internal/metrics"
	"github.com/adiadia/automl-registry/internal/registry"
	"github.com/adiadia/automl-registry/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 1 << 20

type startRunRequest struct {
	Name           string `json:"name"`
	TargetLabel    string `json:"target_label"`
	Dataset        string `json:"dataset"`
	LabelColumn    string `json:"label_column"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

type runResponse struct {
	Record domain.RunRecord     `json:"record"`
	Links  *domain.SummaryLinks `json:"links,omitempty"`
}

type Deps struct {
	Registry      RunRegistry
	Registrations RegistrationAdmin
	Links         LinkBuilder
	Health        HealthChecker
	Logger        *slog.Logger
	AdminToken    string
	Version       string
	Commit        string
	BuildDate     string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	var links LinkBuilder = registry.LinkBuilder{}
	if deps.Links != nil {
		links = deps.Links
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "schema not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RUNS ----------------

	r.Route("/runs", func(runs chi.Router) {
		runs.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).Post("/", func(w http.ResponseWriter, r *http.Request) {
			reqBody, err := decodeStartRunRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			record, err := deps.Registry.GetOrStart(r.Context(), domain.StartParams{
				Name:           reqBody.Name,
				TargetLabel:    reqBody.TargetLabel,
				Dataset:        reqBody.Dataset,
				LabelColumn:    reqBody.LabelColumn,
				TimeoutMinutes: reqBody.TimeoutMinutes,
			})
			if err != nil {
				writeRegistryError(w, logger, reqBody.Name, err)
				return
			}

			resp := runResponse{Record: record}
			if l, err := links.Build(record); err == nil {
				resp.Links = &l
			} else {
				logger.Warn("summary links unavailable", "run_name", record.Name, "record_id", record.ID, "error", err)
			}

			writeJSON(w, http.StatusOK, resp)
		})

		runs.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			record, err := deps.Registry.Lookup(r.Context(), name)
			if err != nil {
				writeRegistryError(w, logger, name, err)
				return
			}

			writeJSON(w, http.StatusOK, record)
		})

		runs.Get("/{name}/history", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			records, err := deps.Registry.History(r.Context(), name)
			if err != nil {
				writeRegistryError(w, logger, name, err)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				Name    string             `json:"name"`
				Records []domain.RunRecord `json:"records"`
			}{
				Name:    name,
				Records: records,
			})
		})

		runs.Get("/{name}/links", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			record, err := deps.Registry.Lookup(r.Context(), name)
			if err != nil {
				writeRegistryError(w, logger, name, err)
				return
			}

			l, err := links.Build(record)
			if err != nil {
				writeRegistryError(w, logger, name, err)
				return
			}

			writeJSON(w, http.StatusOK, l)
		})
	})

	// ---------------- REGISTRATIONS ----------------

	if deps.Registrations != nil {
		r.Route("/registrations", func(regs chi.Router) {
			regs.Get("/", func(w http.ResponseWriter, r *http.Request) {
				name := strings.TrimSpace(r.URL.Query().Get("run_name"))
				if name == "" {
					http.Error(w, "run_name is required", http.StatusBadRequest)
					return
				}

				list, err := deps.Registrations.ListByRunName(r.Context(), name)
				if err != nil {
					logger.Error("list registrations failed", "run_name", name, "error", err)
					http.Error(w, "failed to list registrations", http.StatusServiceUnavailable)
					return
				}

				writeJSON(w, http.StatusOK, struct {
					RunName       string                `json:"run_name"`
					Registrations []domain.Registration `json:"registrations"`
				}{
					RunName:       name,
					Registrations: list,
				})
			})

			regs.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).Post("/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid registration ID", http.StatusBadRequest)
					return
				}

				reg, err := deps.Registrations.Retry(r.Context(), id)
				if err != nil {
					switch {
					case errors.Is(err, domain.ErrRegistrationNotFound):
						http.Error(w, "registration not found", http.StatusNotFound)
					case errors.Is(err, domain.ErrRegistrationNotFailed):
						http.Error(w, "registration is not failed", http.StatusConflict)
					default:
						logger.Error("retry registration failed", "registration_id", id, "error", err)
						http.Error(w, "failed to retry registration", http.StatusServiceUnavailable)
					}
					return
				}

				logger.Info("registration requeued via API", "registration_id", id, "run_name", reg.RunName)
				writeJSON(w, http.StatusOK, reg)
			})
		})
	}

	return r
}

func writeRegistryError(w http.ResponseWriter, logger *slog.Logger, name string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidStartParams):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrRunNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrMalformedRecord):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrSearchFailed):
		logger.Error("automl search failed", "run_name", name, "error", err)
		http.Error(w, "automl search failed", http.StatusBadGateway)
	case errors.Is(err, domain.ErrStoreUnavailable):
		logger.Error("run store unavailable", "run_name", name, "error", err)
		http.Error(w, "run store unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("run registry request failed", "run_name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeStartRunRequest(r *http.Request) (startRunRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return startRunRequest{}, errors.New("request body is required")
	}

	var req startRunRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return startRunRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return startRunRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.TargetLabel = strings.TrimSpace(req.TargetLabel)
	req.Dataset = strings.TrimSpace(req.Dataset)
	req.LabelColumn = strings.TrimSpace(req.LabelColumn)
	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}

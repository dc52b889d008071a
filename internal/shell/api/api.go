// Package api exposes the service's HTTP surface: run submission and
// inspection for the surrounding platform, health checks, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/shell/store"
)

// RunStore is the state-store surface the API consumes.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.ValidationRun) error
	GetRun(ctx context.Context, id string) (*domain.ValidationRun, error)
	ListRunsByRequest(ctx context.Context, requestID string) ([]domain.ValidationRun, error)
	CompleteRun(ctx context.Context, run *domain.ValidationRun) error
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status domain.RequestStatus) error
}

// Enqueuer hands new runs to the scheduler's queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID, requestID string) error
}

// Pinger checks one dependency for the health endpoint.
type Pinger func(ctx context.Context) error

// Config wires the API handler.
type Config struct {
	Store  RunStore
	Queue  Enqueuer
	Logger *slog.Logger

	// Pings are the dependency checks /healthz runs, keyed by name.
	Pings map[string]Pinger
}

// Handler serves the HTTP API.
type Handler struct {
	store  RunStore
	queue  Enqueuer
	pings  map[string]Pinger
	logger *slog.Logger
}

// NewRouter builds the chi router with all routes mounted.
func NewRouter(cfg Config) http.Handler {
	h := &Handler{
		store:  cfg.Store,
		queue:  cfg.Queue,
		pings:  cfg.Pings,
		logger: cfg.Logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", h.handleCreateRun)
		r.Get("/runs/{runID}", h.handleGetRun)
		r.Get("/requests/{requestID}/runs", h.handleListRuns)
	})

	return r
}

// =============================================================================
// Handlers
// =============================================================================

type createRunRequest struct {
	RequestID   string `json:"request_id"`
	RevisionID  string `json:"revision_id"`
	ArtifactKey string `json:"artifact_key"`
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RequestID == "" || body.ArtifactKey == "" {
		h.writeError(w, http.StatusBadRequest, "request_id and artifact_key are required")
		return
	}

	ctx := r.Context()

	if _, err := h.store.GetRequest(ctx, body.RequestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		h.logger.Error("failed to load request", "request_id", body.RequestID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	run := domain.NewValidationRun(body.RequestID, body.RevisionID, body.ArtifactKey)
	if err := h.store.CreateRun(ctx, run); err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.store.UpdateRequestStatus(ctx, body.RequestID, domain.RequestStatusValidating); err != nil {
		h.logger.Warn("failed to mark request validating", "request_id", body.RequestID, "error", err)
	}

	if err := h.queue.Enqueue(ctx, run.ID, run.RequestID); err != nil {
		h.logger.Error("failed to enqueue run", "run_id", run.ID, "error", err)
		// The run was persisted but no work item exists, so nothing would
		// ever advance it. Fail it instead of stranding it QUEUED.
		h.failStrandedRun(ctx, run)
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	h.logger.Info("validation run accepted", "run_id", run.ID, "request_id", run.RequestID)
	h.writeJSON(w, http.StatusAccepted, run)
}

// failStrandedRun terminally fails a run whose work item never reached the
// queue, and moves its request out of VALIDATING.
func (h *Handler) failStrandedRun(ctx context.Context, run *domain.ValidationRun) {
	if err := run.Complete(domain.RunStatusFailed, nil, "validation run could not be enqueued"); err != nil {
		h.logger.Error("failed to mark stranded run failed", "run_id", run.ID, "error", err)
		return
	}
	if err := h.store.CompleteRun(ctx, run); err != nil {
		h.logger.Error("failed to persist stranded run failure", "run_id", run.ID, "error", err)
		return
	}
	if err := h.store.UpdateRequestStatus(ctx, run.RequestID, domain.RequestStatusFailed); err != nil {
		h.logger.Warn("failed to mark request failed", "request_id", run.RequestID, "error", err)
	}
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", "run_id", runID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	runs, err := h.store.ListRunsByRequest(r.Context(), requestID)
	if err != nil {
		h.logger.Error("failed to list runs", "request_id", requestID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, ping := range h.pings {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	h.writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

// =============================================================================
// Response Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/gateway"
	"github.com/iago/botfleet/internal/ratelimit"
	"github.com/iago/botfleet/internal/repository"
	"github.com/iago/botfleet/internal/service"
	"github.com/rs/zerolog"
)

type submitRequest struct {
	TenantID    string          `json:"tenant_id"`
	Kind        domain.JobKind  `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt string          `json:"scheduled_at,omitempty"`
}

type jobResponse struct {
	gateway.JobView
	CancelRequested bool       `json:"cancel_requested"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (api *API) jobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		JobView:         gateway.ViewFromJob(job, api.evictAfter),
		CancelRequested: job.CancelRequested,
		ScheduledAt:     job.ScheduledAt,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request submitRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	request.TenantID = strings.TrimSpace(request.TenantID)
	if !authorizedFor(r, request.TenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}

	var scheduledAt *time.Time
	if strings.TrimSpace(request.ScheduledAt) != "" {
		parsed, err := time.Parse(time.RFC3339, request.ScheduledAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = &parsed
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		idempotencyKey = request.TenantID + ":" + idempotencyKey
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			job, err := api.jobsService.GetJob(r.Context(), entry.JobID)
			if err == nil {
				writeJSON(w, http.StatusOK, api.jobResponse(job))
				return
			}
		}
	}

	job, err := api.jobsService.Submit(r.Context(), service.SubmitRequest{
		TenantID:    request.TenantID,
		Kind:        request.Kind,
		Payload:     request.Payload,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownKind):
			writeError(w, r, http.StatusBadRequest, "unknown_kind", err.Error())
		case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, service.ErrInvalidRequest):
			writeError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		case errors.Is(err, ratelimit.ErrInvalidRate):
			writeError(w, r, http.StatusBadRequest, "invalid_rate", "tenant send rate is not configured correctly")
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("submit job")
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create job")
		}
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, job.ID)
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": "/v1/jobs/" + job.ID,
	})
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := api.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.jobResponse(job))
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.loadJob(w, r); !ok {
		return
	}

	job, err := api.jobsService.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTerminal):
			writeError(w, r, http.StatusConflict, "job_terminal", "job already finished")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("cancel job")
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusOK, api.jobResponse(job))
}

func (api *API) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !authorizedFor(r, tenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}

	jobs, err := api.jobsService.ActiveJobs(r.Context(), tenantID)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("tenant_id", tenantID).Msg("list active jobs")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	views := make([]gateway.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, gateway.ViewFromJob(job, api.evictAfter))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// Live upgrades to the tenant's WebSocket observer channel.
func (api *API) Live(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !authorizedFor(r, tenantID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	if api.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "live updates are disabled")
		return
	}
	api.hub.Serve(w, r, tenantID)
}

// loadJob hides jobs of other tenants behind the same 404 as missing ones.
func (api *API) loadJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return nil, false
	}

	job, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return nil, false
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("load job")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return nil, false
	}
	if !authorizedFor(r, job.TenantID) {
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	return job, true
}

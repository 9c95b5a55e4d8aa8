// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/glucolab/bgsync/internal/auth"
	"github.com/glucolab/bgsync/internal/database"
	"github.com/glucolab/bgsync/internal/logging"
	"github.com/glucolab/bgsync/internal/models"
	syncpkg "github.com/glucolab/bgsync/internal/sync"
)

// syncRequest is the POST /api/v1/sync body.
type syncRequest struct {
	UserID    string `json:"user_id"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// maxRequestBody bounds request body reads.
const maxRequestBody = 64 * 1024

// TriggerSync handles POST /api/v1/sync, running a manual sync for one
// user. The window defaults to the configured lookback ending now. An
// Idempotency-Key header makes the request safely repeatable.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	var req syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Request body must be valid JSON", err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required", nil)
		return
	}

	end := time.Now().UTC()
	if req.EndDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "end_date must be RFC 3339", err)
			return
		}
		end = parsed.UTC()
	}

	start := end.Add(-h.config.Sync.Lookback)
	if req.StartDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "start_date must be RFC 3339", err)
			return
		}
		start = parsed.UTC()
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, "invalid_request", "start_date must be before end_date", nil)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	job, err := h.orchestrator.Sync(ctx, req.UserID, start, end, models.TriggerManual, idempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, syncpkg.ErrLockContention):
			respondError(w, http.StatusConflict, "sync_in_progress", "A sync for this user is already running", err)
		case errors.Is(err, auth.ErrReauthorizationRequired):
			respondError(w, http.StatusUnauthorized, "reauthorization_required", "User must re-authorize with the provider", err)
		default:
			if job != nil {
				// The job ran and failed; return it so the caller can
				// inspect the recorded error.
				respondData(w, http.StatusOK, job, started)
				return
			}
			respondError(w, http.StatusInternalServerError, "sync_failed", "Sync could not be started", err)
		}
		return
	}

	logging.Ctx(ctx).Info().
		Str("job_id", job.JobID).
		Str("user_id", sanitizeLogValue(req.UserID)).
		Msg("Manual sync triggered")
	respondData(w, http.StatusOK, job, started)
}

// GetJob handles GET /api/v1/sync/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	jobID := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "job_not_found", "No sync job with that ID", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load sync job", err)
		return
	}
	respondData(w, http.StatusOK, job, started)
}

// ListJobs handles GET /api/v1/sync/jobs?user_id=, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required", nil)
		return
	}

	jobs, err := h.store.ListJobsByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "Failed to list sync jobs", err)
		return
	}
	respondData(w, http.StatusOK, jobs, started)
}

// Readings handles GET /api/v1/readings?user_id=&start_date=&end_date=,
// returning stored canonical readings in [start_date, end_date).
func (h *Handler) Readings(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	query := r.URL.Query()

	userID := query.Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id query parameter is required", nil)
		return
	}

	end := time.Now().UTC()
	if raw := query.Get("end_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "end_date must be RFC 3339", err)
			return
		}
		end = parsed.UTC()
	}

	start := end.Add(-24 * time.Hour)
	if raw := query.Get("start_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "start_date must be RFC 3339", err)
			return
		}
		start = parsed.UTC()
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, "invalid_request", "start_date must be before end_date", nil)
		return
	}

	readings, err := h.store.ReadingsInRange(r.Context(), userID, start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load readings", err)
		return
	}
	respondData(w, http.StatusOK, readings, started)
}

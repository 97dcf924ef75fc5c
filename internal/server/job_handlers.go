package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/quantlab/internal/analysis"
	"github.com/aristath/quantlab/internal/archive"
	"github.com/aristath/quantlab/internal/jobs"
)

const (
	maxParamsBytes   = 32 << 20
	defaultListLimit = 100
)

// JobHandlers serves the job submission and query endpoints.
type JobHandlers struct {
	manager  *jobs.Manager
	analyses *analysis.Registry
	archive  *archive.Store // optional
	reaper   *jobs.Reaper   // optional
	log      zerolog.Logger
}

// NewJobHandlers creates job handlers. archive and reaper may be nil.
func NewJobHandlers(manager *jobs.Manager, analyses *analysis.Registry, store *archive.Store, reaper *jobs.Reaper, log zerolog.Logger) *JobHandlers {
	return &JobHandlers{
		manager:  manager,
		analyses: analyses,
		archive:  store,
		reaper:   reaper,
		log:      log.With().Str("handler", "jobs").Logger(),
	}
}

// SubmitResponse is returned by HandleSubmit.
type SubmitResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// HandleSubmit handles POST /api/jobs/{kind}
func (h *JobHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	kind := jobs.Kind(chi.URLParam(r, "kind"))
	if !h.analyses.Has(kind) {
		writeError(w, http.StatusNotFound, "unknown analysis kind: "+string(kind), h.log)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxParamsBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", h.log)
		return
	}

	work, err := h.analyses.Build(kind, body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, analysis.ErrUnknownKind) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error(), h.log)
		return
	}

	id, err := h.manager.Submit(kind, work)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to submit job")
		writeError(w, http.StatusServiceUnavailable, err.Error(), h.log)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, Status: jobs.StatusPending}, h.log)
}

// HandleListJobs handles GET /api/jobs?kind=&limit=&archived=
func (h *JobHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := jobs.Kind(q.Get("kind"))

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", h.log)
			return
		}
		limit = n
	}

	if archived, _ := strconv.ParseBool(q.Get("archived")); archived {
		if h.archive == nil {
			writeError(w, http.StatusNotFound, "archive is not configured", h.log)
			return
		}
		records, err := h.archive.List(r.Context(), kind, limit)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to list archived jobs")
			writeError(w, http.StatusInternalServerError, "failed to list archived jobs", h.log)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": nonNil(records), "count": len(records)}, h.log)
		return
	}

	records := h.manager.List(kind, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": nonNil(records), "count": len(records)}, h.log)
}

// HandleGetJob handles GET /api/jobs/{id}. Jobs already reaped from memory
// are looked up in the archive.
func (h *JobHandlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.manager.Get(id)
	if errors.Is(err, jobs.ErrNotFound) && h.archive != nil {
		rec, err = h.archive.Get(r.Context(), id)
	}
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id, h.log)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("Failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to get job", h.log)
		return
	}

	writeJSON(w, http.StatusOK, rec, h.log)
}

// HandleCancel handles POST /api/jobs/{id}/cancel. A job that already
// finished is reported with 409.
func (h *JobHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.manager.Cancel(id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id, h.log)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), h.log)
		return
	}

	status := http.StatusOK
	if !res.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, res, h.log)
}

// HandleCleanup handles POST /api/jobs/cleanup?max_age_seconds=N. Removed
// jobs go through the reaper so they are archived like scheduled cleanups.
func (h *JobHandlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	secs, err := strconv.Atoi(r.URL.Query().Get("max_age_seconds"))
	if err != nil || secs < 0 {
		writeError(w, http.StatusBadRequest, "max_age_seconds must be a non-negative integer", h.log)
		return
	}
	maxAge := time.Duration(secs) * time.Second

	response := map[string]interface{}{}
	var removed int
	if h.reaper != nil {
		removed, err = h.reaper.RunWithMaxAge(r.Context(), maxAge)
		if err != nil && removed > 0 {
			// Records are out of memory already; report the archive failure.
			response["archive_error"] = err.Error()
			err = nil
		}
	} else {
		removed, err = h.manager.Cleanup(maxAge)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), h.log)
		return
	}

	response["removed"] = removed
	writeJSON(w, http.StatusOK, response, h.log)
}

// HandleListKinds handles GET /api/kinds
func (h *JobHandlers) HandleListKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"kinds": h.analyses.Definitions()}, h.log)
}

func nonNil(records []jobs.Record) []jobs.Record {
	if records == nil {
		return []jobs.Record{}
	}
	return records
}

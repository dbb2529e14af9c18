package api

// Platen is a webpage-to-PDF rendering service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the HTTP surface of the conversion service.
//
// Endpoints implemented in this package:
//   - GET  /              (service banner)
//   - GET  /healthz       (health.go)
//   - GET  /metrics       (Prometheus exposition)
//   - POST /v1/pdf-jobs
//   - GET  /v1/pdf-jobs/{id}
//   - GET  /v1/pdf-jobs/{id}/file (file.go)
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"platen/internal/metrics"
	"platen/internal/queue"
	"platen/internal/ssrf"
	"platen/internal/store"
	"platen/internal/urlnorm"
	"platen/pkg/models"
)

// JobQueue is the queueing surface the API needs. The queue service
// (internal/queue.Service) satisfies this interface.
type JobQueue interface {
	Submit(ctx context.Context, rawURL string, opts queue.SubmitOptions) (*models.Job, bool, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// HealthStore is the persistence surface for the health endpoint.
type HealthStore interface {
	Ping(ctx context.Context) error
	GetWorkerHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)
}

// FileStore locates rendered PDFs for download.
type FileStore interface {
	PDFPath(jobID string) string
	PDFExists(jobID string) (bool, error)
}

// API is the HTTP layer of the conversion service.
type API struct {
	Queue  JobQueue
	Health HealthStore
	Files  FileStore

	// WorkerID names the worker whose heartbeat the health endpoint reads.
	WorkerID string

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(q JobQueue, health HealthStore, files FileStore, workerID string, logger *log.Logger) *API {
	return &API{
		Queue:    q,
		Health:   health,
		Files:    files,
		WorkerID: workerID,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", a.rootHandler)
	mux.HandleFunc("/healthz", a.healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/pdf-jobs", a.jobsHandler)
	mux.HandleFunc("/v1/pdf-jobs/", a.jobByIDHandler)
}

// --------------- Models ---------------

// CreateJobRequest is the payload for POST /v1/pdf-jobs. Pointer fields
// distinguish "omitted" from an explicit zero, so max_retries can be set
// to 0.
type CreateJobRequest struct {
	URL                      string          `json:"url"`
	RenderMode               string          `json:"render_mode,omitempty"`
	NavigationTimeoutSeconds *int            `json:"navigation_timeout_seconds,omitempty"`
	JobTimeoutSeconds        *int            `json:"job_timeout_seconds,omitempty"`
	MaxDomainWaitSeconds     *int            `json:"max_domain_wait_seconds,omitempty"`
	MaxRetries               *int            `json:"max_retries,omitempty"`
	Metadata                 json.RawMessage `json:"metadata,omitempty"`
}

// CreateJobResponse is returned for POST /v1/pdf-jobs upon success (202).
type CreateJobResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	Deduplicated bool             `json:"deduplicated"`
}

// JobStatusResponse is returned for GET /v1/pdf-jobs/{id}. Absent
// timestamps and error fields serialize as null rather than being
// omitted, so pollers see a stable shape.
type JobStatusResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at"`
	ErrorCode    *string          `json:"error_code"`
	ErrorMessage *string          `json:"error_message"`
	Deduplicated bool             `json:"deduplicated"`
}

// jsonError is the error envelope for API responses.
type jsonError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf("[api] "+format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, jsonError{
		Error:  http.StatusText(status),
		Detail: detail,
	})
}

// --------------- Routing ---------------

func (a *API) rootHandler(w http.ResponseWriter, r *http.Request) {
	// "/" is the mux catch-all; anything but the root itself is a 404.
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "platen",
		"status":  "running",
	})
}

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateJob(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	// Path format: /v1/pdf-jobs/{id} or /v1/pdf-jobs/{id}/file
	rest := strings.TrimPrefix(r.URL.Path, "/v1/pdf-jobs/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/file"); ok {
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		a.handleDownloadPDF(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}
	a.handleGetJob(w, r, rest)
}

// --------------- POST /v1/pdf-jobs ---------------

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body could not be parsed as JSON")
		return
	}

	opts, err := a.buildSubmitOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, deduplicated, err := a.Queue.Submit(ctx, req.URL, opts)
	if err != nil {
		var blocked *ssrf.BlockedError
		switch {
		case errors.As(err, &blocked):
			writeError(w, http.StatusBadRequest, "SSRF protection: "+blocked.Reason)
		case urlnorm.IsFormatError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			a.logf("submit failed for %q: %v", req.URL, err)
			writeError(w, http.StatusInternalServerError, "Failed to create job")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Deduplicated: deduplicated,
	})
}

// buildSubmitOptions validates the request fields and converts them to
// queue options. Range checks mirror the submission contract; the queue
// applies configured defaults for omitted fields.
func (a *API) buildSubmitOptions(req CreateJobRequest) (queue.SubmitOptions, error) {
	var opts queue.SubmitOptions

	if strings.TrimSpace(req.URL) == "" {
		return opts, errors.New("url is required")
	}

	if req.RenderMode != "" {
		mode := models.RenderMode(req.RenderMode)
		if mode != models.RenderModePrintToPDF && mode != models.RenderModeScreenshotToPDF {
			return opts, errors.New("render_mode must be one of: print_to_pdf, screenshot_to_pdf")
		}
		opts.RenderMode = mode
	}

	if err := checkRange("navigation_timeout_seconds", req.NavigationTimeoutSeconds, 5, 300); err != nil {
		return opts, err
	}
	if err := checkRange("job_timeout_seconds", req.JobTimeoutSeconds, 10, 600); err != nil {
		return opts, err
	}
	if err := checkRange("max_domain_wait_seconds", req.MaxDomainWaitSeconds, 10, 3600); err != nil {
		return opts, err
	}
	if err := checkRange("max_retries", req.MaxRetries, 0, 5); err != nil {
		return opts, err
	}
	opts.NavigationTimeoutSeconds = req.NavigationTimeoutSeconds
	opts.JobTimeoutSeconds = req.JobTimeoutSeconds
	opts.MaxDomainWaitSeconds = req.MaxDomainWaitSeconds
	opts.MaxRetries = req.MaxRetries

	if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
		compact, err := compactMetadata(req.Metadata)
		if err != nil {
			return opts, err
		}
		opts.Metadata = compact
	}

	return opts, nil
}

func checkRange(field string, v *int, min, max int) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return fmt.Errorf("%s must be between %d and %d", field, min, max)
	}
	return nil
}

// compactMetadata re-encodes the caller's metadata as compact JSON and
// enforces the size cap. Only objects are accepted.
func compactMetadata(raw json.RawMessage) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.New("metadata must be a JSON object")
	}
	compact, err := json.Marshal(obj)
	if err != nil {
		return "", errors.New("metadata must be a JSON object")
	}
	if len(compact) > models.MaxMetadataLen {
		return "", fmt.Errorf("metadata must serialize to at most %d bytes", models.MaxMetadataLen)
	}
	return string(compact), nil
}

// --------------- GET /v1/pdf-jobs/{id} ---------------

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		a.logf("get job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, JobStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Attempts:     job.Attempts,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		Deduplicated: job.Deduplicated,
	})
}

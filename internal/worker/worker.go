package worker

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

// Package worker implements the job processing loop: claim the next
// job, validate its redirect chain, render the page under the job
// deadline, persist the PDF, and classify failures into retries or
// permanent completion. A background goroutine refreshes the worker's
// liveness heartbeat while the loop runs.
import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"platen/internal/metrics"
	"platen/internal/render"
	"platen/internal/ssrf"
	"platen/pkg/models"
)

// Queue defines the job lifecycle operations the worker drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, jobID string, success bool, errorCode, errorMessage string) (*models.Job, error)
	Requeue(ctx context.Context, jobID string) (*models.Job, error)
}

// HeartbeatStore persists worker liveness records.
type HeartbeatStore interface {
	UpsertWorkerHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error
}

// RedirectValidator walks a URL's redirect chain before rendering and
// returns the final URL, or an error when a hop is blocked.
type RedirectValidator interface {
	ValidateRedirects(ctx context.Context, rawURL string) (string, error)
}

// Engine renders a page into PDF bytes.
type Engine interface {
	Render(ctx context.Context, url string, mode models.RenderMode, navTimeout time.Duration) ([]byte, error)
	Close()
}

// FileStore persists rendered PDFs.
type FileStore interface {
	WritePDF(jobID string, data []byte) (string, error)
}

// WorkerConfig controls worker behavior and timing.
type WorkerConfig struct {
	WorkerID string

	// How often to poll for claimable jobs when the queue is empty.
	PollInterval time.Duration

	// How often the liveness heartbeat is refreshed.
	HeartbeatInterval time.Duration

	// How long to back off after an unexpected loop error.
	ErrorBackoff time.Duration
}

// Worker claims and processes conversion jobs until its context is
// canceled.
type Worker struct {
	queue     Queue
	hbStore   HeartbeatStore
	validator RedirectValidator
	engine    Engine
	files     FileStore
	cfg       WorkerConfig
	logger    *log.Logger
	now       func() time.Time

	mu         sync.Mutex
	currentJob *models.Job
}

// NewWorker constructs a new Worker.
func NewWorker(queue Queue, hbStore HeartbeatStore, validator RedirectValidator, engine Engine, files FileStore, cfg WorkerConfig, logger *log.Logger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Worker{
		queue:     queue,
		hbStore:   hbStore,
		validator: validator,
		engine:    engine,
		files:     files,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run claims and processes jobs until ctx is canceled. Cancellation
// stops claiming; a job already in flight finishes and records its
// outcome before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting worker; poll=%s heartbeat=%s", w.cfg.PollInterval, w.cfg.HeartbeatInterval)
	defer func() {
		w.engine.Close()
		w.logf("Worker shutting down")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.ClaimNext(ctx)
		if err == nil && job != nil {
			err = w.handleJob(job)
		} else if err == nil {
			// Queue empty; wait out the poll interval.
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logf("Error in worker loop: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
		}
	}
}

// heartbeatLoop refreshes the worker's heartbeat row until ctx is
// canceled. Failures are logged and retried on the next tick.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.logf("Starting heartbeat loop")
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		w.beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	job := w.currentJob
	w.mu.Unlock()

	hb := models.WorkerHeartbeat{
		WorkerID:      w.cfg.WorkerID,
		LastHeartbeat: w.now(),
		Status:        models.WorkerStateIdle,
	}
	if job != nil {
		hb.Status = models.WorkerStateWorking
		id := job.ID
		hb.CurrentJobID = &id
	}
	if err := w.hbStore.UpsertWorkerHeartbeat(ctx, hb); err != nil {
		w.logf("Heartbeat failed: %v", err)
	}
}

// handleJob processes one claimed job and records its outcome. It runs
// detached from the loop context so a shutdown mid-render lets the job
// finish and reach a recorded state; the job's own timeout bounds it.
func (w *Worker) handleJob(job *models.Job) error {
	w.mu.Lock()
	w.currentJob = job
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentJob = nil
		w.mu.Unlock()
	}()

	success, errorCode, errorMessage := w.processJob(job)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if success {
		_, err := w.queue.Complete(ctx, job.ID, true, "", "")
		return err
	}
	if w.shouldRetry(job, errorCode) {
		w.logf("Requeuing job %s for retry", job.ID)
		_, err := w.queue.Requeue(ctx, job.ID)
		return err
	}
	if errorCode == "" {
		errorCode = models.ErrCodeRenderFailed
	}
	if errorMessage == "" {
		errorMessage = "Unknown error"
	}
	w.logf("Job %s failed permanently: %s - %s", job.ID, errorCode, errorMessage)
	_, err := w.queue.Complete(ctx, job.ID, false, errorCode, errorMessage)
	return err
}

// processJob validates, renders, and persists one job under its
// deadline and reports (success, errorCode, errorMessage).
func (w *Worker) processJob(job *models.Job) (bool, string, string) {
	w.logf("Processing job %s: %s", job.ID, job.NormalizedURL)
	w.logf("  Render mode: %s", job.RenderMode)
	w.logf("  Attempt: %d/%d", job.Attempts, job.MaxRetries+1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(job.JobTimeoutSeconds)*time.Second)
	defer cancel()

	w.logf("Validating redirects...")
	finalURL, err := w.validator.ValidateRedirects(ctx, job.NormalizedURL)
	if err != nil {
		return w.classify(job, err)
	}
	w.logf("Redirect validation passed. Final URL: %s", finalURL)

	navTimeout := time.Duration(job.NavigationTimeoutSeconds) * time.Second
	start := w.now()
	pdf, err := w.engine.Render(ctx, finalURL, job.RenderMode, navTimeout)
	metrics.ObserveRenderDuration(job.RenderMode.String(), w.now().Sub(start))
	if err != nil {
		return w.classify(job, err)
	}

	path, err := w.files.WritePDF(job.ID, pdf)
	if err != nil {
		w.logf("Job %s failed: %v", job.ID, err)
		return false, models.ErrCodeRenderFailed, err.Error()
	}
	w.logf("Successfully rendered PDF to %s", path)
	w.logf("Job %s completed successfully", job.ID)
	return true, "", ""
}

// classify maps a validation or render failure onto a job error code.
func (w *Worker) classify(job *models.Job, err error) (bool, string, string) {
	var blocked *ssrf.BlockedError
	var renderErr *render.Error
	switch {
	case errors.As(err, &blocked):
		w.logf("Job %s blocked by SSRF protection: %v", job.ID, err)
		return false, models.ErrCodeSSRFBlocked, blocked.Reason
	case errors.As(err, &renderErr):
		w.logf("Job %s failed: %v", job.ID, err)
		return false, renderErr.Code, renderErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		w.logf("Job %s timed out after %ds", job.ID, job.JobTimeoutSeconds)
		return false, models.ErrCodeJobTimeout, fmt.Sprintf("Job exceeded time limit of %ds", job.JobTimeoutSeconds)
	default:
		w.logf("Job %s failed: %v", job.ID, err)
		return false, models.ErrCodeRenderFailed, err.Error()
	}
}

// shouldRetry reports whether a failed run leaves retry budget. The
// attempt that just ran is already counted in job.Attempts.
func (w *Worker) shouldRetry(job *models.Job, errorCode string) bool {
	if !models.RetryableError(errorCode) {
		return false
	}
	return job.Attempts < job.MaxRetries+1
}

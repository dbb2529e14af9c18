package queue

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

// Package queue implements the job lifecycle on top of the store: URL
// validation and submission with same-day deduplication, claiming with
// per-domain serialization, completion, requeue for retry, and startup
// reconciliation of jobs orphaned by a crash.
import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"platen/internal/metrics"
	"platen/internal/ssrf"
	"platen/internal/store"
	"platen/internal/urlnorm"
	"platen/pkg/models"
)

// Store defines the persistence operations required by the queue service.
type Store interface {
	SubmitJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetJobByID(ctx context.Context, id string) (*models.Job, error)
	ClaimNextJob(ctx context.Context, now time.Time) (*store.ClaimResult, error)
	CompleteJob(ctx context.Context, id string, success bool, errorCode, errorMessage string, now time.Time) (*models.Job, error)
	RequeueJob(ctx context.Context, id string) (*models.Job, error)
	ReconcileStartup(ctx context.Context, now time.Time) (*store.ReconcileResult, error)
}

// URLValidator guards submissions against SSRF targets.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Notifier receives jobs that reached a terminal state. Implementations
// must not block the caller.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, job *models.Job)
}

// Config carries the per-job defaults applied when a submission omits an
// override.
type Config struct {
	DefaultRenderMode models.RenderMode

	NavigationTimeoutSeconds int
	JobTimeoutSeconds        int
	MaxDomainWaitSeconds     int
	MaxRetries               int
}

// Service exposes the queue operations used by the API gateway and the
// worker.
type Service struct {
	store     Store
	validator URLValidator
	notifier  Notifier
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
	newID     func() string
}

// NewService constructs a queue service. notifier may be nil when no
// webhook is configured.
func NewService(st Store, validator URLValidator, notifier Notifier, cfg Config, logger *log.Logger) *Service {
	if cfg.DefaultRenderMode == "" {
		cfg.DefaultRenderMode = models.RenderModePrintToPDF
	}
	if cfg.NavigationTimeoutSeconds <= 0 {
		cfg.NavigationTimeoutSeconds = 45
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = 120
	}
	if cfg.MaxDomainWaitSeconds <= 0 {
		cfg.MaxDomainWaitSeconds = 600
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	return &Service{
		store:     st,
		validator: validator,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[queue] %s", fmt.Sprintf(format, args...))
	}
}

// SubmitOptions carries per-job overrides of the configured defaults. Nil
// pointers (and an empty RenderMode) fall back to the defaults; an
// explicit zero is honored, so MaxRetries can be set to 0.
type SubmitOptions struct {
	RenderMode               models.RenderMode
	NavigationTimeoutSeconds *int
	JobTimeoutSeconds        *int
	MaxDomainWaitSeconds     *int
	MaxRetries               *int

	// Metadata is the caller's opaque blob, already serialized and
	// size-checked by the API layer.
	Metadata string
}

// Submit validates a URL, fingerprints it, and enqueues a conversion job.
// Submitting the same normalized URL twice on the same UTC calendar day
// returns the first job with deduped=true instead of creating another.
// A day rollover between two submissions yields two distinct jobs.
//
// Validation errors are returned unwrapped: urlnorm format errors and
// *ssrf.BlockedError map to client errors at the API.
func (s *Service) Submit(ctx context.Context, rawURL string, opts SubmitOptions) (*models.Job, bool, error) {
	if err := urlnorm.ValidateFormat(rawURL); err != nil {
		return nil, false, err
	}
	if err := s.validator.Validate(ctx, rawURL); err != nil {
		return nil, false, err
	}

	normalized, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return nil, false, err
	}
	mainDomain, err := urlnorm.MainDomain(rawURL)
	if err != nil {
		return nil, false, err
	}

	job := models.NewJob(normalized, mainDomain, s.now())
	job.ID = s.newID()
	job.RenderMode = s.cfg.DefaultRenderMode
	if opts.RenderMode != "" {
		job.RenderMode = opts.RenderMode
	}
	job.NavigationTimeoutSeconds = valueOr(opts.NavigationTimeoutSeconds, s.cfg.NavigationTimeoutSeconds)
	job.JobTimeoutSeconds = valueOr(opts.JobTimeoutSeconds, s.cfg.JobTimeoutSeconds)
	job.MaxDomainWaitSeconds = valueOr(opts.MaxDomainWaitSeconds, s.cfg.MaxDomainWaitSeconds)
	job.MaxRetries = valueOr(opts.MaxRetries, s.cfg.MaxRetries)
	job.Metadata = opts.Metadata

	stored, deduped, err := s.store.SubmitJob(ctx, &job)
	if err != nil {
		return nil, false, err
	}
	if deduped {
		s.logf("Deduplicated job for URL: %s, returning job_id: %s", normalized, stored.ID)
	} else {
		s.logf("Created new job: %s for URL: %s", stored.ID, normalized)
	}
	metrics.RecordJobSubmitted(deduped)
	return stored, deduped, nil
}

// Get retrieves a job by ID. Returns store.ErrNotFound for unknown IDs.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJobByID(ctx, id)
}

// ClaimNext attempts to claim one job for processing. It returns
// (nil, nil) when nothing was claimed: the queue is empty, the candidate
// was parked behind a domain lock, or it burned out its wait budget and
// was failed.
func (s *Service) ClaimNext(ctx context.Context) (*models.Job, error) {
	res, err := s.store.ClaimNextJob(ctx, s.now())
	if err != nil {
		return nil, err
	}

	switch {
	case res.TimedOut != nil:
		s.logf("Job %s failed due to domain wait timeout", res.TimedOut.ID)
		recordFinished(res.TimedOut)
		s.notifyFinished(ctx, res.TimedOut)
		return nil, nil
	case res.Waiting != nil:
		s.logf("Job %s waiting for domain lock on %s", res.Waiting.ID, res.Waiting.MainDomain)
		return nil, nil
	case res.Job != nil:
		s.logf("Claimed job %s for processing (attempt %d)", res.Job.ID, res.Job.Attempts)
		metrics.RecordJobClaimed()
		return res.Job, nil
	}
	return nil, nil
}

// Complete finishes a running job as succeeded or failed. Completing an
// unknown or non-running job is logged and ignored; at-least-once workers
// may attempt the same completion twice.
func (s *Service) Complete(ctx context.Context, jobID string, success bool, errorCode, errorMessage string) (*models.Job, error) {
	job, err := s.store.CompleteJob(ctx, jobID, success, errorCode, errorMessage, s.now())
	if errors.Is(err, store.ErrNotFound) {
		s.logf("Job %s not found for completion", jobID)
		return nil, nil
	}
	if errors.Is(err, store.ErrNotRunning) {
		s.logf("Job %s is not running; completion ignored", jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logf("Job %s completed with status: %s", jobID, job.Status)
	recordFinished(job)
	s.notifyFinished(ctx, job)
	return job, nil
}

// Requeue returns a running job to the queue for another attempt. Like
// Complete, unknown or non-running jobs are logged and ignored.
func (s *Service) Requeue(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.RequeueJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.logf("Job %s not found for requeue", jobID)
		return nil, nil
	}
	if errors.Is(err, store.ErrNotRunning) {
		s.logf("Job %s is not running; requeue ignored", jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logf("Job %s requeued for retry (attempt %d/%d)", jobID, job.Attempts, job.MaxRetries)
	metrics.RecordJobRequeued()
	return job, nil
}

// ReconcileStartup recovers jobs left running by a previous process:
// requeued while their attempt budget lasts, failed with WORKER_CRASHED
// beyond it. Must complete before the first claim.
func (s *Service) ReconcileStartup(ctx context.Context) (*store.ReconcileResult, error) {
	res, err := s.store.ReconcileStartup(ctx, s.now())
	if err != nil {
		return nil, err
	}

	for _, job := range res.Requeued {
		s.logf("Recovered stale job %s: requeued (attempt %d/%d)", job.ID, job.Attempts, job.MaxRetries)
		metrics.RecordJobRequeued()
	}
	for _, job := range res.Failed {
		s.logf("Recovered stale job %s: failed permanently after worker crash", job.ID)
		recordFinished(job)
		s.notifyFinished(ctx, job)
	}
	s.logf("Startup reconciliation: %d requeued, %d failed", len(res.Requeued), len(res.Failed))
	return res, nil
}

func (s *Service) notifyFinished(ctx context.Context, job *models.Job) {
	if s.notifier == nil || !job.Status.IsTerminal() {
		return
	}
	s.notifier.NotifyJobFinished(ctx, job)
}

func recordFinished(job *models.Job) {
	code := ""
	if job.ErrorCode != nil {
		code = *job.ErrorCode
	}
	metrics.RecordJobFinished(job.Status.String(), code)
}

// IsClientError reports whether a Submit error was caused by the caller's
// URL rather than by the service.
func IsClientError(err error) bool {
	var blocked *ssrf.BlockedError
	return urlnorm.IsFormatError(err) || errors.As(err, &blocked)
}

func valueOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

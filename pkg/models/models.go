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

// Package models contains shared data models and constants used by the
// queue core, the worker, the API gateway, and tests. The store persists
// these types verbatim.
package models

import "time"

// JobStatus is the lifecycle state of a conversion job.
// Permitted transitions:
// queued → {waiting_domain_lock|running} → {succeeded|failed}, with
// running → queued on requeue and queued → failed on domain-wait timeout.
type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusWaitingDomainLock JobStatus = "waiting_domain_lock"
	JobStatusRunning           JobStatus = "running"
	JobStatusSucceeded         JobStatus = "succeeded"
	JobStatusFailed            JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusWaitingDomainLock, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state
// (succeeded or failed). Terminal jobs are never transitioned again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// RenderMode selects how a page is turned into a PDF.
type RenderMode string

const (
	// RenderModePrintToPDF uses the browser's native print pipeline.
	RenderModePrintToPDF RenderMode = "print_to_pdf"
	// RenderModeScreenshotToPDF captures a full-page screenshot and wraps
	// it in a PDF document.
	RenderModeScreenshotToPDF RenderMode = "screenshot_to_pdf"
)

// Valid reports whether the render mode is one of the allowed modes.
func (m RenderMode) Valid() bool {
	switch m {
	case RenderModePrintToPDF, RenderModeScreenshotToPDF:
		return true
	default:
		return false
	}
}

// String returns the string value of the RenderMode.
func (m RenderMode) String() string { return string(m) }

// Error codes recorded on failed jobs.
const (
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeHTTP4xx           = "HTTP_4XX"
	ErrCodeCaptchaDetected   = "CAPTCHA_DETECTED"
	ErrCodeDomainWaitTimeout = "DOMAIN_WAIT_TIMEOUT"
	ErrCodeJobTimeout        = "JOB_TIMEOUT"
	ErrCodeRenderFailed      = "RENDER_FAILED"
	ErrCodeWorkerCrashed     = "WORKER_CRASHED"
)

// RetryableError reports whether a failure with the given error code may be
// retried. Validation and policy rejections are terminal; timeouts, render
// errors, and worker crashes are assumed transient.
func RetryableError(code string) bool {
	switch code {
	case ErrCodeInvalidURL, ErrCodeSSRFBlocked, ErrCodeHTTP4xx, ErrCodeCaptchaDetected, ErrCodeDomainWaitTimeout:
		return false
	default:
		return true
	}
}

// SubmissionDateLayout is the UTC calendar-day format that scopes the
// deduplication window. Two submissions of the same normalized URL on the
// same UTC day resolve to one job.
const SubmissionDateLayout = "2006-01-02"

// MaxMetadataLen caps the serialized metadata JSON accepted at submission.
const MaxMetadataLen = 2000

// Job represents a single webpage-to-PDF conversion request and its
// lifecycle. The queue validates the URL at creation-time; the worker
// drives the job through the state machine from there.
type Job struct {
	ID            string    `json:"job_id" db:"job_id"`
	NormalizedURL string    `json:"normalized_url" db:"normalized_url"`
	MainDomain    string    `json:"main_domain" db:"main_domain"`
	Status        JobStatus `json:"status" db:"status"`
	// Attempts counts claims, not failures: incremented each time a worker
	// claims the job, so the first run observes Attempts == 1.
	Attempts     int        `json:"attempts" db:"attempts"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ErrorCode    *string    `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`

	RenderMode               RenderMode `json:"render_mode" db:"render_mode"`
	NavigationTimeoutSeconds int        `json:"navigation_timeout_seconds" db:"navigation_timeout_seconds"`
	JobTimeoutSeconds        int        `json:"job_timeout_seconds" db:"job_timeout_seconds"`
	MaxDomainWaitSeconds     int        `json:"max_domain_wait_seconds" db:"max_domain_wait_seconds"`
	MaxRetries               int        `json:"max_retries" db:"max_retries"`

	// Deduplicated is persisted false at creation and never mutated; the
	// submit response computes the per-call dedup flag separately.
	Deduplicated   bool   `json:"deduplicated" db:"deduplicated"`
	SubmissionDate string `json:"submission_date" db:"submission_date"`
	// Metadata holds the caller-supplied JSON object, serialized. Empty
	// when none was supplied.
	Metadata string `json:"metadata_json,omitempty" db:"metadata_json"`
}

// NewJob constructs a new Job with initial queued status and timestamps
// derived from now. Caller should assign a unique ID (e.g., uuid) and the
// per-job limit fields before persistence.
func NewJob(normalizedURL, mainDomain string, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:             "",
		NormalizedURL:  normalizedURL,
		MainDomain:     mainDomain,
		Status:         JobStatusQueued,
		Attempts:       0,
		CreatedAt:      now,
		Deduplicated:   false,
		SubmissionDate: now.Format(SubmissionDateLayout),
	}
}

// DomainLock serializes rendering per registrable domain. At most one row
// exists per main domain; the row names the job holding it.
type DomainLock struct {
	MainDomain     string    `json:"main_domain" db:"main_domain"`
	JobID          string    `json:"job_id" db:"job_id"`
	LockedAt       time.Time `json:"locked_at" db:"locked_at"`
	MaxWaitSeconds int       `json:"max_wait_seconds" db:"max_wait_seconds"`
}

// Worker states recorded in heartbeats.
const (
	WorkerStateIdle    = "idle"
	WorkerStateWorking = "working"
)

// WorkerHeartbeat is the liveness record a worker refreshes while running.
// The health endpoint reads it to classify the worker as healthy, stale,
// or missing.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id" db:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	Status        string    `json:"status" db:"status"`
	CurrentJobID  *string   `json:"current_job_id,omitempty" db:"current_job_id"`
}

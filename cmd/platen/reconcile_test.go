package main

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

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"platen/internal/queue"
	"platen/internal/store"
	"platen/pkg/models"
)

type allowAllValidator struct{}

func (allowAllValidator) Validate(context.Context, string) error { return nil }

func newTestQueueForMain(t *testing.T) (*queue.Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(dir, "main.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewService(st, allowAllValidator{}, nil, queue.Config{}, nil)
	return q, st
}

func TestReconcileRequeuesCrashedJob(t *testing.T) {
	q, st := newTestQueueForMain(t)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, "https://example.com/report", queue.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claim, err := st.ClaimNextJob(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claim.Job == nil || claim.Job.ID != job.ID {
		t.Fatalf("expected to claim %s, got %+v", job.ID, claim)
	}

	logger := log.New(io.Discard, "", 0)
	if err := reconcileJobs(ctx, q, logger); err != nil {
		t.Fatalf("reconcileJobs: %v", err)
	}

	updated, err := st.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if updated.Status != models.JobStatusQueued {
		t.Fatalf("expected job status queued after reconcile, got %s", updated.Status)
	}
	if updated.StartedAt != nil || updated.ErrorCode != nil || updated.ErrorMessage != nil {
		t.Fatalf("expected run fields cleared after reconcile: %+v", updated)
	}
	if updated.Attempts != 1 {
		t.Fatalf("expected the crashed attempt to stay counted, got %d", updated.Attempts)
	}

	if _, err := st.GetDomainLock(ctx, job.MainDomain); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected domain lock released after reconcile, got %v", err)
	}
}

func TestReconcileFailsJobOutOfAttempts(t *testing.T) {
	q, st := newTestQueueForMain(t)
	ctx := context.Background()

	zero := 0
	job, _, err := q.Submit(ctx, "https://example.com/one-shot", queue.SubmitOptions{MaxRetries: &zero})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	logger := log.New(io.Discard, "", 0)

	// First crash: the interrupted attempt stays counted but the job
	// still fits the budget, so it goes around once more.
	if _, err := st.ClaimNextJob(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := reconcileJobs(ctx, q, logger); err != nil {
		t.Fatalf("reconcileJobs: %v", err)
	}
	mid, err := st.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if mid.Status != models.JobStatusQueued {
		t.Fatalf("expected requeue after first crash, got %s", mid.Status)
	}

	// Second crash: no attempt budget left.
	if _, err := st.ClaimNextJob(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := reconcileJobs(ctx, q, logger); err != nil {
		t.Fatalf("reconcileJobs: %v", err)
	}

	updated, err := st.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if updated.Status != models.JobStatusFailed {
		t.Fatalf("expected failed after second crash, got %s", updated.Status)
	}
	if updated.ErrorCode == nil || *updated.ErrorCode != models.ErrCodeWorkerCrashed {
		t.Fatalf("expected error code %s, got %+v", models.ErrCodeWorkerCrashed, updated.ErrorCode)
	}
	if updated.FinishedAt == nil {
		t.Fatalf("expected finished_at set on crashed-out job")
	}
}

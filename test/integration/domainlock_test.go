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

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"platen/internal/queue"
	"platen/internal/sweeper"
	"platen/pkg/models"
)

func TestPerDomainSerialization(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	p1, _, err := env.queue.Submit(ctx, "https://example.com/p1", queue.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit p1: %v", err)
	}
	p2, _, err := env.queue.Submit(ctx, "https://example.com/p2", queue.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit p2: %v", err)
	}
	q1, _, err := env.queue.Submit(ctx, "https://other.com/q", queue.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit q1: %v", err)
	}

	// Oldest job claims first and takes the example.com lock.
	first, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if first == nil || first.ID != p1.ID {
		t.Fatalf("expected p1 first, got %+v", first)
	}
	if first.Status != models.JobStatusRunning || first.Attempts != 1 {
		t.Fatalf("claimed job should be running with 1 attempt, got %s/%d", first.Status, first.Attempts)
	}

	// p2 shares the locked domain: it parks instead of claiming.
	second, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claim while domain locked, got %s", second.ID)
	}
	parked, err := env.store.GetJobByID(ctx, p2.ID)
	if err != nil {
		t.Fatalf("get p2: %v", err)
	}
	if parked.Status != models.JobStatusWaitingDomainLock {
		t.Fatalf("expected p2 waiting_domain_lock, got %s", parked.Status)
	}

	// A job on a different domain is not held up.
	third, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if third == nil || third.ID != q1.ID {
		t.Fatalf("expected q1 third, got %+v", third)
	}

	// Still nothing claimable for example.com.
	fourth, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim 4: %v", err)
	}
	if fourth != nil {
		t.Fatalf("expected nil claim, got %s", fourth.ID)
	}

	// Releasing the lock frees the parked job.
	if _, err := env.queue.Complete(ctx, p1.ID, true, "", ""); err != nil {
		t.Fatalf("complete p1: %v", err)
	}
	fifth, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim 5: %v", err)
	}
	if fifth == nil || fifth.ID != p2.ID {
		t.Fatalf("expected p2 after p1 completed, got %+v", fifth)
	}
	if fifth.Attempts != 1 {
		t.Fatalf("waiting time must not consume attempts, got %d", fifth.Attempts)
	}
}

func TestDomainWaitTimeout(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	p1, _, err := env.queue.Submit(ctx, "https://example.com/first", queue.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit p1: %v", err)
	}
	// The API floor for max_domain_wait_seconds is 10; submit through
	// the queue directly to test the timeout without a slow test.
	one := 1
	p2, _, err := env.queue.Submit(ctx, "https://example.com/second", queue.SubmitOptions{MaxDomainWaitSeconds: &one})
	if err != nil {
		t.Fatalf("submit p2: %v", err)
	}

	first, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim p1: %v", err)
	}
	if first == nil || first.ID != p1.ID {
		t.Fatalf("expected p1 claimed, got %+v", first)
	}

	// p2 parks behind the lock.
	if job, err := env.queue.ClaimNext(ctx); err != nil || job != nil {
		t.Fatalf("expected p2 to park, got job=%v err=%v", job, err)
	}

	time.Sleep(1200 * time.Millisecond)

	// The wait budget is spent: the next claim attempt fails p2 instead
	// of claiming it.
	if job, err := env.queue.ClaimNext(ctx); err != nil || job != nil {
		t.Fatalf("expected timeout to yield no claim, got job=%v err=%v", job, err)
	}

	timedOut, err := env.store.GetJobByID(ctx, p2.ID)
	if err != nil {
		t.Fatalf("get p2: %v", err)
	}
	if timedOut.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", timedOut.Status)
	}
	if timedOut.ErrorCode == nil || *timedOut.ErrorCode != models.ErrCodeDomainWaitTimeout {
		t.Fatalf("expected %s, got %v", models.ErrCodeDomainWaitTimeout, timedOut.ErrorCode)
	}
	if timedOut.StartedAt != nil || timedOut.Attempts != 0 {
		t.Fatalf("timed out job must never have run: started=%v attempts=%d", timedOut.StartedAt, timedOut.Attempts)
	}
	if timedOut.FinishedAt == nil {
		t.Fatalf("expected finished_at on timeout")
	}

	// The running job is untouched.
	running, err := env.store.GetJobByID(ctx, p1.ID)
	if err != nil {
		t.Fatalf("get p1: %v", err)
	}
	if running.Status != models.JobStatusRunning {
		t.Fatalf("expected p1 still running, got %s", running.Status)
	}
}

func TestSweeperRemovesAgedPDFs(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	created := submitURL(t, env, "https://example.com/archive")
	claimed, err := env.queue.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != created.JobID {
		t.Fatalf("expected to claim %s, got %+v", created.JobID, claimed)
	}
	if _, err := env.files.WritePDF(claimed.ID, []byte("%PDF-1.4 old")); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
	if _, err := env.queue.Complete(ctx, claimed.ID, true, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Age the finished job's file past the retention window; a fresh
	// file must survive the sweep.
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(env.files.PDFPath(claimed.ID), stale, stale); err != nil {
		t.Fatalf("age pdf: %v", err)
	}
	if _, err := env.files.WritePDF("fresh-job", []byte("%PDF-1.4 fresh")); err != nil {
		t.Fatalf("write fresh pdf: %v", err)
	}

	sw := sweeper.New(env.files, sweeper.Config{Enabled: true, Interval: time.Hour, FileAge: time.Hour}, nil)
	sw.Start()
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		exists, err := env.files.PDFExists(claimed.ID)
		if err != nil {
			t.Fatalf("check pdf: %v", err)
		}
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not remove aged PDF")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if exists, err := env.files.PDFExists("fresh-job"); err != nil || !exists {
		t.Fatalf("fresh PDF should survive the sweep (exists=%v err=%v)", exists, err)
	}

	// The job record survives its file: the download endpoint reports
	// the cleanup instead of a server error.
	resp, err := http.Get(env.server.URL + "/v1/pdf-jobs/" + claimed.ID + "/file")
	if err != nil {
		t.Fatalf("GET file: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after cleanup, got %d", resp.StatusCode)
	}
	var e struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if e.Detail != "PDF file not found (may have been cleaned up)" {
		t.Fatalf("unexpected detail %q", e.Detail)
	}
}

package notify

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
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"platen/pkg/models"
)

type capturedDelivery struct {
	body      []byte
	event     string
	delivery  string
	signature string
}

// captureServer records every delivery and answers with the queued status
// codes, repeating the last one once the queue is exhausted.
type captureServer struct {
	mu         sync.Mutex
	deliveries []capturedDelivery
	statuses   []int
}

func (cs *captureServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		cs.mu.Lock()
		cs.deliveries = append(cs.deliveries, capturedDelivery{
			body:      body,
			event:     r.Header.Get("X-Platen-Event"),
			delivery:  r.Header.Get("X-Platen-Delivery"),
			signature: r.Header.Get("X-Platen-Signature"),
		})
		status := http.StatusOK
		if len(cs.statuses) > 0 {
			status = cs.statuses[0]
			if len(cs.statuses) > 1 {
				cs.statuses = cs.statuses[1:]
			}
		}
		cs.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.deliveries)
}

func (cs *captureServer) first() capturedDelivery {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.deliveries[0]
}

func finishedJob() *models.Job {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	code := models.ErrCodeRenderFailed
	msg := "net::ERR_CONNECTION_RESET"
	return &models.Job{
		ID:            "job-42",
		NormalizedURL: "https://example.com/report",
		Status:        models.JobStatusFailed,
		Attempts:      3,
		ErrorCode:     &code,
		ErrorMessage:  &msg,
		FinishedAt:    &now,
	}
}

func TestNotifyJobFinishedDeliversSignedEvent(t *testing.T) {
	cs := &captureServer{}
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	wh := New(Config{
		URL:          srv.URL,
		Secret:       "s3cret",
		Timeout:      2 * time.Second,
		MaxAttempts:  1,
		RetryBackoff: 10 * time.Millisecond,
	}, nil)

	wh.NotifyJobFinished(context.Background(), finishedJob())
	wh.Close()

	if got := cs.count(); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	d := cs.first()

	if d.event != EventJobFinished {
		t.Errorf("event header = %q, want %q", d.event, EventJobFinished)
	}
	if d.delivery == "" {
		t.Error("delivery header should be set")
	}
	if want := Sign("s3cret", d.body); !hmac.Equal([]byte(d.signature), []byte(want)) {
		t.Errorf("signature = %q, want %q", d.signature, want)
	}

	var ev Event
	if err := json.Unmarshal(d.body, &ev); err != nil {
		t.Fatalf("decode event body: %v", err)
	}
	if ev.JobID != "job-42" {
		t.Errorf("job_id = %q", ev.JobID)
	}
	if ev.Status != string(models.JobStatusFailed) {
		t.Errorf("status = %q", ev.Status)
	}
	if ev.URL != "https://example.com/report" {
		t.Errorf("url = %q", ev.URL)
	}
	if ev.ErrorCode == nil || *ev.ErrorCode != models.ErrCodeRenderFailed {
		t.Errorf("error_code = %v", ev.ErrorCode)
	}
	if ev.DeliveryID != d.delivery {
		t.Errorf("delivery_id in body %q does not match header %q", ev.DeliveryID, d.delivery)
	}
}

func TestNotifyJobFinishedOmitsSignatureWithoutSecret(t *testing.T) {
	cs := &captureServer{}
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	wh := New(Config{URL: srv.URL, MaxAttempts: 1}, nil)
	wh.NotifyJobFinished(context.Background(), finishedJob())
	wh.Close()

	if got := cs.count(); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if sig := cs.first().signature; sig != "" {
		t.Errorf("signature should be empty without a secret, got %q", sig)
	}
}

func TestNotifyJobFinishedRetriesUntilSuccess(t *testing.T) {
	cs := &captureServer{statuses: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK}}
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	wh := New(Config{
		URL:          srv.URL,
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	}, nil)

	wh.NotifyJobFinished(context.Background(), finishedJob())
	wh.Close()

	if got := cs.count(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNotifyJobFinishedGivesUpAfterMaxAttempts(t *testing.T) {
	cs := &captureServer{statuses: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	wh := New(Config{
		URL:          srv.URL,
		Timeout:      2 * time.Second,
		MaxAttempts:  2,
		RetryBackoff: 10 * time.Millisecond,
	}, nil)

	wh.NotifyJobFinished(context.Background(), finishedJob())
	wh.Close()

	if got := cs.count(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestNotifyJobFinishedDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	wh := New(Config{URL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 1}, nil)

	start := time.Now()
	wh.NotifyJobFinished(context.Background(), finishedJob())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("NotifyJobFinished blocked for %s", elapsed)
	}
}

func TestNewWithoutURLReturnsNil(t *testing.T) {
	wh := New(Config{}, nil)
	if wh != nil {
		t.Fatal("expected nil sender when no URL configured")
	}
	// Nil receiver calls must be safe so a disabled sender can still be
	// handed to the queue.
	wh.NotifyJobFinished(context.Background(), finishedJob())
	wh.Close()
}

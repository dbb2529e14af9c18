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

// Package notify delivers terminal-state job events to a configured webhook
// URL. Delivery is fire-and-forget: the queue's completion path hands the
// job off and moves on, a background goroutine does the POSTing and the
// retrying. When a secret is configured, each request carries an HMAC-SHA256
// signature over the body so the receiver can authenticate it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"platen/pkg/models"
)

const (
	// EventJobFinished is the event type sent when a job reaches a
	// terminal state.
	EventJobFinished = "job.finished"

	headerEvent     = "X-Platen-Event"
	headerDelivery  = "X-Platen-Delivery"
	headerSignature = "X-Platen-Signature"
)

// Config configures webhook delivery.
type Config struct {
	// URL is the endpoint events are POSTed to. Empty disables delivery.
	URL string

	// Secret, when non-empty, enables the HMAC-SHA256 signature header.
	Secret string

	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// MaxAttempts is the total number of delivery attempts per event.
	MaxAttempts int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// Event is the payload POSTed to the webhook URL.
type Event struct {
	Event        string     `json:"event"`
	DeliveryID   string     `json:"delivery_id"`
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	URL          string     `json:"url"`
	Attempts     int        `json:"attempts"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Webhook sends job events to the configured endpoint.
type Webhook struct {
	config Config
	client *http.Client
	logger *log.Logger
	wg     sync.WaitGroup
	newID  func() string
}

// New creates a webhook sender. Returns nil when no URL is configured so
// callers can pass the result straight to the queue as a disabled notifier.
func New(config Config, logger *log.Logger) *Webhook {
	if config.URL == "" {
		return nil
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
		newID:  uuid.NewString,
	}
}

// NotifyJobFinished queues an event for delivery and returns immediately.
// The passed context is not used for the delivery itself; the caller is
// usually inside a request or job-completion path that will be gone long
// before retries finish.
func (wh *Webhook) NotifyJobFinished(_ context.Context, job *models.Job) {
	if wh == nil || job == nil {
		return
	}
	ev := Event{
		Event:        EventJobFinished,
		DeliveryID:   wh.newID(),
		JobID:        job.ID,
		Status:       string(job.Status),
		URL:          job.NormalizedURL,
		Attempts:     job.Attempts,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		FinishedAt:   job.FinishedAt,
	}

	wh.wg.Add(1)
	go func() {
		defer wh.wg.Done()
		wh.deliver(ev)
	}()
}

// Close waits for in-flight deliveries to finish. Call during shutdown.
func (wh *Webhook) Close() {
	if wh == nil {
		return
	}
	wh.wg.Wait()
}

func (wh *Webhook) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		wh.logf("marshal event for job %s: %v", ev.JobID, err)
		return
	}

	for attempt := 1; attempt <= wh.config.MaxAttempts; attempt++ {
		err := wh.post(body, ev)
		if err == nil {
			wh.logf("delivered %s for job %s (delivery_id=%s)", ev.Event, ev.JobID, ev.DeliveryID)
			return
		}
		wh.logf("delivery attempt %d/%d for job %s failed: %v", attempt, wh.config.MaxAttempts, ev.JobID, err)
		if attempt < wh.config.MaxAttempts {
			time.Sleep(wh.config.RetryBackoff)
		}
	}
	wh.logf("giving up on %s for job %s after %d attempts", ev.Event, ev.JobID, wh.config.MaxAttempts)
}

func (wh *Webhook) post(body []byte, ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), wh.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, ev.Event)
	req.Header.Set(headerDelivery, ev.DeliveryID)
	if wh.config.Secret != "" {
		req.Header.Set(headerSignature, Sign(wh.config.Secret, body))
	}

	resp, err := wh.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the transport can reuse the connection.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a request body:
// "sha256=" followed by the hex HMAC-SHA256 of the body under the secret.
// Receivers recompute this and compare with hmac.Equal.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (wh *Webhook) logf(format string, args ...any) {
	if wh.logger != nil {
		wh.logger.Printf("[notify] "+format, args...)
	}
}

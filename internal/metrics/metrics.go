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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	jobsClaimed    prometheus.Counter
	jobsRequeued   prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	sweepDeleted   prometheus.Counter
	sweepErrors    prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordJobSubmitted counts a submission, split by deduplication outcome.
func RecordJobSubmitted(deduplicated bool) {
	outcome := "new"
	if deduplicated {
		outcome = "deduplicated"
	}

	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(outcome).Inc()
	}
}

// RecordJobClaimed counts a job transitioned to running.
func RecordJobClaimed() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.Inc()
	}
}

// RecordJobRequeued counts a job returned to the queue for another attempt.
func RecordJobRequeued() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRequeued != nil {
		jobsRequeued.Inc()
	}
}

// RecordJobFinished counts a terminal transition by status and error code.
// Pass an empty errorCode for successes.
func RecordJobFinished(status, errorCode string) {
	labelStatus := sanitizeLabel(status, "unknown")
	labelCode := sanitizeLabel(errorCode, "none")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(labelStatus, labelCode).Inc()
	}
}

// ObserveRenderDuration records how long a render took, by render mode.
func ObserveRenderDuration(mode string, duration time.Duration) {
	labelMode := sanitizeLabel(mode, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if renderDuration != nil {
		renderDuration.WithLabelValues(labelMode).Observe(durationSeconds(duration))
	}
}

// RecordSweep counts the outcome of one sweeper pass.
func RecordSweep(deleted, errorCount int) {
	mu.RLock()
	defer mu.RUnlock()
	if sweepDeleted != nil && deleted > 0 {
		sweepDeleted.Add(float64(deleted))
	}
	if sweepErrors != nil && errorCount > 0 {
		sweepErrors.Add(float64(errorCount))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "queue",
		Name:      "jobs_submitted_total",
		Help:      "Total job submissions grouped by deduplication outcome.",
	}, []string{"outcome"})

	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "queue",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed for processing.",
	})

	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "queue",
		Name:      "jobs_requeued_total",
		Help:      "Total jobs requeued for retry.",
	})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Total terminal job transitions by status and error code.",
	}, []string{"status", "error_code"})

	renderHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platen",
		Subsystem: "render",
		Name:      "duration_seconds",
		Help:      "Duration of page renders by render mode.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"mode"})

	deleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "sweeper",
		Name:      "files_deleted_total",
		Help:      "Total rendered outputs deleted by the sweeper.",
	})

	sweepErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "platen",
		Subsystem: "sweeper",
		Name:      "errors_total",
		Help:      "Total sweeper deletion errors.",
	})

	registry.MustRegister(submitted, claimed, requeued, finished, renderHist, deleted, sweepErrs)

	reg = registry
	jobsSubmitted = submitted
	jobsClaimed = claimed
	jobsRequeued = requeued
	jobsFinished = finished
	renderDuration = renderHist
	sweepDeleted = deleted
	sweepErrors = sweepErrs
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

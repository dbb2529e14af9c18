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

// Health handler for:
//   GET /healthz
//
// Reports database reachability and worker liveness. The worker is
// classified off its heartbeat row: healthy while the beat is fresh,
// stale once it ages out, missing when no row exists yet.

import (
	"context"
	"errors"
	"net/http"
	"time"

	"platen/internal/store"
)

// workerStaleAfter is the heartbeat age at which a worker stops counting
// as healthy.
const workerStaleAfter = 30 * time.Second

// Worker health classifications.
const (
	WorkerHealthy = "healthy"
	WorkerStale   = "stale"
	WorkerMissing = "missing"
)

// HealthWorker is the worker detail block of the health response.
type HealthWorker struct {
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	AgeSeconds    *float64   `json:"age_seconds,omitempty"`
	State         string     `json:"state,omitempty"`
	CurrentJob    *string    `json:"current_job,omitempty"`
}

// HealthResponse is returned for GET /healthz when the database is
// reachable. Status is "healthy" only when the worker is too; a stale or
// missing worker degrades the service without failing the check.
type HealthResponse struct {
	Status   string       `json:"status"`
	Database string       `json:"database"`
	Worker   HealthWorker `json:"worker"`
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	if err := a.Health.Ping(ctx); err != nil {
		a.logf("health: database ping failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	worker := a.workerHealth(ctx)

	status := "healthy"
	if worker.Status != WorkerHealthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		Database: "connected",
		Worker:   worker,
	})
}

func (a *API) workerHealth(ctx context.Context) HealthWorker {
	hb, err := a.Health.GetWorkerHeartbeat(ctx, a.WorkerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logf("health: load heartbeat for %s: %v", a.WorkerID, err)
		}
		return HealthWorker{Status: WorkerMissing}
	}

	age := a.Now().Sub(hb.LastHeartbeat)
	ageSeconds := age.Seconds()

	status := WorkerHealthy
	if age >= workerStaleAfter {
		status = WorkerStale
	}

	return HealthWorker{
		Status:        status,
		LastHeartbeat: &hb.LastHeartbeat,
		AgeSeconds:    &ageSeconds,
		State:         hb.Status,
		CurrentJob:    hb.CurrentJobID,
	}
}

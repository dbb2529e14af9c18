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

// Download handler for:
//   GET /v1/pdf-jobs/{id}/file
//
// Serves the rendered PDF as an attachment. The job must exist and be
// succeeded; the file can still be missing when the sweeper got to it
// first, which maps to a distinct 404.

import (
	"errors"
	"fmt"
	"net/http"

	"platen/internal/store"
	"platen/pkg/models"
)

func (a *API) handleDownloadPDF(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		a.logf("get job %s for download: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	if job.Status != models.JobStatusSucceeded {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Job not completed. Current status: %s", job.Status))
		return
	}

	exists, err := a.Files.PDFExists(id)
	if err != nil {
		a.logf("stat pdf for job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to locate PDF")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "PDF file not found (may have been cleaned up)")
		return
	}

	path := a.Files.PDFPath(id)
	a.logf("serving pdf: job=%s path=%s", id, path)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".pdf"))
	http.ServeFile(w, r, path)
}

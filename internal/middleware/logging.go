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

package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"platen/internal/ctxkeys"
)

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wrote {
		sr.status = http.StatusOK
		sr.wrote = true
	}
	return sr.ResponseWriter.Write(b)
}

// RequestLogger tags each request with an ID and writes one access log
// line per request. Incoming X-Request-ID values are honored so callers
// can correlate across services; otherwise a fresh ID is generated. The
// ID is echoed in the response and carried on the request context.
// Handler panics are recovered, logged, and answered with a 500.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf("[http] "+format, args...)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := r.Context()
			rid := r.Header.Get("X-Request-ID")
			if rid != "" {
				ctx = ctxkeys.WithRequestID(ctx, rid)
			} else {
				ctx, rid = ctxkeys.EnsureRequestID(ctx)
			}
			w.Header().Set("X-Request-ID", rid)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					logf("panic serving %s %s: %v", r.Method, r.URL.Path, p)
					if !rec.wrote {
						rec.Header().Set("Content-Type", "application/json")
						rec.WriteHeader(http.StatusInternalServerError)
						json.NewEncoder(rec).Encode(map[string]string{
							"error":  http.StatusText(http.StatusInternalServerError),
							"detail": "Internal server error",
						})
					}
				}
				logf("%s %s %d %s request_id=%s",
					r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), rid)
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

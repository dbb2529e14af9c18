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

// Package ctxkeys carries request-scoped identifiers through context.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

// Key is a typed context key to avoid collisions.
// Do not store values under raw strings; use the provided consts.
type Key string

// RequestID carries the per-request ID used to correlate API log lines.
const RequestID Key = "request_id"

// GetRequestID returns the request ID string from context if present, else "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(RequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithRequestID returns a child context with the provided request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, RequestID, id)
}

// EnsureRequestID returns a context that contains a request ID and the value
// itself. If absent on the input context, a new one is generated.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := generateRequestID()
	return WithRequestID(ctx, id), id
}

func generateRequestID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// Entropy failure; return a fixed placeholder rather than panic.
		return "00000000-0000-4000-8000-000000000000"
	}
	return id.String()
}

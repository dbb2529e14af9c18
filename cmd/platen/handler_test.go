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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"platen/internal/api"
	"platen/internal/config"
	"platen/internal/queue"
	"platen/internal/storage"
	"platen/internal/store"
)

func newTestAPIForMain(t *testing.T) *api.API {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(dir, "handler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	files, err := storage.New(filepath.Join(dir, "pdfs"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	q := queue.NewService(st, allowAllValidator{}, nil, queue.Config{}, nil)
	return api.New(q, st, files, "worker-1", nil)
}

func TestNewHandlerThrottlesJobRoutesOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitPerMinute = 1
	cfg.RateLimitBurst = 1

	handler, limiter := newHandler(cfg, newTestAPIForMain(t), nil)
	if limiter == nil {
		t.Fatalf("expected a limiter when rate limiting is enabled")
	}
	t.Cleanup(limiter.Stop)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Burst of one: the second job-route request is throttled.
	for i, want := range []int{http.StatusAccepted, http.StatusTooManyRequests} {
		resp, err := http.Post(srv.URL+"/v1/pdf-jobs", "application/json", strings.NewReader(`{"url":"https://example.com/a"}`))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("job request %d: expected %d, got %d", i, want, resp.StatusCode)
		}
	}

	// Health probes never hit the limiter.
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("healthz probe %d was throttled", i)
		}
	}
}

func TestNewHandlerDefaultChain(t *testing.T) {
	cfg := config.DefaultConfig()

	handler, limiter := newHandler(cfg, newTestAPIForMain(t), nil)
	if limiter != nil {
		t.Fatalf("expected no limiter by default")
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected security headers on responses, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request ID on responses")
	}
}

func TestRedactedSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"secret", "se**et"},
		{"webhook-key-123", "we***********23"},
	}
	for _, tt := range tests {
		if got := redactedSecret(tt.in); got != tt.want {
			t.Errorf("redactedSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

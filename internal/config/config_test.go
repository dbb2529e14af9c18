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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"platen/pkg/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DBPath != "./data/app.db" {
		t.Errorf("unexpected default db path: %s", cfg.DBPath)
	}

	if cfg.PDFDir != "./data/pdfs" {
		t.Errorf("unexpected default pdf dir: %s", cfg.PDFDir)
	}

	if cfg.DefaultRenderMode != models.RenderModePrintToPDF {
		t.Errorf("unexpected default render mode: %s", cfg.DefaultRenderMode)
	}

	if cfg.NavigationTimeoutSeconds != 45 {
		t.Errorf("unexpected default navigation timeout: %d", cfg.NavigationTimeoutSeconds)
	}

	if cfg.JobTimeoutSeconds != 120 {
		t.Errorf("unexpected default job timeout: %d", cfg.JobTimeoutSeconds)
	}

	if cfg.MaxDomainWaitSeconds != 600 {
		t.Errorf("unexpected default max domain wait: %d", cfg.MaxDomainWaitSeconds)
	}

	if cfg.MaxRetries != 2 {
		t.Errorf("unexpected default max retries: %d", cfg.MaxRetries)
	}

	if cfg.CleanupInterval != 1020*time.Second {
		t.Errorf("unexpected default cleanup interval: %v", cfg.CleanupInterval)
	}

	if cfg.PollInterval != 2*time.Second {
		t.Errorf("unexpected default poll interval: %v", cfg.PollInterval)
	}

	if cfg.WorkerID != "worker-1" {
		t.Errorf("unexpected default worker id: %s", cfg.WorkerID)
	}

	if cfg.RateLimitEnabled {
		t.Error("expected rate limiting to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(*testing.T, Config)
		wantErr bool
	}{
		{
			name:    "default config when no env vars set",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg Config) {
				if cfg.DBPath != "./data/app.db" {
					t.Errorf("unexpected db path: %s", cfg.DBPath)
				}
				if cfg.APIPort != 8000 {
					t.Errorf("unexpected api port: %d", cfg.APIPort)
				}
			},
			wantErr: false,
		},
		{
			name: "custom paths",
			envVars: map[string]string{
				"SQLITE_DB_PATH":   "/var/lib/platen/platen.db",
				"PDF_STORAGE_PATH": "/var/lib/platen/pdfs",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.DBPath != "/var/lib/platen/platen.db" {
					t.Errorf("unexpected db path: %s", cfg.DBPath)
				}
				if cfg.PDFDir != "/var/lib/platen/pdfs" {
					t.Errorf("unexpected pdf dir: %s", cfg.PDFDir)
				}
			},
			wantErr: false,
		},
		{
			name: "screenshot render mode",
			envVars: map[string]string{
				"DEFAULT_RENDER_MODE": "screenshot_to_pdf",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.DefaultRenderMode != models.RenderModeScreenshotToPDF {
					t.Errorf("unexpected render mode: %s", cfg.DefaultRenderMode)
				}
			},
			wantErr: false,
		},
		{
			name: "invalid render mode",
			envVars: map[string]string{
				"DEFAULT_RENDER_MODE": "etch_to_stone",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "custom timeouts",
			envVars: map[string]string{
				"NAVIGATION_TIMEOUT_SECONDS": "30",
				"JOB_TIMEOUT_SECONDS":        "300",
				"MAX_DOMAIN_WAIT_SECONDS":    "120",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.NavigationTimeoutSeconds != 30 {
					t.Errorf("unexpected navigation timeout: %d", cfg.NavigationTimeoutSeconds)
				}
				if cfg.JobTimeoutSeconds != 300 {
					t.Errorf("unexpected job timeout: %d", cfg.JobTimeoutSeconds)
				}
				if cfg.MaxDomainWaitSeconds != 120 {
					t.Errorf("unexpected max domain wait: %d", cfg.MaxDomainWaitSeconds)
				}
			},
			wantErr: false,
		},
		{
			name: "non-numeric timeout",
			envVars: map[string]string{
				"JOB_TIMEOUT_SECONDS": "soon",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "cleanup knobs",
			envVars: map[string]string{
				"CLEANUP_INTERVAL_SECONDS": "600",
				"CLEANUP_FILE_AGE_SECONDS": "3600",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.CleanupInterval != 10*time.Minute {
					t.Errorf("unexpected cleanup interval: %v", cfg.CleanupInterval)
				}
				if cfg.CleanupFileAge != time.Hour {
					t.Errorf("unexpected cleanup file age: %v", cfg.CleanupFileAge)
				}
			},
			wantErr: false,
		},
		{
			name: "invalid port (too high)",
			envVars: map[string]string{
				"API_PORT": "70000",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "invalid poll interval",
			envVars: map[string]string{
				"WORKER_POLL_INTERVAL_SECONDS": "0",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
		{
			name: "lowercase log level is normalized",
			envVars: map[string]string{
				"LOG_LEVEL": "debug",
			},
			check: func(t *testing.T, cfg Config) {
				if cfg.LogLevel != "DEBUG" {
					t.Errorf("unexpected log level: %s", cfg.LogLevel)
				}
			},
			wantErr: false,
		},
		{
			name: "rate limiting enabled",
			envVars: map[string]string{
				"RATE_LIMIT_ENABLED":    "true",
				"RATE_LIMIT_PER_MINUTE": "60",
			},
			check: func(t *testing.T, cfg Config) {
				if !cfg.RateLimitEnabled {
					t.Error("expected rate limiting to be enabled")
				}
				if cfg.RateLimitPerMinute != 60 {
					t.Errorf("unexpected rate limit: %d", cfg.RateLimitPerMinute)
				}
			},
			wantErr: false,
		},
		{
			name: "invalid rate limit toggle",
			envVars: map[string]string{
				"RATE_LIMIT_ENABLED": "sometimes",
			},
			check:   func(t *testing.T, cfg Config) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			// Load config
			cfg, err := LoadConfigFromEnv()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			// Run custom checks
			tt.check(t, cfg)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty db path",
			mutate:  func(c *Config) { c.DBPath = "" },
			wantErr: true,
		},
		{
			name:    "empty pdf dir",
			mutate:  func(c *Config) { c.PDFDir = "" },
			wantErr: true,
		},
		{
			name:    "unknown render mode",
			mutate:  func(c *Config) { c.DefaultRenderMode = "papyrus" },
			wantErr: true,
		},
		{
			name:    "navigation timeout below range",
			mutate:  func(c *Config) { c.NavigationTimeoutSeconds = 1 },
			wantErr: true,
		},
		{
			name:    "job timeout above range",
			mutate:  func(c *Config) { c.JobTimeoutSeconds = 900 },
			wantErr: true,
		},
		{
			name:    "domain wait above range",
			mutate:  func(c *Config) { c.MaxDomainWaitSeconds = 7200 },
			wantErr: true,
		},
		{
			name:    "retries above range",
			mutate:  func(c *Config) { c.MaxRetries = 6 },
			wantErr: true,
		},
		{
			name:    "empty worker id",
			mutate:  func(c *Config) { c.WorkerID = "" },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "LOUD" },
			wantErr: true,
		},
		{
			name:    "webhook secret without url",
			mutate:  func(c *Config) { c.WebhookSecret = "hunter2" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "db", "app.db")
	cfg.PDFDir = filepath.Join(dir, "pdfs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Fatalf("database directory not created: %v", err)
	}
	if _, err := os.Stat(cfg.PDFDir); err != nil {
		t.Fatalf("pdf directory not created: %v", err)
	}

	// Second call is a no-op on existing directories.
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories (repeat) failed: %v", err)
	}
}

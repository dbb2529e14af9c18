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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"platen/pkg/models"
)

// Accepted ranges for the per-job override fields. Submissions and
// configuration defaults outside these bounds are rejected.
const (
	NavigationTimeoutMin = 5
	NavigationTimeoutMax = 300
	JobTimeoutMin        = 10
	JobTimeoutMax        = 600
	DomainWaitMin        = 10
	DomainWaitMax        = 3600
	RetriesMin           = 0
	RetriesMax           = 5
)

// Config holds the service configuration.
type Config struct {
	// DBPath is the SQLite database file location.
	DBPath string

	// PDFDir is the directory rendered PDFs are written to.
	PDFDir string

	// DefaultRenderMode is the render mode used when a submission does
	// not specify one.
	DefaultRenderMode models.RenderMode

	// NavigationTimeoutSeconds is the default inner navigation bound for
	// new jobs.
	NavigationTimeoutSeconds int

	// JobTimeoutSeconds is the default outer render deadline for new jobs.
	JobTimeoutSeconds int

	// MaxDomainWaitSeconds is the default budget a job may spend waiting
	// for its domain lock before failing.
	MaxDomainWaitSeconds int

	// MaxRetries is the default retry cap for new jobs.
	MaxRetries int

	// CleanupInterval is the period between sweeper runs.
	CleanupInterval time.Duration

	// CleanupFileAge is the minimum age of a PDF before the sweeper
	// deletes it.
	CleanupFileAge time.Duration

	// APIHost and APIPort are the HTTP listen address.
	APIHost string
	APIPort int

	// PollInterval is how often the idle worker polls for claimable jobs.
	PollInterval time.Duration

	// WorkerID identifies this worker in heartbeats and startup
	// reconciliation.
	WorkerID string

	// LogLevel is the log verbosity: DEBUG, INFO, WARNING, or ERROR.
	LogLevel string

	// RateLimitEnabled turns on per-client request throttling.
	RateLimitEnabled bool

	// RateLimitPerMinute is the sustained request budget per client.
	RateLimitPerMinute int

	// RateLimitBurst is the instantaneous burst allowance per client.
	RateLimitBurst int

	// WebhookURL, when set, receives a signed notification for every job
	// that reaches a terminal state.
	WebhookURL string

	// WebhookSecret signs webhook deliveries (HMAC-SHA256).
	WebhookSecret string
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:                   "./data/app.db",
		PDFDir:                   "./data/pdfs",
		DefaultRenderMode:        models.RenderModePrintToPDF,
		NavigationTimeoutSeconds: 45,
		JobTimeoutSeconds:        120,
		MaxDomainWaitSeconds:     600,
		MaxRetries:               2,
		CleanupInterval:          1020 * time.Second,
		CleanupFileAge:           1020 * time.Second,
		APIHost:                  "0.0.0.0",
		APIPort:                  8000,
		PollInterval:             2 * time.Second,
		WorkerID:                 "worker-1",
		LogLevel:                 "INFO",
		RateLimitEnabled:         false,
		RateLimitPerMinute:       120,
		RateLimitBurst:           30,
		WebhookURL:               "",
		WebhookSecret:            "",
	}
}

// LoadConfigFromEnv loads the service configuration from environment
// variables, starting from the defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	// SQLITE_DB_PATH
	if val := os.Getenv("SQLITE_DB_PATH"); val != "" {
		cfg.DBPath = val
	}

	// PDF_STORAGE_PATH
	if val := os.Getenv("PDF_STORAGE_PATH"); val != "" {
		cfg.PDFDir = val
	}

	// DEFAULT_RENDER_MODE
	if val := os.Getenv("DEFAULT_RENDER_MODE"); val != "" {
		mode := models.RenderMode(val)
		if !mode.Valid() {
			return cfg, fmt.Errorf("invalid DEFAULT_RENDER_MODE: must be %q or %q, got %q",
				models.RenderModePrintToPDF, models.RenderModeScreenshotToPDF, val)
		}
		cfg.DefaultRenderMode = mode
	}

	// NAVIGATION_TIMEOUT_SECONDS
	if val := os.Getenv("NAVIGATION_TIMEOUT_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid NAVIGATION_TIMEOUT_SECONDS: %w", err)
		}
		cfg.NavigationTimeoutSeconds = num
	}

	// JOB_TIMEOUT_SECONDS
	if val := os.Getenv("JOB_TIMEOUT_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SECONDS: %w", err)
		}
		cfg.JobTimeoutSeconds = num
	}

	// MAX_DOMAIN_WAIT_SECONDS
	if val := os.Getenv("MAX_DOMAIN_WAIT_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_DOMAIN_WAIT_SECONDS: %w", err)
		}
		cfg.MaxDomainWaitSeconds = num
	}

	// MAX_RETRIES
	if val := os.Getenv("MAX_RETRIES"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = num
	}

	// CLEANUP_INTERVAL_SECONDS
	if val := os.Getenv("CLEANUP_INTERVAL_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLEANUP_INTERVAL_SECONDS: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("CLEANUP_INTERVAL_SECONDS must be at least 1")
		}
		cfg.CleanupInterval = time.Duration(num) * time.Second
	}

	// CLEANUP_FILE_AGE_SECONDS
	if val := os.Getenv("CLEANUP_FILE_AGE_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLEANUP_FILE_AGE_SECONDS: %w", err)
		}
		if num < 0 {
			return cfg, fmt.Errorf("CLEANUP_FILE_AGE_SECONDS must not be negative")
		}
		cfg.CleanupFileAge = time.Duration(num) * time.Second
	}

	// API_HOST
	if val := os.Getenv("API_HOST"); val != "" {
		cfg.APIHost = val
	}

	// API_PORT
	if val := os.Getenv("API_PORT"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid API_PORT: %w", err)
		}
		if num < 1 || num > 65535 {
			return cfg, fmt.Errorf("API_PORT must be between 1 and 65535")
		}
		cfg.APIPort = num
	}

	// WORKER_POLL_INTERVAL_SECONDS
	if val := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_POLL_INTERVAL_SECONDS: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("WORKER_POLL_INTERVAL_SECONDS must be at least 1")
		}
		cfg.PollInterval = time.Duration(num) * time.Second
	}

	// WORKER_ID
	if val := os.Getenv("WORKER_ID"); val != "" {
		cfg.WorkerID = val
	}

	// LOG_LEVEL
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToUpper(val)
	}

	// RATE_LIMIT_ENABLED
	if val := os.Getenv("RATE_LIMIT_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_ENABLED value: %w", err)
		}
		cfg.RateLimitEnabled = enabled
	}

	// RATE_LIMIT_PER_MINUTE
	if val := os.Getenv("RATE_LIMIT_PER_MINUTE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1")
		}
		cfg.RateLimitPerMinute = num
	}

	// RATE_LIMIT_BURST
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
		}
		cfg.RateLimitBurst = num
	}

	// WEBHOOK_URL
	if val := os.Getenv("WEBHOOK_URL"); val != "" {
		cfg.WebhookURL = val
	}

	// WEBHOOK_SECRET
	if val := os.Getenv("WEBHOOK_SECRET"); val != "" {
		cfg.WebhookSecret = val
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("SQLITE_DB_PATH cannot be empty")
	}

	if c.PDFDir == "" {
		return fmt.Errorf("PDF_STORAGE_PATH cannot be empty")
	}

	if !c.DefaultRenderMode.Valid() {
		return fmt.Errorf("DEFAULT_RENDER_MODE must be %q or %q",
			models.RenderModePrintToPDF, models.RenderModeScreenshotToPDF)
	}

	if c.NavigationTimeoutSeconds < NavigationTimeoutMin || c.NavigationTimeoutSeconds > NavigationTimeoutMax {
		return fmt.Errorf("NAVIGATION_TIMEOUT_SECONDS must be between %d and %d", NavigationTimeoutMin, NavigationTimeoutMax)
	}

	if c.JobTimeoutSeconds < JobTimeoutMin || c.JobTimeoutSeconds > JobTimeoutMax {
		return fmt.Errorf("JOB_TIMEOUT_SECONDS must be between %d and %d", JobTimeoutMin, JobTimeoutMax)
	}

	if c.MaxDomainWaitSeconds < DomainWaitMin || c.MaxDomainWaitSeconds > DomainWaitMax {
		return fmt.Errorf("MAX_DOMAIN_WAIT_SECONDS must be between %d and %d", DomainWaitMin, DomainWaitMax)
	}

	if c.MaxRetries < RetriesMin || c.MaxRetries > RetriesMax {
		return fmt.Errorf("MAX_RETRIES must be between %d and %d", RetriesMin, RetriesMax)
	}

	if c.WorkerID == "" {
		return fmt.Errorf("WORKER_ID cannot be empty")
	}

	switch c.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be DEBUG, INFO, WARNING, or ERROR, got %q", c.LogLevel)
	}

	if c.WebhookSecret != "" && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_SECRET is set but WEBHOOK_URL is empty")
	}

	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// EnsureDirectories creates the database parent directory and the PDF
// output directory if they don't exist.
func (c *Config) EnsureDirectories() error {
	if dir := filepath.Dir(c.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if err := os.MkdirAll(c.PDFDir, 0755); err != nil {
		return fmt.Errorf("failed to create PDF storage directory: %w", err)
	}
	return nil
}

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

// Command platen runs the conversion service: the HTTP API, the render
// worker, and the PDF sweeper in one process backed by a SQLite store.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"platen/internal/api"
	"platen/internal/config"
	"platen/internal/middleware"
	"platen/internal/notify"
	"platen/internal/queue"
	"platen/internal/render"
	"platen/internal/ssrf"
	"platen/internal/storage"
	"platen/internal/store"
	"platen/internal/sweeper"
	"platen/internal/worker"
	"platen/pkg/models"
)

// parseConfig loads configuration from the environment and then applies
// command-line flag overrides. Each flag mirrors an environment variable;
// flags win when both are set.
func parseConfig() (config.Config, error) {
	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		return cfg, err
	}

	// Fields whose Config representation is not flag-friendly get a
	// staging variable and are converted after Parse.
	renderMode := string(cfg.DefaultRenderMode)
	cleanupInterval := int(cfg.CleanupInterval / time.Second)
	cleanupFileAge := int(cfg.CleanupFileAge / time.Second)
	pollInterval := int(cfg.PollInterval / time.Second)

	flag.StringVar(&cfg.DBPath, "sqlite-db-path", cfg.DBPath, "SQLite database file (env SQLITE_DB_PATH)")
	flag.StringVar(&cfg.PDFDir, "pdf-storage-path", cfg.PDFDir, "directory rendered PDFs are written to (env PDF_STORAGE_PATH)")
	flag.StringVar(&renderMode, "default-render-mode", renderMode, "render mode when a submission omits one: print_to_pdf or screenshot_to_pdf (env DEFAULT_RENDER_MODE)")
	flag.IntVar(&cfg.NavigationTimeoutSeconds, "navigation-timeout-seconds", cfg.NavigationTimeoutSeconds, "default page-load bound for new jobs (env NAVIGATION_TIMEOUT_SECONDS)")
	flag.IntVar(&cfg.JobTimeoutSeconds, "job-timeout-seconds", cfg.JobTimeoutSeconds, "default outer render deadline for new jobs (env JOB_TIMEOUT_SECONDS)")
	flag.IntVar(&cfg.MaxDomainWaitSeconds, "max-domain-wait-seconds", cfg.MaxDomainWaitSeconds, "default domain-lock wait budget for new jobs (env MAX_DOMAIN_WAIT_SECONDS)")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "default retry cap for new jobs (env MAX_RETRIES)")
	flag.IntVar(&cleanupInterval, "cleanup-interval-seconds", cleanupInterval, "seconds between sweeper runs (env CLEANUP_INTERVAL_SECONDS)")
	flag.IntVar(&cleanupFileAge, "cleanup-file-age-seconds", cleanupFileAge, "PDF age in seconds before the sweeper deletes it (env CLEANUP_FILE_AGE_SECONDS)")
	flag.StringVar(&cfg.APIHost, "api-host", cfg.APIHost, "HTTP listen host (env API_HOST)")
	flag.IntVar(&cfg.APIPort, "api-port", cfg.APIPort, "HTTP listen port (env API_PORT)")
	flag.IntVar(&pollInterval, "worker-poll-interval-seconds", pollInterval, "idle worker poll interval in seconds (env WORKER_POLL_INTERVAL_SECONDS)")
	flag.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "worker identity used in heartbeats and startup reconciliation (env WORKER_ID)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity: DEBUG, INFO, WARNING, or ERROR (env LOG_LEVEL)")
	flag.BoolVar(&cfg.RateLimitEnabled, "rate-limit-enabled", cfg.RateLimitEnabled, "throttle job endpoints per client IP (env RATE_LIMIT_ENABLED)")
	flag.IntVar(&cfg.RateLimitPerMinute, "rate-limit-per-minute", cfg.RateLimitPerMinute, "sustained requests per minute per client (env RATE_LIMIT_PER_MINUTE)")
	flag.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "instantaneous burst allowance per client (env RATE_LIMIT_BURST)")
	flag.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "endpoint notified when a job reaches a terminal state (env WEBHOOK_URL)")
	flag.StringVar(&cfg.WebhookSecret, "webhook-secret", cfg.WebhookSecret, "HMAC-SHA256 key for webhook signatures (env WEBHOOK_SECRET)")
	flag.Parse()

	cfg.DefaultRenderMode = models.RenderMode(renderMode)
	if cleanupInterval < 1 {
		return cfg, fmt.Errorf("cleanup-interval-seconds must be at least 1")
	}
	cfg.CleanupInterval = time.Duration(cleanupInterval) * time.Second
	if cleanupFileAge < 0 {
		return cfg, fmt.Errorf("cleanup-file-age-seconds must not be negative")
	}
	cfg.CleanupFileAge = time.Duration(cleanupFileAge) * time.Second
	if pollInterval < 1 {
		return cfg, fmt.Errorf("worker-poll-interval-seconds must be at least 1")
	}
	cfg.PollInterval = time.Duration(pollInterval) * time.Second

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// redactedSecret hides most of a secret while keeping enough to confirm
// which value is loaded.
func redactedSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(cfg config.Config) {
	log.Printf("configuration:")
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  pdf_dir=%s", cfg.PDFDir)
	log.Printf("  render_mode=%s nav_timeout=%ds job_timeout=%ds domain_wait=%ds max_retries=%d",
		cfg.DefaultRenderMode, cfg.NavigationTimeoutSeconds, cfg.JobTimeoutSeconds,
		cfg.MaxDomainWaitSeconds, cfg.MaxRetries)
	log.Printf("  cleanup interval=%s file_age=%s", cfg.CleanupInterval, cfg.CleanupFileAge)
	log.Printf("  listen=%s", cfg.ListenAddr())
	log.Printf("  worker id=%s poll=%s", cfg.WorkerID, cfg.PollInterval)
	log.Printf("  log_level=%s", cfg.LogLevel)
	if cfg.RateLimitEnabled {
		log.Printf("  rate_limit per_minute=%d burst=%d", cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	} else {
		log.Printf("  rate_limit disabled")
	}
	if cfg.WebhookURL != "" {
		log.Printf("  webhook url=%s secret=%s", cfg.WebhookURL, redactedSecret(cfg.WebhookSecret))
	} else {
		log.Printf("  webhook disabled")
	}
}

// reconcileJobs recovers jobs a previous run left mid-flight. It must
// complete before the claim loop starts.
func reconcileJobs(ctx context.Context, q *queue.Service, logger *log.Logger) error {
	res, err := q.ReconcileStartup(ctx)
	if err != nil {
		return err
	}
	if len(res.Requeued) > 0 || len(res.Failed) > 0 {
		logger.Printf("startup reconciliation: requeued=%d failed=%d", len(res.Requeued), len(res.Failed))
	}
	return nil
}

// newHandler assembles the HTTP middleware chain around the API routes.
// The rate limiter covers the job endpoints only, so health probes and
// metrics scrapes are never throttled. The returned limiter is nil when
// rate limiting is disabled.
func newHandler(cfg config.Config, a *api.API, logger *log.Logger) (http.Handler, *middleware.RateLimiter) {
	mux := http.NewServeMux()
	a.Register(mux)

	var handler http.Handler = mux
	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		rlCfg := middleware.DefaultRateLimitConfig()
		rlCfg.RequestsPerMinute = cfg.RateLimitPerMinute
		rlCfg.BurstSize = cfg.RateLimitBurst
		rlCfg.Logger = logger
		limiter = middleware.NewRateLimiter(rlCfg)
		limited := limiter.Middleware(mux)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/v1/") {
				limited.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}

	handler = middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(handler)

	// WARNING and ERROR drop per-request access logs; request IDs and
	// panic recovery still apply.
	accessLogger := logger
	if cfg.LogLevel == "WARNING" || cfg.LogLevel == "ERROR" {
		accessLogger = nil
	}
	handler = middleware.RequestLogger(accessLogger)(handler)
	return handler, limiter
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[platen] ")

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	logger := log.Default()

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	files, err := storage.New(cfg.PDFDir)
	if err != nil {
		log.Printf("failed to open PDF storage: %v", err)
		os.Exit(1)
	}

	validator := ssrf.NewValidator()

	webhook := notify.New(notify.Config{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
	}, logger)
	var notifier queue.Notifier
	if webhook != nil {
		notifier = webhook
	}

	q := queue.NewService(st, validator, notifier, queue.Config{
		DefaultRenderMode:        cfg.DefaultRenderMode,
		NavigationTimeoutSeconds: cfg.NavigationTimeoutSeconds,
		JobTimeoutSeconds:        cfg.JobTimeoutSeconds,
		MaxDomainWaitSeconds:     cfg.MaxDomainWaitSeconds,
		MaxRetries:               cfg.MaxRetries,
	}, logger)

	if err := reconcileJobs(context.Background(), q, logger); err != nil {
		log.Printf("startup reconciliation failed: %v", err)
		os.Exit(1)
	}

	engine := render.NewChromeEngine(logger)
	w := worker.NewWorker(q, st, validator, engine, files, worker.WorkerConfig{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()

	sweep := sweeper.New(files, sweeper.Config{
		Enabled:  true,
		Interval: cfg.CleanupInterval,
		FileAge:  cfg.CleanupFileAge,
	}, logger)
	sweep.Start()

	a := api.New(q, st, files, cfg.WorkerID, logger)
	handler, limiter := newHandler(cfg, a, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	// Stop claiming; an in-flight job finishes and records its outcome
	// before Run returns. Run also closes the render engine.
	workerCancel()
	<-workerDone

	sweep.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}

	if limiter != nil {
		limiter.Stop()
	}
	// Flush any webhook deliveries still in flight. Safe when nil.
	webhook.Close()
}

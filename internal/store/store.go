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

// Package store provides a SQLite-backed persistence layer for the
// conversion queue, including schema migrations, job CRUD, the
// claim/complete/requeue transitions, domain locks, and worker
// heartbeats.
//
// All multi-row mutations (submit, claim, complete, requeue, reconcile)
// run inside a single serializable transaction so the queue invariants
// hold under concurrent submitters and claimers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"platen/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrNotRunning indicates a terminal transition was requested for a
	// job that is not in the running state. Callers treat it as a no-op.
	ErrNotRunning = errors.New("job not running")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a serializable transaction. If fn returns an
// error, the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id                     TEXT PRIMARY KEY,
  normalized_url             TEXT NOT NULL,
  main_domain                TEXT NOT NULL,
  status                     TEXT NOT NULL CHECK (status IN ('queued','waiting_domain_lock','running','succeeded','failed')),
  attempts                   INTEGER NOT NULL DEFAULT 0,
  created_at                 TIMESTAMP NOT NULL,
  started_at                 TIMESTAMP NULL,
  finished_at                TIMESTAMP NULL,
  error_code                 TEXT NULL,
  error_message              TEXT NULL,
  render_mode                TEXT NOT NULL CHECK (render_mode IN ('print_to_pdf','screenshot_to_pdf')),
  navigation_timeout_seconds INTEGER NOT NULL,
  job_timeout_seconds        INTEGER NOT NULL,
  max_domain_wait_seconds    INTEGER NOT NULL,
  max_retries                INTEGER NOT NULL,
  deduplicated               BOOLEAN NOT NULL DEFAULT 0,
  submission_date            TEXT NOT NULL,
  metadata_json              TEXT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dedup ON jobs(normalized_url, submission_date);`,
		`CREATE INDEX IF NOT EXISTS idx_status_created ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_main_domain ON jobs(main_domain);`,

		// domain_locks table: one row per registrable domain while a job
		// for that domain is running
		`CREATE TABLE IF NOT EXISTS domain_locks (
  main_domain      TEXT PRIMARY KEY,
  job_id           TEXT NOT NULL,
  locked_at        TIMESTAMP NOT NULL,
  max_wait_seconds INTEGER NOT NULL
);`,

		// worker_heartbeats table
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
  worker_id      TEXT PRIMARY KEY,
  last_heartbeat TIMESTAMP NOT NULL,
  status         TEXT NOT NULL,
  current_job_id TEXT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// jobColumns is the column list shared by every job SELECT; scanJob
// consumes rows in this exact order.
const jobColumns = `job_id, normalized_url, main_domain, status, attempts, created_at, started_at, finished_at, error_code, error_message, render_mode, navigation_timeout_seconds, job_timeout_seconds, max_domain_wait_seconds, max_retries, deduplicated, submission_date, metadata_json`

// SubmitJob persists a new job unless a job with the same
// (normalized_url, submission_date) fingerprint already exists, in which
// case the existing job is returned with deduplicated=true. A submitter
// racing another submitter on the unique dedup index loses the insert and
// is handed the winner's row.
func (s *Store) SubmitJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	var (
		out     *models.Job
		deduped bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getJobByDedupTx(ctx, tx, job.NormalizedURL, job.SubmissionDate)
		if err == nil {
			out = existing
			deduped = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := s.insertJobTx(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		// Race: another submitter inserted the same fingerprint between
		// our select and insert. Return the winner's row.
		if isUniqueViolation(err) {
			existing, gerr := s.GetJobByDedup(ctx, job.NormalizedURL, job.SubmissionDate)
			if gerr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return out, deduped, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobByDedup retrieves the job matching the dedup fingerprint.
func (s *Store) GetJobByDedup(ctx context.Context, normalizedURL, submissionDate string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE normalized_url=? AND submission_date=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, normalizedURL, submissionDate))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by dedup: %w", err)
	}
	return job, nil
}

// ListJobsByStatus returns jobs matching the provided status ordered by
// creation time.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// --------------- Claiming ---------------

// ClaimResult describes the outcome of a single claim attempt. At most
// one field is set; all nil means there was nothing eligible.
type ClaimResult struct {
	// Job was transitioned to running and its domain lock acquired.
	Job *models.Job
	// TimedOut exhausted its domain-wait budget this attempt and was
	// failed with DOMAIN_WAIT_TIMEOUT.
	TimedOut *models.Job
	// Waiting was newly parked behind another job's domain lock. Jobs
	// already parked produce an empty result until their lock frees or
	// their wait budget runs out.
	Waiting *models.Job
}

// ClaimNextJob atomically claims the next eligible job: the oldest queued
// job, or failing that the oldest job waiting on a domain lock. If the
// candidate's domain is locked by another job it is either parked in
// waiting_domain_lock or, once now-created_at exceeds its wait budget,
// failed with DOMAIN_WAIT_TIMEOUT. Otherwise the domain lock is inserted
// and the job transitioned to running with attempts incremented.
func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (*ClaimResult, error) {
	now = now.UTC()
	res := &ClaimResult{}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := s.nextClaimCandidateTx(ctx, tx)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		job, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		holder, err := s.getLockHolderTx(ctx, tx, job.MainDomain)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if holder != "" {
			// Domain is locked by another job.
			wait := now.Sub(job.CreatedAt)
			if wait > time.Duration(job.MaxDomainWaitSeconds)*time.Second {
				msg := fmt.Sprintf("Exceeded max domain wait time: %ds", job.MaxDomainWaitSeconds)
				const upd = `UPDATE jobs SET status='failed', error_code=?, error_message=?, finished_at=?
WHERE job_id=? AND status IN ('queued','waiting_domain_lock')`
				if _, err := tx.ExecContext(ctx, upd, models.ErrCodeDomainWaitTimeout, msg, now, job.ID); err != nil {
					return fmt.Errorf("fail job on domain wait timeout: %w", err)
				}
				updated, err := s.getJobByIDTx(ctx, tx, job.ID)
				if err != nil {
					return err
				}
				res.TimedOut = updated
				return nil
			}

			if job.Status != models.JobStatusWaitingDomainLock {
				const upd = `UPDATE jobs SET status='waiting_domain_lock' WHERE job_id=? AND status='queued'`
				if _, err := tx.ExecContext(ctx, upd, job.ID); err != nil {
					return fmt.Errorf("park job on domain lock: %w", err)
				}
				job, err = s.getJobByIDTx(ctx, tx, job.ID)
				if err != nil {
					return err
				}
				res.Waiting = job
			}
			return nil
		}

		// Acquire domain lock and transition to running.
		const insLock = `INSERT INTO domain_locks(main_domain, job_id, locked_at, max_wait_seconds) VALUES(?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insLock, job.MainDomain, job.ID, now, job.MaxDomainWaitSeconds); err != nil {
			return fmt.Errorf("acquire domain lock: %w", err)
		}

		const upd = `UPDATE jobs SET status='running', started_at=?, attempts=attempts+1
WHERE job_id=? AND status IN ('queued','waiting_domain_lock')`
		resExec, err := tx.ExecContext(ctx, upd, now, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, _ := resExec.RowsAffected()
		if affected != 1 {
			// Lost the race to another claimer; roll back the lock.
			return ErrNotFound
		}

		claimed, err := s.getJobByIDTx(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		res.Job = claimed
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &ClaimResult{}, nil
		}
		return nil, err
	}
	return res, nil
}

// CompleteJob transitions a running job to succeeded (success=true) or
// failed (success=false, recording errorCode and errorMessage), stamps
// finished_at, and releases the domain lock. Returns ErrNotFound for an
// unknown job and ErrNotRunning when the job is not running; callers
// treat both as logged no-ops.
func (s *Store) CompleteJob(ctx context.Context, id string, success bool, errorCode, errorMessage string, now time.Time) (*models.Job, error) {
	now = now.UTC()
	var completed *models.Job

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusRunning {
			return ErrNotRunning
		}

		if success {
			const upd = `UPDATE jobs SET status='succeeded', error_code=NULL, error_message=NULL, finished_at=? WHERE job_id=?`
			if _, err := tx.ExecContext(ctx, upd, now, id); err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
		} else {
			const upd = `UPDATE jobs SET status='failed', error_code=?, error_message=?, finished_at=? WHERE job_id=?`
			if _, err := tx.ExecContext(ctx, upd, nullIfEmpty(errorCode), nullIfEmpty(errorMessage), now, id); err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
		}

		if err := s.deleteLockTx(ctx, tx, job.MainDomain); err != nil {
			return err
		}

		completed, err = s.getJobByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// RequeueJob returns a running job to queued for another attempt,
// clearing started_at and any error fields and releasing the domain
// lock. Attempts is not reset; it counts claims across retries.
func (s *Store) RequeueJob(ctx context.Context, id string) (*models.Job, error) {
	var requeued *models.Job

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusRunning {
			return ErrNotRunning
		}

		if err := s.deleteLockTx(ctx, tx, job.MainDomain); err != nil {
			return err
		}

		const upd = `UPDATE jobs SET status='queued', started_at=NULL, error_code=NULL, error_message=NULL WHERE job_id=?`
		if _, err := tx.ExecContext(ctx, upd, id); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}

		requeued, err = s.getJobByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// ReconcileResult reports what startup reconciliation did with stale
// running jobs.
type ReconcileResult struct {
	// Requeued jobs go around again; their crash consumed an attempt.
	Requeued []*models.Job
	// Failed jobs had no attempt budget left and were finished with
	// WORKER_CRASHED.
	Failed []*models.Job
}

// ReconcileStartup recovers jobs left running by a crashed worker: each
// is requeued when its attempt budget allows another run, otherwise
// failed with WORKER_CRASHED. Domain locks held by recovered jobs are
// released either way. Must run before the claim loop starts.
func (s *Store) ReconcileStartup(ctx context.Context, now time.Time) (*ReconcileResult, error) {
	now = now.UTC()
	result := &ReconcileResult{}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stale, err := s.listRunningJobsTx(ctx, tx)
		if err != nil {
			return err
		}

		for _, job := range stale {
			if err := s.deleteLockTx(ctx, tx, job.MainDomain); err != nil {
				return err
			}

			if job.Attempts <= job.MaxRetries+1 {
				const upd = `UPDATE jobs SET status='queued', started_at=NULL, error_code=NULL, error_message=NULL WHERE job_id=?`
				if _, err := tx.ExecContext(ctx, upd, job.ID); err != nil {
					return fmt.Errorf("requeue stale job: %w", err)
				}
				updated, err := s.getJobByIDTx(ctx, tx, job.ID)
				if err != nil {
					return err
				}
				result.Requeued = append(result.Requeued, updated)
				continue
			}

			const upd = `UPDATE jobs SET status='failed', error_code=?, error_message=?, finished_at=? WHERE job_id=?`
			if _, err := tx.ExecContext(ctx, upd, models.ErrCodeWorkerCrashed, "Worker restarted while job was running", now, job.ID); err != nil {
				return fmt.Errorf("fail stale job: %w", err)
			}
			updated, err := s.getJobByIDTx(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			result.Failed = append(result.Failed, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --------------- Domain locks ---------------

// GetDomainLock returns the lock row for a main domain or ErrNotFound.
func (s *Store) GetDomainLock(ctx context.Context, mainDomain string) (*models.DomainLock, error) {
	const q = `SELECT main_domain, job_id, locked_at, max_wait_seconds FROM domain_locks WHERE main_domain=?`
	var row struct {
		mainDomain, jobID string
		lockedAt          time.Time
		maxWaitSeconds    int
	}
	err := s.db.QueryRowContext(ctx, q, mainDomain).Scan(&row.mainDomain, &row.jobID, &row.lockedAt, &row.maxWaitSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain lock: %w", err)
	}
	return &models.DomainLock{
		MainDomain:     row.mainDomain,
		JobID:          row.jobID,
		LockedAt:       row.lockedAt.UTC(),
		MaxWaitSeconds: row.maxWaitSeconds,
	}, nil
}

// --------------- Worker heartbeats ---------------

// UpsertWorkerHeartbeat inserts or refreshes a worker's liveness record.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	const upsert = `
INSERT INTO worker_heartbeats(worker_id, last_heartbeat, status, current_job_id)
VALUES(?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  last_heartbeat=excluded.last_heartbeat,
  status=excluded.status,
  current_job_id=excluded.current_job_id;`

	var currentJobID any
	if hb.CurrentJobID != nil {
		currentJobID = *hb.CurrentJobID
	}

	_, err := s.db.ExecContext(ctx, upsert, hb.WorkerID, hb.LastHeartbeat.UTC(), hb.Status, currentJobID)
	if err != nil {
		return fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return nil
}

// GetWorkerHeartbeat retrieves the heartbeat row for a worker identity.
func (s *Store) GetWorkerHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error) {
	const q = `SELECT worker_id, last_heartbeat, status, current_job_id FROM worker_heartbeats WHERE worker_id=?`
	var row struct {
		workerID      string
		lastHeartbeat time.Time
		status        string
		currentJobID  sql.NullString
	}
	err := s.db.QueryRowContext(ctx, q, workerID).Scan(&row.workerID, &row.lastHeartbeat, &row.status, &row.currentJobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker heartbeat: %w", err)
	}
	return &models.WorkerHeartbeat{
		WorkerID:      row.workerID,
		LastHeartbeat: row.lastHeartbeat.UTC(),
		Status:        row.status,
		CurrentJobID:  fromNullStringPtr(row.currentJobID),
	}, nil
}

// --------------- Internal helpers ---------------

func (s *Store) insertJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	const ins = `
INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	// Prepare nullable fields
	var startedAt, finishedAt, errorCode, errorMessage any
	if job.StartedAt != nil {
		startedAt = job.StartedAt.UTC()
	}
	if job.FinishedAt != nil {
		finishedAt = job.FinishedAt.UTC()
	}
	if job.ErrorCode != nil {
		errorCode = *job.ErrorCode
	}
	if job.ErrorMessage != nil {
		errorMessage = *job.ErrorMessage
	}

	_, err := tx.ExecContext(ctx, ins,
		job.ID, job.NormalizedURL, job.MainDomain, job.Status.String(), job.Attempts,
		job.CreatedAt.UTC(), startedAt, finishedAt, errorCode, errorMessage,
		job.RenderMode.String(), job.NavigationTimeoutSeconds, job.JobTimeoutSeconds,
		job.MaxDomainWaitSeconds, job.MaxRetries, job.Deduplicated, job.SubmissionDate,
		nullIfEmpty(job.Metadata))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) getJobByIDTx(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=?`
	job, err := scanJob(tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job tx: %w", err)
	}
	return job, nil
}

func (s *Store) getJobByDedupTx(ctx context.Context, tx *sql.Tx, normalizedURL, submissionDate string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE normalized_url=? AND submission_date=?`
	job, err := scanJob(tx.QueryRowContext(ctx, q, normalizedURL, submissionDate))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by dedup tx: %w", err)
	}
	return job, nil
}

func (s *Store) listRunningJobsTx(ctx context.Context, tx *sql.Tx) ([]*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='running' ORDER BY created_at ASC`
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}
	return out, nil
}

// nextClaimCandidateTx picks the oldest queued job, falling back to the
// oldest waiting_domain_lock job. Freshly queued work on other domains
// deliberately takes priority over older waiters so a contended domain
// cannot starve the rest of the queue.
func (s *Store) nextClaimCandidateTx(ctx context.Context, tx *sql.Tx) (string, error) {
	const selQueued = `SELECT job_id FROM jobs WHERE status='queued' ORDER BY created_at ASC LIMIT 1`
	var id string
	err := tx.QueryRowContext(ctx, selQueued).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("select queued job: %w", err)
	}

	const selWaiting = `SELECT job_id FROM jobs WHERE status='waiting_domain_lock' ORDER BY created_at ASC LIMIT 1`
	err = tx.QueryRowContext(ctx, selWaiting).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select waiting job: %w", err)
	}
	return id, nil
}

// getLockHolderTx returns the job ID holding the lock for mainDomain, or
// ErrNotFound ("" holder) when the domain is free.
func (s *Store) getLockHolderTx(ctx context.Context, tx *sql.Tx, mainDomain string) (string, error) {
	const q = `SELECT job_id FROM domain_locks WHERE main_domain=?`
	var holder string
	err := tx.QueryRowContext(ctx, q, mainDomain).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get lock holder: %w", err)
	}
	return holder, nil
}

func (s *Store) deleteLockTx(ctx context.Context, tx *sql.Tx, mainDomain string) error {
	const del = `DELETE FROM domain_locks WHERE main_domain=?`
	if _, err := tx.ExecContext(ctx, del, mainDomain); err != nil {
		return fmt.Errorf("release domain lock: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var row struct {
		id, normalizedURL, mainDomain, status string
		attempts                              int
		createdAt                             time.Time
		startedAt, finishedAt                 sql.NullTime
		errorCode, errorMessage               sql.NullString
		renderMode                            string
		navTimeout, jobTimeout                int
		maxDomainWait, maxRetries             int
		deduplicated                          bool
		submissionDate                        string
		metadata                              sql.NullString
	}
	if err := r.Scan(
		&row.id, &row.normalizedURL, &row.mainDomain, &row.status, &row.attempts,
		&row.createdAt, &row.startedAt, &row.finishedAt, &row.errorCode, &row.errorMessage,
		&row.renderMode, &row.navTimeout, &row.jobTimeout, &row.maxDomainWait, &row.maxRetries,
		&row.deduplicated, &row.submissionDate, &row.metadata,
	); err != nil {
		return nil, err
	}

	return &models.Job{
		ID:                       row.id,
		NormalizedURL:            row.normalizedURL,
		MainDomain:               row.mainDomain,
		Status:                   models.JobStatus(row.status),
		Attempts:                 row.attempts,
		CreatedAt:                row.createdAt.UTC(),
		StartedAt:                fromNullTimePtr(row.startedAt),
		FinishedAt:               fromNullTimePtr(row.finishedAt),
		ErrorCode:                fromNullStringPtr(row.errorCode),
		ErrorMessage:             fromNullStringPtr(row.errorMessage),
		RenderMode:               models.RenderMode(row.renderMode),
		NavigationTimeoutSeconds: row.navTimeout,
		JobTimeoutSeconds:        row.jobTimeout,
		MaxDomainWaitSeconds:     row.maxDomainWait,
		MaxRetries:               row.maxRetries,
		Deduplicated:             row.deduplicated,
		SubmissionDate:           row.submissionDate,
		Metadata:                 fromNullString(row.metadata),
	}, nil
}

// isUniqueViolation reports whether err is SQLite's unique-constraint
// error, raised when two submitters race on the dedup index.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

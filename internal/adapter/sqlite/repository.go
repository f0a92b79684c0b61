package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/herald/internal/domain"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix nanoseconds so ordering and range checks
// are plain integer comparisons.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload      TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    last_error   TEXT,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    available_at INTEGER NOT NULL,
    processed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`

const jobColumns = `id, type, payload, status, attempts, max_attempts, COALESCE(last_error, ''),
created_at, updated_at, available_at, processed_at`

const staleReason = "recovered from stale processing state"

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, created_at, updated_at, available_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Payload), string(job.Status), job.Attempts, job.MaxAttempts,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), job.AvailableAt.UnixNano(),
	)
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindPending returns claimable pending jobs, oldest first, up to limit.
func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND available_at <= ?
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(domain.StatusPending), now.UnixNano(), limit,
	)
}

// List returns jobs in a status, oldest first.
func (r *Repository) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(status), limit,
	)
}

// CountByStatus counts jobs per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// Claim atomically claims a pending job for processing and returns the
// updated row.
func (r *Repository) Claim(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+jobColumns,
		string(domain.StatusProcessing), r.now().UnixNano(), id, string(domain.StatusPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, domain.ErrJobNotClaimable
	}
	return job, err
}

// Release returns a claimed, unexecuted job to pending.
func (r *Repository) Release(ctx context.Context, id string) error {
	now := r.now().UnixNano()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = MAX(attempts - 1, 0), available_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusPending), now, now, id, string(domain.StatusProcessing),
	)
	return expectOne(result, err, domain.ErrJobNotFound)
}

// Complete marks a processing job as completed.
func (r *Repository) Complete(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted), at.UnixNano(), r.now().UnixNano(), id, string(domain.StatusProcessing),
	)
	return expectOne(result, err, domain.ErrJobNotFound)
}

// Retry puts a processing job back to pending with error info.
func (r *Repository) Retry(ctx context.Context, id string, reason string, availableAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusPending), reason, availableAt.UnixNano(), r.now().UnixNano(), id, string(domain.StatusProcessing),
	)
	return expectOne(result, err, domain.ErrJobNotFound)
}

// Dead marks a processing job as permanently failed.
func (r *Repository) Dead(ctx context.Context, id string, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusDead), reason, r.now().UnixNano(), id, string(domain.StatusProcessing),
	)
	return expectOne(result, err, domain.ErrJobNotFound)
}

// Requeue moves a dead job back to pending with a fresh attempt budget.
func (r *Repository) Requeue(ctx context.Context, id string) error {
	now := r.now().UnixNano()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = 0, available_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusPending), now, now, id, string(domain.StatusDead),
	)
	return expectOne(result, err, domain.ErrJobNotDead)
}

// RecoverStale resets processing jobs untouched since cutoff. Jobs that
// already used their last attempt are marked dead instead.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := r.now().UnixNano()
	dead, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ? AND attempts >= max_attempts`,
		string(domain.StatusDead), staleReason, now, string(domain.StatusProcessing), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	pending, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(domain.StatusPending), staleReason, now, now, string(domain.StatusProcessing), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	nd, _ := dead.RowsAffected()
	np, _ := pending.RowsAffected()
	return nd + np, nil
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func expectOne(result sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return none
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                             domain.Job
		jobType, payload, status        string
		createdAt, updatedAt, available int64
		processedAt                     sql.NullInt64
	)
	err := row.Scan(&job.ID, &jobType, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&createdAt, &updatedAt, &available, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Payload = []byte(payload)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	job.AvailableAt = time.Unix(0, available).UTC()
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64).UTC()
		job.ProcessedAt = &t
	}
	return &job, nil
}

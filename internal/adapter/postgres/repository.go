// Package postgres implements domain.JobRepository on PostgreSQL. The
// schema is managed by goose migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cwygoda/herald/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const jobColumns = `id, type, payload, status, attempts, max_attempts, COALESCE(last_error, ''),
created_at, updated_at, available_at, processed_at`

const staleReason = "recovered from stale processing state"

// Repository implements domain.JobRepository using a pgx pool.
type Repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// New connects to dsn and applies pending migrations.
func New(ctx context.Context, dsn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repository{db: pool, now: time.Now}, nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, created_at, updated_at, available_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, string(job.Type), []byte(job.Payload), string(job.Status), job.Attempts, job.MaxAttempts,
		job.CreatedAt, job.UpdatedAt, job.AvailableAt,
	)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND available_at <= $2
		 ORDER BY created_at ASC, seq ASC LIMIT $3`,
		string(domain.StatusPending), now, limit,
	)
}

func (r *Repository) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC, seq ASC LIMIT $2`,
		string(status), limit,
	)
}

func (r *Repository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

// Claim atomically flips a pending job to processing and returns the
// updated row.
func (r *Repository) Claim(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE jobs SET status = $1, attempts = attempts + 1, updated_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING `+jobColumns,
		string(domain.StatusProcessing), r.now(), id, string(domain.StatusPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, domain.ErrJobNotClaimable
	}
	return job, err
}

func (r *Repository) Release(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = GREATEST(attempts - 1, 0), available_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(domain.StatusPending), r.now(), id, string(domain.StatusProcessing),
	)
	return expectOne(tag, err, domain.ErrJobNotFound)
}

func (r *Repository) Complete(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = $1, processed_at = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(domain.StatusCompleted), at, r.now(), id, string(domain.StatusProcessing),
	)
	return expectOne(tag, err, domain.ErrJobNotFound)
}

func (r *Repository) Retry(ctx context.Context, id string, reason string, availableAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, available_at = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(domain.StatusPending), reason, availableAt, r.now(), id, string(domain.StatusProcessing),
	)
	return expectOne(tag, err, domain.ErrJobNotFound)
}

func (r *Repository) Dead(ctx context.Context, id string, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(domain.StatusDead), reason, r.now(), id, string(domain.StatusProcessing),
	)
	return expectOne(tag, err, domain.ErrJobNotFound)
}

func (r *Repository) Requeue(ctx context.Context, id string) error {
	now := r.now()
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = 0, available_at = $2, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(domain.StatusPending), now, id, string(domain.StatusDead),
	)
	return expectOne(tag, err, domain.ErrJobNotDead)
}

// RecoverStale resets processing jobs untouched since cutoff; jobs on their
// last attempt are marked dead.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		now := r.now()
		dead, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, last_error = $2, updated_at = $3
			 WHERE status = $4 AND updated_at < $5 AND attempts >= max_attempts`,
			string(domain.StatusDead), staleReason, now, string(domain.StatusProcessing), cutoff,
		)
		if err != nil {
			return err
		}
		pending, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, last_error = $2, available_at = $3, updated_at = $3
			 WHERE status = $4 AND updated_at < $5`,
			string(domain.StatusPending), staleReason, now, string(domain.StatusProcessing), cutoff,
		)
		if err != nil {
			return err
		}
		total = dead.RowsAffected() + pending.RowsAffected()
		return nil
	})
	return total, err
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.Query(ctx, q, args...)
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

func expectOne(tag pgconn.CommandTag, err error, none error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return none
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job             domain.Job
		jobType, status string
		payload         []byte
		processedAt     *time.Time
	)
	err := row.Scan(&job.ID, &jobType, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &job.AvailableAt, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Payload = payload
	job.Status = domain.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.AvailableAt = job.AvailableAt.UTC()
	if processedAt != nil {
		t := processedAt.UTC()
		job.ProcessedAt = &t
	}
	return &job, nil
}

// Package memory is a process-local domain.JobRepository for tests and
// development. Jobs are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwygoda/herald/internal/domain"
)

type entry struct {
	job domain.Job
	seq int
}

// Repository keeps jobs in a map guarded by a mutex. Claim is a
// compare-and-set under the lock.
type Repository struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	seq  int
	now  func() time.Time
}

func New() *Repository {
	return &Repository{jobs: make(map[string]*entry), now: time.Now}
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", errDuplicate, job.ID)
	}
	r.seq++
	r.jobs[job.ID] = &entry{job: *job, seq: r.seq}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job := e.job
	return &job, nil
}

// sorted returns matching jobs ordered by creation, oldest first.
func (r *Repository) sorted(match func(*domain.Job) bool, limit int) []domain.Job {
	var es []*entry
	for _, e := range r.jobs {
		if match(&e.job) {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool {
		if !es[i].job.CreatedAt.Equal(es[j].job.CreatedAt) {
			return es[i].job.CreatedAt.Before(es[j].job.CreatedAt)
		}
		return es[i].seq < es[j].seq
	})
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	jobs := make([]domain.Job, len(es))
	for i, e := range es {
		jobs[i] = e.job
	}
	return jobs
}

func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(j *domain.Job) bool {
		return j.Status == domain.StatusPending && !j.AvailableAt.After(now)
	}, limit), nil
}

func (r *Repository) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(j *domain.Job) bool { return j.Status == status }, limit), nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.JobStatus]int)
	for _, e := range r.jobs {
		counts[e.job.Status]++
	}
	return counts, nil
}

// transition applies fn to job id if it is currently in status from.
func (r *Repository) transition(id string, from domain.JobStatus, none error, fn func(*domain.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || e.job.Status != from {
		return none
	}
	fn(&e.job)
	e.job.UpdatedAt = r.now().UTC()
	return nil
}

func (r *Repository) Claim(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || e.job.Status != domain.StatusPending {
		return nil, domain.ErrJobNotClaimable
	}
	e.job.Status = domain.StatusProcessing
	e.job.Attempts++
	e.job.UpdatedAt = r.now().UTC()
	job := e.job
	return &job, nil
}

func (r *Repository) Release(ctx context.Context, id string) error {
	return r.transition(id, domain.StatusProcessing, domain.ErrJobNotFound, func(j *domain.Job) {
		j.Status = domain.StatusPending
		j.Attempts = max(j.Attempts-1, 0)
		j.AvailableAt = r.now().UTC()
	})
}

func (r *Repository) Complete(ctx context.Context, id string, at time.Time) error {
	return r.transition(id, domain.StatusProcessing, domain.ErrJobNotFound, func(j *domain.Job) {
		j.Status = domain.StatusCompleted
		j.ProcessedAt = &at
	})
}

func (r *Repository) Retry(ctx context.Context, id string, reason string, availableAt time.Time) error {
	return r.transition(id, domain.StatusProcessing, domain.ErrJobNotFound, func(j *domain.Job) {
		j.Status = domain.StatusPending
		j.LastError = reason
		j.AvailableAt = availableAt
	})
}

func (r *Repository) Dead(ctx context.Context, id string, reason string) error {
	return r.transition(id, domain.StatusProcessing, domain.ErrJobNotFound, func(j *domain.Job) {
		j.Status = domain.StatusDead
		j.LastError = reason
	})
}

func (r *Repository) Requeue(ctx context.Context, id string) error {
	return r.transition(id, domain.StatusDead, domain.ErrJobNotDead, func(j *domain.Job) {
		j.Status = domain.StatusPending
		j.Attempts = 0
		j.AvailableAt = r.now().UTC()
	})
}

func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	var n int64
	for _, e := range r.jobs {
		j := &e.job
		if j.Status != domain.StatusProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = domain.StatusDead
		} else {
			j.Status = domain.StatusPending
			j.AvailableAt = now
		}
		j.LastError = "recovered from stale processing state"
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *Repository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *Repository) Close() error { return nil }

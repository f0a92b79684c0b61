package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts    = 3
	DefaultHandlerTimeout = 30 * time.Second

	// maxClaimRounds bounds how often ProcessJobs refetches candidates after
	// losing claims to a concurrent caller.
	maxClaimRounds = 3
)

// JobService is the job dispatcher: it persists jobs on Enqueue and claims,
// executes and finalizes them on ProcessJobs. One instance is built per
// process and shared by the poller and request handlers.
type JobService struct {
	repo           JobRepository
	registry       *Registry
	logger         *zap.Logger
	maxAttempts    int
	backoff        Backoff
	handlerTimeout time.Duration
	now            func() time.Time
}

// ServiceOption configures a JobService.
type ServiceOption func(*JobService)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *JobService) { s.logger = l }
}

// WithMaxAttempts sets the default attempt budget for new jobs.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *JobService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b Backoff) ServiceOption {
	return func(s *JobService) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithHandlerTimeout bounds each handler call. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) ServiceOption {
	return func(s *JobService) { s.handlerTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *JobService) { s.now = now }
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, registry *Registry, opts ...ServiceOption) *JobService {
	s := &JobService{
		repo:           repo,
		registry:       registry,
		logger:         zap.NewNop(),
		maxAttempts:    DefaultMaxAttempts,
		backoff:        Immediate{},
		handlerTimeout: DefaultHandlerTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*Job)

// WithJobMaxAttempts overrides the attempt budget for one job.
func WithJobMaxAttempts(n int) EnqueueOption {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// Enqueue durably records a new pending job and returns its id. Any store
// failure is returned as a QueueIntegrityError; the caller decides whether
// that should fail its own operation.
func (s *JobService) Enqueue(ctx context.Context, jobType JobType, payload any, opts ...EnqueueOption) (string, error) {
	if jobType == "" {
		return "", &ValidationError{Field: "type", Err: ErrInvalidPayload}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", &ValidationError{Field: "payload", Err: err}
	}

	now := s.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     data,
		Status:      StatusPending,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := s.repo.Create(ctx, job); err != nil {
		return "", &QueueIntegrityError{JobID: job.ID, Op: "enqueue", Err: err}
	}

	s.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("job_type", string(jobType)))
	return job.ID, nil
}

// EnqueuePayload validates a typed payload and enqueues it under its own type.
func (s *JobService) EnqueuePayload(ctx context.Context, p Payload, opts ...EnqueueOption) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return s.Enqueue(ctx, p.JobType(), p, opts...)
}

// EnqueueAndFlush enqueues every payload, then drains up to limit jobs
// synchronously. Enqueue failures are joined and returned alongside the
// drain result; delivery outcomes never turn into an error here.
func (s *JobService) EnqueueAndFlush(ctx context.Context, payloads []Payload, limit int) ([]string, ProcessResult, error) {
	var (
		ids  []string
		errs []error
	)
	for _, p := range payloads {
		id, err := s.EnqueuePayload(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	res := s.ProcessJobs(ctx, limit)
	return ids, res, errors.Join(errs...)
}

// ProcessJobs claims up to limit pending jobs, oldest first, runs each
// through its handler and records the outcome. It never returns an error:
// store and handler failures are logged and recorded per job.
func (s *JobService) ProcessJobs(ctx context.Context, limit int) ProcessResult {
	var res ProcessResult
	if limit <= 0 {
		return res
	}

	jobs := s.claim(ctx, limit)
	for i := range jobs {
		if ctx.Err() != nil {
			s.release(jobs[i:])
			break
		}
		if err := s.execute(ctx, &jobs[i]); err != nil {
			res.Failed++
		} else {
			res.Processed++
		}
	}
	return res
}

// release hands claimed jobs that never ran back to the queue without
// spending an attempt.
func (s *JobService) release(jobs []Job) {
	ctx := context.Background()
	for _, job := range jobs {
		if err := s.repo.Release(ctx, job.ID); err != nil {
			s.logger.Error("release claimed job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		s.logger.Info("claimed job released on shutdown", zap.String("job_id", job.ID))
	}
}

func (s *JobService) claim(ctx context.Context, limit int) []Job {
	var claimed []Job
	for round := 0; round < maxClaimRounds && len(claimed) < limit; round++ {
		candidates, err := s.repo.FindPending(ctx, s.now().UTC(), limit-len(claimed))
		if err != nil {
			s.logger.Error("find pending jobs", zap.Error(err))
			break
		}
		if len(candidates) == 0 {
			break
		}

		for _, candidate := range candidates {
			if ctx.Err() != nil {
				return claimed
			}
			// The stored row is authoritative: other callers may have run
			// this job since FindPending read it.
			job, err := s.repo.Claim(ctx, candidate.ID)
			if err != nil {
				if !errors.Is(err, ErrJobNotClaimable) {
					s.logger.Error("claim failed", zap.String("job_id", candidate.ID), zap.Error(err))
				}
				continue
			}
			claimed = append(claimed, *job)
		}
	}
	return claimed
}

// execute runs a claimed job and finalizes it. The returned error is the
// handler failure, nil on success.
func (s *JobService) execute(ctx context.Context, job *Job) error {
	log := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
	)
	// Finalize even when the caller's context is already cancelled.
	finalizeCtx := context.WithoutCancel(ctx)

	handler, ok := s.registry.Get(job.Type)
	if !ok {
		err := &QueueIntegrityError{
			JobID: job.ID,
			Op:    "dispatch",
			Err:   fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type),
		}
		log.Error("job is dead", zap.Error(err))
		if derr := s.repo.Dead(finalizeCtx, job.ID, err.Error()); derr != nil {
			log.Error("mark dead failed", zap.Error(derr))
		}
		return err
	}

	start := s.now()
	if err := s.run(ctx, job, handler); err != nil {
		execErr := &JobExecutionError{JobID: job.ID, Type: job.Type, Attempt: job.Attempts, Err: err}
		if job.CanRetry() {
			availableAt := s.now().UTC().Add(s.backoff.Delay(job.Attempts))
			log.Warn("job failed, will retry",
				zap.Int("max_attempts", job.MaxAttempts),
				zap.Time("available_at", availableAt),
				zap.Error(err),
			)
			if rerr := s.repo.Retry(finalizeCtx, job.ID, execErr.Error(), availableAt); rerr != nil {
				log.Error("mark retry failed", zap.Error(rerr))
			}
		} else {
			log.Error("job is dead, attempts exhausted", zap.Int("max_attempts", job.MaxAttempts), zap.Error(err))
			if derr := s.repo.Dead(finalizeCtx, job.ID, execErr.Error()); derr != nil {
				log.Error("mark dead failed", zap.Error(derr))
			}
		}
		return execErr
	}

	if err := s.repo.Complete(finalizeCtx, job.ID, s.now().UTC()); err != nil {
		log.Error("mark complete failed", zap.Error(err))
	}
	log.Info("job completed", zap.Duration("elapsed", s.now().Sub(start)))
	return nil
}

// run calls the handler under the per-job timeout and turns panics into errors.
func (s *JobService) run(ctx context.Context, job *Job, h Handler) (err error) {
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs in the given status, oldest first.
func (s *JobService) List(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Err: fmt.Errorf("unknown status %q", status)}
	}
	return s.repo.List(ctx, status, limit)
}

// Stats counts jobs per status.
func (s *JobService) Stats(ctx context.Context) (map[JobStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Replay puts a dead job back in the queue with a fresh attempt budget.
func (s *JobService) Replay(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDead {
		return nil, ErrJobNotDead
	}
	if err := s.repo.Requeue(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info("dead job replayed", zap.String("job_id", id))
	return s.repo.Get(ctx, id)
}

// RecoverStale resets jobs stuck in processing for longer than olderThan
// (all of them when olderThan is zero, e.g. after a crash).
func (s *JobService) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.RecoverStale(ctx, s.now().UTC().Add(-olderThan))
}

// Ping checks that the store is reachable.
func (s *JobService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotClaimable    = errors.New("job not claimable")
	ErrJobNotDead         = errors.New("job is not dead")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnknownJobType     = errors.New("no handler registered for job type")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidCredentials = errors.New("invalid provider credentials")
)

// TransientProviderError is a network failure or provider-side throttling.
// Retrying the job later may succeed.
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ValidationError is a permanent problem with the input: malformed phone,
// rejected payload, bad credentials. The dispatcher still retries it until
// attempts are exhausted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// JobExecutionError wraps any failure returned (or panicked) by a handler.
type JobExecutionError struct {
	JobID   string
	Type    JobType
	Attempt int
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) attempt %d: %v", e.JobID, e.Type, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// QueueIntegrityError marks a job that cannot be executed at all (no
// handler), or a store write that failed while enqueuing.
type QueueIntegrityError struct {
	JobID string
	Op    string
	Err   error
}

func (e *QueueIntegrityError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("queue integrity: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue integrity: %s job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *QueueIntegrityError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientProviderError.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

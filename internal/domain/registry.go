package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]Handler)}
}

// Handle registers a raw handler for a job type, replacing any previous one.
func (r *Registry) Handle(jobType JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for the given job type.
func (r *Registry) Get(jobType JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Register binds a typed handler. The payload is decoded into T and
// validated before fn runs; decode and validation failures surface as
// ValidationError.
//
// Go has no generic methods, so this is a package-level function.
func Register[T Payload](r *Registry, fn func(ctx context.Context, job *Job, payload T) error) {
	var zero T
	jobType := zero.JobType()
	r.Handle(jobType, func(ctx context.Context, job *Job) error {
		var p T
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return &ValidationError{Field: "payload", Err: fmt.Errorf("decode %s: %w", jobType, err)}
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return fn(ctx, job, p)
	})
}

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

// Worker polls for pending jobs and processes them.
type Worker struct {
	svc          *domain.JobService
	pollInterval time.Duration
	batchSize    int
	logger       *zap.Logger
}

type Option func(*Worker)

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithBatchSize caps how many jobs one poll claims.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a new worker.
func New(svc *domain.JobService, opts ...Option) *Worker {
	w := &Worker{
		svc:          svc,
		pollInterval: 5 * time.Second,
		batchSize:    10,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the worker loop until context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize),
	)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll drains the queue batch by batch until a batch comes back short.
func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil {
		res := w.svc.ProcessJobs(ctx, w.batchSize)
		if n := res.Processed + res.Failed; n > 0 {
			w.logger.Debug("batch processed",
				zap.Int("processed", res.Processed),
				zap.Int("failed", res.Failed),
			)
		}
		if res.Processed+res.Failed < w.batchSize {
			return
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

// cronParser supports standard 5-field cron and descriptors like "@every 1m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Maintenance periodically returns jobs stuck in processing to the queue.
type Maintenance struct {
	svc        *domain.JobService
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *zap.Logger
}

// NewMaintenance schedules stale-job recovery on schedule. Jobs untouched
// for staleAfter are recovered.
func NewMaintenance(svc *domain.JobService, schedule string, staleAfter time.Duration, logger *zap.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Maintenance{
		svc:        svc,
		staleAfter: staleAfter,
		cron:       cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger,
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.RecoverStale(context.Background()) }); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// RecoverStale runs one recovery pass.
func (m *Maintenance) RecoverStale(ctx context.Context) int64 {
	n, err := m.svc.RecoverStale(ctx, m.staleAfter)
	if err != nil {
		m.logger.Error("recover stale jobs", zap.Error(err))
		return 0
	}
	if n > 0 {
		m.logger.Warn("recovered stale jobs", zap.Int64("count", n), zap.Duration("stale_after", m.staleAfter))
	}
	return n
}

func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

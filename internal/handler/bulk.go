package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
	"github.com/cwygoda/herald/internal/notify"
)

// SendBulkSMS sends a campaign message to every recipient. Partial failure
// fails the job; the retry only targets recipients that were not reached.
func (h *Handlers) SendBulkSMS(ctx context.Context, job *domain.Job, p domain.SendBulkSMS) error {
	results, err := h.sendSMS(ctx, job, p.Recipients, p.Message)
	h.Logger.Info("campaign batch sent",
		zap.String("job_id", job.ID),
		zap.String("campaign_id", p.CampaignID),
		zap.Int("recipients", len(p.Recipients)),
		zap.Int("attempted", len(results)),
		zap.Int("delivered", notify.Delivered(results)),
		zap.Float64("cost", notify.TotalCost(results)),
	)
	return err
}

package handler

import (
	"context"

	"github.com/cwygoda/herald/internal/domain"
)

// SendEmail renders the payload's template with its data and sends it.
func (h *Handlers) SendEmail(ctx context.Context, job *domain.Job, p domain.SendEmail) error {
	return h.sendEmail(ctx, job, p.To, []string{p.To}, p.Subject, p.Template, p.Data)
}

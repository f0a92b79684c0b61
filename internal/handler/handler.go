// Package handler holds one job handler per job type. Handlers treat the
// payload as the only source of truth and consult the delivery ledger
// before every external send, so a retried job only contacts recipients it
// has not reached yet.
package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/adapter/email"
	"github.com/cwygoda/herald/internal/adapter/ledger"
	"github.com/cwygoda/herald/internal/domain"
	"github.com/cwygoda/herald/internal/notify"
)

// Deps are the collaborators shared by all handlers.
type Deps struct {
	SMS       *notify.BulkDispatcher
	Email     domain.EmailSender
	Templates *email.Renderer
	Ledger    domain.DeliveryLedger

	StaffEmails []string
	StaffPhones []string
	InvoiceDir  string
	ShopName    string

	Logger *zap.Logger
}

// Handlers implements the job handlers over Deps.
type Handlers struct {
	Deps
}

// Register adds a handler for every job type to r.
func Register(r *domain.Registry, d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.NewMemory(ledger.DefaultTTL)
	}
	h := &Handlers{Deps: d}
	domain.Register(r, h.NewOrderNotification)
	domain.Register(r, h.GenerateInvoice)
	domain.Register(r, h.SendEmail)
	domain.Register(r, h.SendBulkSMS)
	return h
}

// seen reports whether key was already delivered. Ledger failures are
// logged and treated as not delivered.
func (h *Handlers) seen(ctx context.Context, key string) bool {
	ok, err := h.Ledger.Seen(ctx, key)
	if err != nil {
		h.Logger.Warn("delivery ledger lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (h *Handlers) mark(ctx context.Context, key, messageID string) {
	if err := h.Ledger.Mark(ctx, key, messageID); err != nil {
		h.Logger.Warn("delivery ledger write failed", zap.String("key", key), zap.Error(err))
	}
}

// sendEmail renders and sends a template once per (job, recipient key).
func (h *Handlers) sendEmail(ctx context.Context, job *domain.Job, recipientKey string, to []string, subject, template string, data any) error {
	key := ledger.Key(job.ID, "email", recipientKey)
	if h.seen(ctx, key) {
		h.Logger.Debug("email already delivered", zap.String("job_id", job.ID), zap.String("recipient", recipientKey))
		return nil
	}

	msg, err := h.Templates.Message(to, subject, template, data)
	if err != nil {
		return err
	}
	if err := h.Email.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s email: %w", template, err)
	}
	h.mark(ctx, key, subject)
	return nil
}

// sendSMS delivers message to the recipients not yet reached by this job.
// It returns the per-recipient results of this attempt and an error when
// any recipient failed.
func (h *Handlers) sendSMS(ctx context.Context, job *domain.Job, recipients []domain.Recipient, message string) ([]domain.DeliveryResult, error) {
	var todo []domain.Recipient
	for _, r := range recipients {
		if !h.seen(ctx, ledger.Key(job.ID, "sms", r.Phone)) {
			todo = append(todo, r)
		}
	}
	if skipped := len(recipients) - len(todo); skipped > 0 {
		h.Logger.Info("skipping already delivered sms", zap.String("job_id", job.ID), zap.Int("skipped", skipped))
	}
	if len(todo) == 0 {
		return nil, nil
	}

	results := h.SMS.Send(ctx, todo, message)
	var errs []error
	// Results are in todo order; ledger keys use the phone as given.
	for i, res := range results {
		if res.Success {
			h.mark(ctx, ledger.Key(job.ID, "sms", todo[i].Phone), res.MessageID)
			continue
		}
		errs = append(errs, fmt.Errorf("sms to %s: %s", todo[i].Phone, res.Error))
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d of %d sms failed: %w", len(errs), len(todo), errors.Join(errs...))
	}
	return results, nil
}

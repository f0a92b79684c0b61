package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

// NewOrderNotification alerts staff by email and SMS and acknowledges the
// customer on whichever channels the payload has contact details for.
// Every channel is attempted; the job fails if any of them failed.
func (h *Handlers) NewOrderNotification(ctx context.Context, job *domain.Job, p domain.NewOrderNotification) error {
	var errs []error

	if len(h.StaffEmails) > 0 {
		subject := fmt.Sprintf("New order %s (%s)", p.OrderNumber, formatMoney(p.Total, p.Currency))
		if err := h.sendEmail(ctx, job, "staff", h.StaffEmails, subject, "order_alert", p); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Customer.Email != "" {
		subject := fmt.Sprintf("%s: order %s received", h.ShopName, p.OrderNumber)
		if err := h.sendEmail(ctx, job, p.Customer.Email, []string{p.Customer.Email}, subject, "order_confirmation", p); err != nil {
			errs = append(errs, err)
		}
	}

	if len(h.StaffPhones) > 0 {
		staff := make([]domain.Recipient, len(h.StaffPhones))
		for i, phone := range h.StaffPhones {
			staff[i] = domain.Recipient{Phone: phone, CustomerID: "staff"}
		}
		msg := fmt.Sprintf("New order %s from %s, %d item(s), total %s",
			p.OrderNumber, p.Customer.Name, len(p.Items), formatMoney(p.Total, p.Currency))
		if _, err := h.sendSMS(ctx, job, staff, msg); err != nil {
			errs = append(errs, fmt.Errorf("staff sms: %w", err))
		}
	}
	if p.Customer.Phone != "" {
		customer := []domain.Recipient{{Phone: p.Customer.Phone, CustomerID: p.Customer.ID}}
		msg := fmt.Sprintf("%s: thank you for your order %s. Total %s.",
			h.ShopName, p.OrderNumber, formatMoney(p.Total, p.Currency))
		if _, err := h.sendSMS(ctx, job, customer, msg); err != nil {
			errs = append(errs, fmt.Errorf("customer sms: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	h.Logger.Info("order notification sent", zap.String("job_id", job.ID), zap.String("order", p.OrderNumber))
	return nil
}

func formatMoney(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}

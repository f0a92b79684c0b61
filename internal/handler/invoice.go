package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// InvoicePath returns where the invoice for orderNumber is stored. Order
// numbers that need sanitizing get a short hash of the raw value appended,
// so "A/1" and "A_1" never share a file.
func (h *Handlers) InvoicePath(orderNumber string) string {
	name := unsafeFileChars.ReplaceAllString(orderNumber, "_")
	if name != orderNumber {
		sum := sha256.Sum256([]byte(orderNumber))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(h.InvoiceDir, "invoice-"+name+".html")
}

// GenerateInvoice renders the invoice from the payload, stores it in the
// invoice directory and emails it to the customer when an address is known.
// An invoice that already exists is not rewritten.
func (h *Handlers) GenerateInvoice(ctx context.Context, job *domain.Job, p domain.GenerateInvoice) error {
	html, _, err := h.Templates.Render("invoice", p)
	if err != nil {
		return err
	}

	dst := h.InvoicePath(p.OrderNumber)
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		if err := h.writeInvoice(job, dst, []byte(html)); err != nil {
			return fmt.Errorf("store invoice: %w", err)
		}
		h.Logger.Info("invoice stored", zap.String("job_id", job.ID), zap.String("path", dst))
	} else if err != nil {
		return fmt.Errorf("stat invoice: %w", err)
	}

	if p.Customer.Email == "" {
		return nil
	}
	subject := fmt.Sprintf("%s: invoice for order %s", h.ShopName, p.OrderNumber)
	return h.sendEmail(ctx, job, p.Customer.Email, []string{p.Customer.Email}, subject, "invoice", p)
}

// writeInvoice writes data to a temp file, then moves it into place so a
// crash never leaves a partial invoice at dst.
func (h *Handlers) writeInvoice(job *domain.Job, dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), fmt.Sprintf(".herald-job-%s-*", job.ID))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // Clean up on any exit

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

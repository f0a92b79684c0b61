package handler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cwygoda/herald/internal/adapter/email"
	"github.com/cwygoda/herald/internal/adapter/ledger"
	"github.com/cwygoda/herald/internal/domain"
	"github.com/cwygoda/herald/internal/notify"
)

type fakeEmail struct {
	mu   sync.Mutex
	sent []domain.EmailMessage
	fail map[string]bool
}

func (f *fakeEmail) Send(ctx context.Context, msg domain.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.To[0]] {
		return &domain.TransientProviderError{Provider: "smtp", Err: errors.New("connection refused")}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEmail) to() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, strings.Join(m.To, ","))
	}
	return out
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (f *fakeSMS) Name() string { return "fake" }

func (f *fakeSMS) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return domain.SendResult{Error: "gateway timeout"}
	}
	f.sent = append(f.sent, to)
	return domain.SendResult{Success: true, MessageID: "m-" + to, Cost: 0.25}
}

func (f *fakeSMS) ValidateCredentials(context.Context) error { return nil }

func (f *fakeSMS) count(phone string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent {
		if p == phone {
			n++
		}
	}
	return n
}

type fixture struct {
	h     *Handlers
	reg   *domain.Registry
	email *fakeEmail
	sms   *fakeSMS
}

func setup(t *testing.T) *fixture {
	t.Helper()
	renderer, err := email.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	f := &fixture{
		reg:   domain.NewRegistry(),
		email: &fakeEmail{fail: map[string]bool{}},
		sms:   &fakeSMS{fail: map[string]bool{}},
	}
	f.h = Register(f.reg, Deps{
		SMS:         notify.NewBulkDispatcher(f.sms, notify.WithBatchDelay(0)),
		Email:       f.email,
		Templates:   renderer,
		Ledger:      ledger.NewMemory(time.Hour),
		StaffEmails: []string{"ops@example.com"},
		StaffPhones: []string{"01811111111", "01822222222"},
		InvoiceDir:  t.TempDir(),
		ShopName:    "Test Shop",
		Logger:      zaptest.NewLogger(t),
	})
	return f
}

// run dispatches payload through the registry the way JobService does.
func (f *fixture) run(t *testing.T, job *domain.Job, p domain.Payload) error {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	job.Type = p.JobType()
	job.Payload = data
	h, ok := f.reg.Get(job.Type)
	if !ok {
		t.Fatalf("no handler for %s", job.Type)
	}
	return h(context.Background(), job)
}

func orderPayload() domain.NewOrderNotification {
	return domain.NewOrderNotification{
		OrderID:     "o-1",
		OrderNumber: "ORD-1001",
		Customer:    domain.Customer{ID: "c-9", Name: "Karim", Email: "karim@example.com", Phone: "01712345678"},
		Items:       []domain.OrderItem{{Name: "Tea", Quantity: 2, UnitPrice: 120}},
		Total:       240,
		Currency:    "BDT",
		PlacedAt:    time.Now(),
	}
}

func TestRegister_AllTypes(t *testing.T) {
	f := setup(t)
	for _, jt := range domain.KnownJobTypes {
		if _, ok := f.reg.Get(jt); !ok {
			t.Errorf("no handler registered for %s", jt)
		}
	}
}

func TestNewOrderNotification(t *testing.T) {
	f := setup(t)
	job := &domain.Job{ID: "job-1"}

	if err := f.run(t, job, orderPayload()); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	got := f.email.to()
	if len(got) != 2 || got[0] != "ops@example.com" || got[1] != "karim@example.com" {
		t.Errorf("emails sent to %v, want staff then customer", got)
	}
	for _, phone := range []string{"01811111111", "01822222222", "01712345678"} {
		if n := f.sms.count(phone); n != 1 {
			t.Errorf("sms to %s sent %d times, want 1", phone, n)
		}
	}
}

func TestNewOrderNotification_RetrySkipsDelivered(t *testing.T) {
	f := setup(t)
	job := &domain.Job{ID: "job-1"}
	f.sms.fail["01712345678"] = true

	err := f.run(t, job, orderPayload())
	if err == nil || !strings.Contains(err.Error(), "customer sms") {
		t.Fatalf("first run error = %v, want customer sms failure", err)
	}

	// Gateway recovers; the retry must only reach the customer.
	f.sms.fail = map[string]bool{}
	if err := f.run(t, job, orderPayload()); err != nil {
		t.Fatalf("retry error = %v", err)
	}

	if n := len(f.email.to()); n != 2 {
		t.Errorf("emails sent = %d, want 2 (no duplicates)", n)
	}
	for _, phone := range []string{"01811111111", "01822222222", "01712345678"} {
		if n := f.sms.count(phone); n != 1 {
			t.Errorf("sms to %s sent %d times, want 1", phone, n)
		}
	}
}

func TestNewOrderNotification_EmailFailureStillSendsSMS(t *testing.T) {
	f := setup(t)
	f.email.fail["ops@example.com"] = true

	err := f.run(t, &domain.Job{ID: "job-1"}, orderPayload())
	if !domain.IsTransient(err) {
		t.Errorf("error = %v, want transient email failure", err)
	}
	if n := f.sms.count("01811111111"); n != 1 {
		t.Errorf("staff sms sent %d times, want 1", n)
	}
}

func invoicePayload() domain.GenerateInvoice {
	return domain.GenerateInvoice{
		OrderID:     "o-1",
		OrderNumber: "ORD/1001",
		Customer:    domain.Customer{Name: "Karim", Email: "karim@example.com"},
		Items:       []domain.OrderItem{{Name: "Tea", Quantity: 2, UnitPrice: 120}},
		Subtotal:    240,
		Shipping:    60,
		Total:       300,
		Currency:    "BDT",
		IssuedAt:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGenerateInvoice(t *testing.T) {
	f := setup(t)
	job := &domain.Job{ID: "job-2"}

	if err := f.run(t, job, invoicePayload()); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	path := f.h.InvoicePath("ORD/1001")
	if base := filepath.Base(path); !strings.HasPrefix(base, "invoice-ORD_1001-") || !strings.HasSuffix(base, ".html") {
		t.Errorf("InvoicePath() = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("invoice not written: %v", err)
	}
	if !strings.Contains(string(data), "300.00 BDT") {
		t.Errorf("invoice missing total:\n%s", data)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("invoice dir has %d entries, want 1", len(entries))
	}

	if got := f.email.to(); len(got) != 1 || got[0] != "karim@example.com" {
		t.Errorf("invoice emailed to %v", got)
	}
}

func TestGenerateInvoice_ExistingInvoiceKept(t *testing.T) {
	f := setup(t)
	path := f.h.InvoicePath("ORD/1001")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := f.run(t, &domain.Job{ID: "job-2"}, invoicePayload()); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Error("existing invoice was overwritten")
	}
}

func TestInvoicePath_Distinct(t *testing.T) {
	f := setup(t)
	tests := []struct {
		a, b string
	}{
		{"A/1", "A_1"},
		{"A/1", "A 1"},
		{"ORD#7", "ORD?7"},
	}
	for _, tt := range tests {
		if pa, pb := f.h.InvoicePath(tt.a), f.h.InvoicePath(tt.b); pa == pb {
			t.Errorf("InvoicePath(%q) == InvoicePath(%q) = %s", tt.a, tt.b, pa)
		}
	}
	if got := filepath.Base(f.h.InvoicePath("ORD-1001")); got != "invoice-ORD-1001.html" {
		t.Errorf("InvoicePath(safe) = %s, want invoice-ORD-1001.html", got)
	}
}

func TestGenerateInvoice_SanitizedNumbersKeepSeparateFiles(t *testing.T) {
	f := setup(t)
	first := invoicePayload()
	first.OrderNumber = "A/1"
	second := invoicePayload()
	second.OrderNumber = "A_1"
	second.Total = 999

	if err := f.run(t, &domain.Job{ID: "job-a"}, first); err != nil {
		t.Fatalf("first invoice error = %v", err)
	}
	if err := f.run(t, &domain.Job{ID: "job-b"}, second); err != nil {
		t.Fatalf("second invoice error = %v", err)
	}

	data, err := os.ReadFile(f.h.InvoicePath("A_1"))
	if err != nil {
		t.Fatalf("second invoice not written: %v", err)
	}
	if !strings.Contains(string(data), "999.00 BDT") {
		t.Error("second invoice has the wrong contents")
	}
}

func TestSendEmail(t *testing.T) {
	f := setup(t)
	p := domain.SendEmail{
		To:       "a@example.com",
		Subject:  "Welcome",
		Template: "generic",
		Data:     map[string]any{"greeting": "Hello", "body": "Your account is ready."},
	}
	if err := f.run(t, &domain.Job{ID: "job-3"}, p); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(f.email.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(f.email.sent))
	}
	msg := f.email.sent[0]
	if msg.Subject != "Welcome" || !strings.Contains(msg.TextBody, "Your account is ready.") {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendEmail_UnknownTemplate(t *testing.T) {
	f := setup(t)
	err := f.run(t, &domain.Job{ID: "job-3"}, domain.SendEmail{To: "a@example.com", Template: "missing"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("error = %v, want ValidationError", err)
	}
	if len(f.email.sent) != 0 {
		t.Error("email sent for unknown template")
	}
}

func TestSendBulkSMS_PartialFailureRetry(t *testing.T) {
	f := setup(t)
	var rs []domain.Recipient
	for _, phone := range []string{"01700000001", "01700000002", "01700000003"} {
		rs = append(rs, domain.Recipient{Phone: phone, CustomerID: "c-" + phone})
	}
	p := domain.SendBulkSMS{CampaignID: "eid", Recipients: rs, Message: "Eid sale"}
	job := &domain.Job{ID: "job-4"}

	f.sms.fail["01700000002"] = true
	if err := f.run(t, job, p); err == nil {
		t.Fatal("first run error = nil, want partial failure")
	}

	f.sms.fail = map[string]bool{}
	if err := f.run(t, job, p); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	for _, r := range rs {
		if n := f.sms.count(r.Phone); n != 1 {
			t.Errorf("sms to %s sent %d times, want 1", r.Phone, n)
		}
	}
}

package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// FindPending returns claimable pending jobs (available_at <= now),
	// oldest created_at first.
	FindPending(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Claim flips a pending job to processing, increments its attempts and
	// returns the job as stored after the update. It returns
	// ErrJobNotClaimable when the job is no longer pending.
	Claim(ctx context.Context, id string) (*Job, error)
	// Release undoes a claim whose job never ran: processing goes back to
	// pending and the attempt is given back.
	Release(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, at time.Time) error
	Retry(ctx context.Context, id string, reason string, availableAt time.Time) error
	Dead(ctx context.Context, id string, reason string) error
	// Requeue moves a dead job back to pending with attempts reset.
	Requeue(ctx context.Context, id string) error
	List(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	// RecoverStale resets processing jobs last touched before the cutoff.
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Handler executes one job. The payload has already been decoded into the
// handler's concrete type by the Registry.
type Handler func(ctx context.Context, job *Job) error

// SendResult is the outcome of one SMS send.
type SendResult struct {
	Success   bool    `json:"success"`
	MessageID string  `json:"messageId,omitempty"`
	Error     string  `json:"error,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	// Err keeps the typed cause for callers that classify failures.
	Err error `json:"-"`
}

// DeliveryResult is a SendResult tied back to its recipient.
type DeliveryResult struct {
	CustomerID string  `json:"customerId"`
	Phone      string  `json:"phone"`
	Success    bool    `json:"success"`
	MessageID  string  `json:"messageId,omitempty"`
	Error      string  `json:"error,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	Err        error   `json:"-"`
}

// SMSProvider is the common contract every SMS gateway adapter satisfies.
type SMSProvider interface {
	Name() string
	SendSMS(ctx context.Context, to, message string) SendResult
	// ValidateCredentials runs a cheap account query. A nil error means the
	// credentials are usable.
	ValidateCredentials(ctx context.Context) error
}

// BulkSMSProvider is implemented by gateways with a native batch send.
type BulkSMSProvider interface {
	SMSProvider
	SendBulkSMS(ctx context.Context, recipients []Recipient, message string) []DeliveryResult
}

// EmailMessage is a rendered email ready for transport.
type EmailMessage struct {
	To       []string
	Subject  string
	HTMLBody string
	TextBody string
}

// EmailSender is the driven port for email transport.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// DeliveryLedger records successful external deliveries so a retried job
// does not contact the same recipient twice.
type DeliveryLedger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key, messageID string) error
}

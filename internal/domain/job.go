package domain

import (
	"encoding/json"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	// StatusFailed is a valid stored status but the dispatcher never assigns it:
	// failed executions go back to pending or on to dead.
	StatusFailed JobStatus = "failed"
	StatusDead   JobStatus = "dead"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never run again on its own.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// JobType identifies which handler runs a job.
type JobType string

const (
	TypeNewOrderNotification JobType = "NEW_ORDER_NOTIFICATION"
	TypeGenerateInvoice      JobType = "GENERATE_INVOICE"
	TypeSendEmail            JobType = "SEND_EMAIL"
	TypeSendBulkSMS          JobType = "SEND_BULK_SMS"
)

// KnownJobTypes lists the closed set of job kinds.
var KnownJobTypes = []JobType{
	TypeNewOrderNotification,
	TypeGenerateInvoice,
	TypeSendEmail,
	TypeSendBulkSMS,
}

// Job is a durable unit of deferred work.
type Job struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AvailableAt time.Time
	ProcessedAt *time.Time
}

// CanRetry returns true if the job can be retried.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts && !j.Status.Terminal()
}

// ProcessResult summarizes one ProcessJobs call.
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

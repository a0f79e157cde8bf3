package notification

import (
	"time"
)

// Kind is what the notification is for.
type Kind string

const (
	// KindProviderAlert tells a care provider a patient needs urgent attention.
	KindProviderAlert Kind = "provider_alert"
	// KindPatientNotice confirms an outcome to the patient out of band.
	KindPatientNotice Kind = "patient_notice"
)

// Priority represents notification priority
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Status represents delivery status
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Notification is one message to deliver.
type Notification struct {
	// ID is the idempotency key. Sending the same ID twice delivers once.
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	RecipientID string `json:"recipient_id"`

	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`

	CaseID    string `json:"case_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`

	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Stats summarizes delivery outcomes.
type Stats struct {
	Enqueued   int64 `json:"enqueued"`
	Duplicates int64 `json:"duplicates"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
}

package escalation

import (
	"errors"
	"slices"
	"time"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/triage/redflag"
)

var (
	ErrCaseNotFound        = errors.New("escalation case not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrHandoffFailure      = errors.New("hand-off failed")
	ErrDeadlineExceeded    = errors.New("escalation deadline exceeded")
	// ErrNotOffered is returned when the patient answers an offer the case
	// is not currently making.
	ErrNotOffered = errors.New("offer not open on this case")
	// ErrCaseOpen is returned when acknowledging a case the patient has not
	// been notified about yet.
	ErrCaseOpen = errors.New("escalation case not yet notified")
)

// Path is the outcome the patient was notified of.
type Path string

const (
	PathImmediateContact     Path = "immediate_contact"
	PathScheduledAppointment Path = "scheduled_appointment"
	PathEmergencyFallback    Path = "emergency_fallback"
)

// Status is the step the case is in.
type Status string

const (
	StatusCheckingAvailability Status = "checking_availability"
	StatusHandoffOffered       Status = "handoff_offered"
	StatusHandoffActive        Status = "handoff_active"
	StatusAppointmentOffered   Status = "appointment_offered"
	StatusAppointmentBooked    Status = "appointment_booked"
	StatusEmergencyFallback    Status = "emergency_fallback"
)

// Request starts an escalation for a session that reached Tier 3.
type Request struct {
	SessionID  string
	PatientID  string
	ProviderID string
	Findings   []redflag.Finding
	Summary    string
	Language   string
	Channel    communication.Channel
	// DeterminedAt is when Tier 3 was decided. The deadline runs from here.
	// Zero means now.
	DeterminedAt time.Time
}

// Case is the tracked escalation workflow. SessionID is a lookup key only.
type Case struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	PatientID  string `json:"patient_id"`
	ProviderID string `json:"provider_id,omitempty"`

	Status   Status            `json:"status"`
	Path     Path              `json:"path,omitempty"`
	Findings []redflag.Finding `json:"findings,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	Deadline          time.Time  `json:"deadline"`
	AlertID           string     `json:"alert_id"`
	ProviderAlertedAt *time.Time `json:"provider_alerted_at,omitempty"`
	NotifiedAt        *time.Time `json:"notified_at,omitempty"`

	Availability *availability.Availability `json:"availability,omitempty"`
	Handoff      *communication.Handle      `json:"handoff,omitempty"`
	Slots        []appointment.Slot         `json:"slots,omitempty"`
	Appointment  *appointment.Appointment   `json:"appointment,omitempty"`

	// Guidance is the patient-facing text for the current status.
	Guidance string `json:"guidance"`
}

// Notified reports whether the patient has been told the outcome.
func (c Case) Notified() bool {
	return c.NotifiedAt != nil
}

func (c *Case) clone() Case {
	out := *c
	out.Findings = slices.Clone(c.Findings)
	out.Slots = slices.Clone(c.Slots)
	if c.ProviderAlertedAt != nil {
		t := *c.ProviderAlertedAt
		out.ProviderAlertedAt = &t
	}
	if c.NotifiedAt != nil {
		t := *c.NotifiedAt
		out.NotifiedAt = &t
	}
	if c.Availability != nil {
		a := *c.Availability
		out.Availability = &a
	}
	if c.Handoff != nil {
		h := *c.Handoff
		out.Handoff = &h
	}
	if c.Appointment != nil {
		a := *c.Appointment
		out.Appointment = &a
	}
	return out
}

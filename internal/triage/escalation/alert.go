package escalation

import (
	"fmt"
	"strings"

	"github.com/careline/triage/internal/notification"
	"github.com/careline/triage/internal/shared/types"
	"github.com/careline/triage/internal/triage/redflag"
)

// Patient-facing guidance per status.
const (
	guidanceChecking    = "We are contacting your care provider now. Please stay in this conversation."
	guidanceHandoff     = "Your care provider is available. Would you like to talk to them now?"
	guidanceConnected   = "You are being connected to your care provider."
	guidanceAppointment = "Your care provider cannot talk right now. Please choose one of the urgent appointments below."
	guidanceBooked      = "Your urgent appointment is booked for %s."
	guidanceEmergency   = "If your symptoms get worse or you feel unsafe, call %s now or go to the nearest emergency department. Your care provider has been alerted."
)

func caseID(sessionID string) string {
	return types.NewDeterministicID("escalation", sessionID).String()
}

func alertID(c *Case) string {
	return types.NewDeterministicID("provider-alert", c.ID).String()
}

func noticeID(c *Case, what string) string {
	return types.NewDeterministicID("patient-notice", c.ID+":"+what).String()
}

func alertPriority(findings []redflag.Finding) notification.Priority {
	for _, f := range findings {
		if f.Severity == redflag.SeverityCritical {
			return notification.PriorityCritical
		}
	}
	return notification.PriorityUrgent
}

// providerAlert builds the alert sent once per case. The recipient falls
// back to the on-call queue when the patient has no assigned provider.
func providerAlert(c *Case, summary string) *notification.Notification {
	recipient := c.ProviderID
	if recipient == "" {
		recipient = "on-call"
	}

	var flags []string
	var body strings.Builder
	fmt.Fprintf(&body, "Patient %s reached urgent escalation.\n", c.PatientID)
	if summary != "" {
		fmt.Fprintf(&body, "Summary: %s\n", summary)
	}
	for _, f := range c.Findings {
		flags = append(flags, f.Type)
		fmt.Fprintf(&body, "- [%s] %s: %s\n", f.Severity, f.Type, f.Rationale)
	}
	fmt.Fprintf(&body, "Patient notification deadline: %s", c.Deadline.Format("15:04:05 MST"))

	return &notification.Notification{
		ID:          c.AlertID,
		Kind:        notification.KindProviderAlert,
		Priority:    alertPriority(c.Findings),
		RecipientID: recipient,
		Subject:     "[URGENT] Patient needs attention",
		Body:        body.String(),
		CaseID:      c.ID,
		SessionID:   c.SessionID,
		PatientID:   c.PatientID,
		Data: map[string]any{
			"case_id":   c.ID,
			"red_flags": flags,
			"deadline":  c.Deadline,
		},
	}
}

func patientNotice(c *Case, what, subject string) *notification.Notification {
	return &notification.Notification{
		ID:          noticeID(c, what),
		Kind:        notification.KindPatientNotice,
		Priority:    notification.PriorityUrgent,
		RecipientID: c.PatientID,
		Subject:     subject,
		Body:        c.Guidance,
		CaseID:      c.ID,
		SessionID:   c.SessionID,
		PatientID:   c.PatientID,
		Data:        map[string]any{"status": string(c.Status)},
	}
}

package triage

import (
	"fmt"
	"strings"

	"github.com/careline/triage/internal/adapters/health"
	"github.com/careline/triage/internal/triage/evidence"
)

// Responder renders the assistant's side of a turn from templates.
type Responder struct {
	emergencyNumber string
}

// NewResponder creates a responder quoting the given emergency number.
func NewResponder(emergencyNumber string) *Responder {
	return &Responder{emergencyNumber: emergencyNumber}
}

// Follow-up prompts, asked in rotation.
var followUpPrompts = []string{
	"When did this start?",
	"On a scale from 1 to 10, how bad is it right now?",
	"Has it been getting better, worse, or staying the same?",
	"Are you taking any medication for it, or did you take anything today?",
	"Do you have any other symptoms, even ones that seem unrelated?",
}

var selfCare = map[string]string{
	"headache":    "Rest in a quiet, dark room, drink water regularly and limit screen time.",
	"fever":       "Drink plenty of fluids, rest, and dress in light layers.",
	"cough":       "Warm drinks and honey can soothe a cough; avoid smoke and dry air.",
	"sore throat": "Warm salt-water gargles and plenty of fluids usually help.",
	"fatigue":     "Keep a regular sleep schedule, stay hydrated and take short breaks during the day.",
	"nausea":      "Sip clear fluids slowly and eat small, bland meals.",
}

const genericSelfCare = "Rest, stay hydrated and keep an eye on how you feel over the next day."

// General answers a Tier 1 turn with general health education.
func (r *Responder) General(symptoms []evidence.Symptom) string {
	var b strings.Builder
	for _, s := range symptoms {
		if advice, ok := selfCare[s.Name]; ok {
			fmt.Fprintf(&b, "For your %s: %s ", s.Name, advice)
		}
	}
	if b.Len() == 0 {
		b.WriteString(genericSelfCare + " ")
	}
	b.WriteString("If your symptoms get worse or new ones appear, tell me right away.")
	return b.String()
}

// Medication quotes the patient's own active prescription.
func (r *Responder) Medication(rx health.Prescription) string {
	dose := strings.TrimSpace(rx.Dosage + " " + rx.DosageUnit)
	msg := fmt.Sprintf("According to your current prescription, %s is %s, %s.", rx.MedicationName, dose, rx.Frequency)
	if rx.Instructions != "" {
		msg += " Your doctor's note: " + rx.Instructions
	}
	return msg + " Please do not change the dose without talking to your care provider."
}

// MedicationNoMatch answers a medication question with no matching
// prescription on record.
func (r *Responder) MedicationNoMatch() string {
	return "I could not find an active prescription for that medication in your record, so I cannot give you a personal dose. " +
		"Please check the package leaflet or ask your pharmacist or care provider."
}

// DosageWithheld answers a medication question without dosage claims.
func (r *Responder) DosageWithheld() string {
	return "I cannot reach your current prescription records right now, so I will not give you a specific dose. " +
		"Please follow the instructions you received with the medication, or ask your pharmacist. I will check your records again in the background."
}

// FollowUp returns the n-th follow-up question, n starting at 1.
func (r *Responder) FollowUp(n int) string {
	if n < 1 {
		n = 1
	}
	return followUpPrompts[(n-1)%len(followUpPrompts)]
}

// EscalationFailed is shown if the escalation could not be started at all.
func (r *Responder) EscalationFailed() string {
	return fmt.Sprintf("Please call %s now or go to the nearest emergency department.", r.emergencyNumber)
}

package health

import (
	"slices"
	"strings"
	"time"
)

// Snapshot is a read-only view of a patient's record at CollectedAt.
type Snapshot struct {
	PatientID string `json:"patient_id"`

	Conditions    []Condition    `json:"conditions,omitempty"`
	Prescriptions []Prescription `json:"active_prescriptions,omitempty"`
	Treatments    []Treatment    `json:"treatments,omitempty"`

	AssignedProviderID string `json:"assigned_provider_id,omitempty"`

	// Section availability. A false flag means the section could not be
	// loaded, not that the patient has none.
	HistoryAvailable       bool `json:"history_available"`
	PrescriptionsAvailable bool `json:"prescriptions_available"`

	// Stale is set when the snapshot was served from cache because the
	// upstream system failed.
	Stale       bool      `json:"stale"`
	CollectedAt time.Time `json:"collected_at"`
}

// Condition is a diagnosis from the EMR.
type Condition struct {
	Code        string     `json:"code"` // ICD-10
	Description string     `json:"description"`
	Chronic     bool       `json:"chronic"`
	DiagnosedAt time.Time  `json:"diagnosed_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the condition is unresolved.
func (c Condition) Active() bool {
	return c.ResolvedAt == nil
}

// Prescription is an active medication order.
type Prescription struct {
	ID             string     `json:"id"`
	MedicationName string     `json:"medication_name"`
	ATCCode        string     `json:"atc_code,omitempty"`
	Dosage         string     `json:"dosage"`
	DosageUnit     string     `json:"dosage_unit,omitempty"`
	Frequency      string     `json:"frequency"`
	Route          string     `json:"route,omitempty"` // oral, iv, im, etc.
	Instructions   string     `json:"instructions,omitempty"`
	PrescribedAt   time.Time  `json:"prescribed_at"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	Chronic        bool       `json:"chronic"`
}

// Treatment is a past encounter or procedure.
type Treatment struct {
	Date       time.Time `json:"date"`
	Department string    `json:"department,omitempty"`
	Summary    string    `json:"summary"`
}

// ConditionNames returns lower-cased descriptions and codes of active
// conditions.
func (s *Snapshot) ConditionNames() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, c := range s.Conditions {
		if !c.Active() {
			continue
		}
		out = append(out, strings.ToLower(c.Description))
		if c.Code != "" {
			out = append(out, strings.ToLower(c.Code))
		}
	}
	return out
}

// MedicationNames returns lower-cased names and ATC codes of active
// prescriptions.
func (s *Snapshot) MedicationNames() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, p := range s.Prescriptions {
		out = append(out, strings.ToLower(p.MedicationName))
		if p.ATCCode != "" {
			out = append(out, strings.ToLower(p.ATCCode))
		}
	}
	return out
}

// FindPrescription returns the first prescription whose medication name
// appears in text.
func (s *Snapshot) FindPrescription(text string) (Prescription, bool) {
	if s == nil {
		return Prescription{}, false
	}
	lower := strings.ToLower(text)
	idx := slices.IndexFunc(s.Prescriptions, func(p Prescription) bool {
		name := strings.ToLower(p.MedicationName)
		return name != "" && strings.Contains(lower, name)
	})
	if idx < 0 {
		return Prescription{}, false
	}
	return s.Prescriptions[idx], true
}

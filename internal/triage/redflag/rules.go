package redflag

import (
	"strings"

	"github.com/careline/triage/internal/triage/evidence"
)

// Severity grades a finding.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 2
	}
	return 1
}

// Finding is one matched red-flag rule.
type Finding struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Rationale string   `json:"rationale"`
	RuleID    string   `json:"rule_id"`
}

// SeverityRule fires when a symptom of the family reaches MinSeverity.
type SeverityRule struct {
	ID          string
	Family      string
	Keywords    []string
	MinSeverity int
	Severity    Severity
}

// ClusterRule fires when every keyword group is matched by some symptom.
type ClusterRule struct {
	ID       string
	Family   string
	Groups   [][]string
	Severity Severity
}

// ConditionRule fires when a symptom co-occurs with a chronic condition
// known to deteriorate with it.
type ConditionRule struct {
	ID          string
	Family      string
	Keywords    []string
	Conditions  []string
	MinSeverity int
	Severity    Severity
	Rationale   string
}

// MedicationRule fires when a symptom co-occurs with an active medication,
// indicating a possible adverse reaction or contraindication.
type MedicationRule struct {
	ID          string
	Family      string
	Keywords    []string
	Medications []string
	Severity    Severity
	Rationale   string
}

// Rules is the full rule table.
type Rules struct {
	Severity   []SeverityRule
	Cluster    []ClusterRule
	Condition  []ConditionRule
	Medication []MedicationRule
}

// symptomMatches reports whether the symptom's name or description contains
// one of the keywords.
func symptomMatches(s evidence.Symptom, keywords []string) bool {
	text := s.Name + " " + strings.ToLower(s.Description)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// firstMatch returns the first symptom matching the keywords at or above
// minSeverity.
func firstMatch(symptoms []evidence.Symptom, keywords []string, minSeverity int) (evidence.Symptom, bool) {
	for _, s := range symptoms {
		if s.Severity >= minSeverity && symptomMatches(s, keywords) {
			return s, true
		}
	}
	return evidence.Symptom{}, false
}

// containsAny reports whether any of the terms appears in one of values.
func containsAny(values, terms []string) (string, bool) {
	for _, v := range values {
		for _, t := range terms {
			if strings.Contains(v, t) {
				return v, true
			}
		}
	}
	return "", false
}

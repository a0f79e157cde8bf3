// Package router maps a classification, red-flag assessment and follow-up
// count onto a support tier. Routing is a pure decision table.
package router

import (
	"errors"

	"github.com/careline/triage/internal/triage/classifier"
	"github.com/careline/triage/internal/triage/redflag"
)

// ErrAmbiguousClassification marks a Tier 3 decision forced by persistent
// low confidence.
var ErrAmbiguousClassification = errors.New("ambiguous classification")

// Tier is one of the three support levels.
type Tier int

const (
	// Tier1 is general health education.
	Tier1 Tier = 1
	// Tier2 is personalized medication guidance.
	Tier2 Tier = 2
	// Tier3 is urgent human escalation.
	Tier3 Tier = 3
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return "none"
	}
}

// Reason explains a decision.
type Reason string

const (
	ReasonRedFlag         Reason = "red_flag"
	ReasonMedicationQuery Reason = "medication_query"
	ReasonGeneralHealth   Reason = "general_health"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonFollowUpCap     Reason = "follow_up_cap"
)

// Config holds the routing thresholds.
type Config struct {
	ConfidenceThreshold float64
	FollowUpCap         int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.7, FollowUpCap: 5}
}

// Input is everything one routing decision reads.
type Input struct {
	Classification classifier.Result
	Findings       []redflag.Finding
	// FollowUps is the number of follow-up questions already asked.
	FollowUps int
	// PrescriptionsAvailable reports whether fresh active-prescription
	// data exists for the patient.
	PrescriptionsAvailable bool
}

// Decision is the routing outcome. Exactly one of Tier or FollowUp is set.
type Decision struct {
	Tier     *Tier
	FollowUp bool
	Reason   Reason
	// WithholdDosage is set on Tier 2 when prescription data is missing;
	// the response must not make dosage-specific claims.
	WithholdDosage bool
	// RetryPrescriptions asks for a background refresh of prescription data.
	RetryPrescriptions bool
	// Err is ErrAmbiguousClassification when the follow-up cap forced Tier 3.
	Err error
}

// Router applies the decision table.
type Router struct {
	config Config
}

// New creates a router. Zero thresholds fall back to the defaults.
func New(cfg Config) *Router {
	def := DefaultConfig()
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.FollowUpCap <= 0 {
		cfg.FollowUpCap = def.FollowUpCap
	}
	return &Router{config: cfg}
}

// Config returns the thresholds in use.
func (r *Router) Config() Config {
	return r.config
}

// Route evaluates the table in priority order; the first match wins.
func (r *Router) Route(in Input) Decision {
	confident := in.Classification.Confidence >= r.config.ConfidenceThreshold

	switch {
	case len(in.Findings) > 0:
		return resolved(Tier3, ReasonRedFlag)

	case in.Classification.Category == classifier.CategoryMedicationQuery && confident:
		d := resolved(Tier2, ReasonMedicationQuery)
		if !in.PrescriptionsAvailable {
			d.WithholdDosage = true
			d.RetryPrescriptions = true
		}
		return d

	case in.Classification.Category == classifier.CategoryGeneralHealth && confident:
		return resolved(Tier1, ReasonGeneralHealth)

	case in.FollowUps < r.config.FollowUpCap:
		return Decision{FollowUp: true, Reason: ReasonLowConfidence}

	default:
		d := resolved(Tier3, ReasonFollowUpCap)
		d.Err = ErrAmbiguousClassification
		return d
	}
}

func resolved(t Tier, reason Reason) Decision {
	return Decision{Tier: &t, Reason: reason}
}

// Package classifier adapts the external intent classification and symptom
// extraction capability. The engine only sees category and confidence; how a
// classifier reaches them is opaque.
package classifier

import (
	"context"
	"errors"

	"github.com/careline/triage/internal/triage/evidence"
)

var (
	ErrAdapterTimeout     = errors.New("classifier adapter timeout")
	ErrAdapterUnavailable = errors.New("classifier adapter unavailable")
)

// Category is the intent of an utterance.
type Category string

const (
	CategoryGeneralHealth   Category = "general_health"
	CategoryMedicationQuery Category = "medication_query"
	CategorySymptomReport   Category = "symptom_report"
	CategoryAdministrative  Category = "administrative"
	CategoryUnknown         Category = "unknown"
)

// ParseCategory maps a wire value onto a known category, defaulting to
// unknown.
func ParseCategory(s string) Category {
	switch c := Category(s); c {
	case CategoryGeneralHealth, CategoryMedicationQuery, CategorySymptomReport, CategoryAdministrative:
		return c
	default:
		return CategoryUnknown
	}
}

// Result is one classification. It is a value type and never mutated after
// creation.
type Result struct {
	Category    Category `json:"category"`
	Confidence  float64  `json:"confidence"`
	SubCategory string   `json:"sub_category,omitempty"`
}

// NewResult builds a result with the confidence clamped to [0,1].
func NewResult(category Category, confidence float64, sub string) Result {
	return Result{
		Category:    category,
		Confidence:  min(max(confidence, 0), 1),
		SubCategory: sub,
	}
}

// LowConfidence is the forced result used when the classifier cannot answer
// in time. It always sends the turn down the follow-up path.
func LowConfidence() Result {
	return Result{Category: CategoryUnknown, Confidence: 0}
}

// Classifier returns the intent of an utterance.
type Classifier interface {
	Classify(ctx context.Context, text, language, patientRef string) (Result, error)
}

// Extractor pulls symptom records out of an utterance.
type Extractor interface {
	Extract(ctx context.Context, text, language string) ([]evidence.Symptom, error)
}

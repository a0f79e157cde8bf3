// Package redflag detects clinically urgent symptom patterns. Evaluation is
// a pure function of the symptom evidence and the patient's history.
package redflag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/careline/triage/internal/triage/evidence"
)

// ErrEvaluation marks a synthetic finding produced because the rules could
// not be evaluated.
var ErrEvaluation = errors.New("red-flag evaluation failure")

// TypeEvaluationFailure is the finding type of the synthetic finding.
const TypeEvaluationFailure = "evaluation_failure"

// History is the part of the patient record the rules read. Conditions and
// Medications are lower-cased names or codes.
type History struct {
	Conditions  []string
	Medications []string
	// Available is false when the record could not be loaded.
	Available bool
}

// Assessment is the result of one evaluation.
type Assessment struct {
	// Findings is non-empty only when the escalation criterion is met:
	// a critical match or at least two high matches.
	Findings []Finding `json:"findings,omitempty"`
	// Watch holds a lone high match that does not escalate on its own.
	Watch []Finding `json:"watch,omitempty"`
}

// Escalate reports whether the assessment forces Tier 3.
func (a Assessment) Escalate() bool {
	return len(a.Findings) > 0
}

// Evaluator applies a rule table. It holds no mutable state.
type Evaluator struct {
	rules Rules
}

// NewEvaluator creates an evaluator over the rules.
func NewEvaluator(rules Rules) *Evaluator {
	return &Evaluator{rules: rules}
}

// Evaluate runs every rule against the symptoms. A nil or unavailable
// history while symptoms are present, or a failure inside a rule, yields a
// synthetic critical finding instead of an empty result.
func (e *Evaluator) Evaluate(symptoms []evidence.Symptom, history *History) (a Assessment) {
	defer func() {
		if r := recover(); r != nil {
			a = Assessment{Findings: []Finding{failure(fmt.Sprintf("rule panic: %v", r))}}
		}
	}()

	if len(symptoms) == 0 {
		return Assessment{}
	}

	matches := e.match(symptoms, history)
	if history == nil || !history.Available {
		matches = append(matches, failure("patient history unavailable; combination rules not evaluated"))
	}

	return classify(matches)
}

func failure(detail string) Finding {
	return Finding{
		Type:      TypeEvaluationFailure,
		Severity:  SeverityCritical,
		Rationale: fmt.Sprintf("%v: %s", ErrEvaluation, detail),
		RuleID:    TypeEvaluationFailure,
	}
}

func (e *Evaluator) match(symptoms []evidence.Symptom, history *History) []Finding {
	var out []Finding

	for _, r := range e.rules.Severity {
		if s, ok := firstMatch(symptoms, r.Keywords, r.MinSeverity); ok {
			out = append(out, Finding{
				Type:      r.Family,
				Severity:  r.Severity,
				Rationale: fmt.Sprintf("%s at severity %d/10", s.Name, s.Severity),
				RuleID:    r.ID,
			})
		}
	}

	for _, r := range e.rules.Cluster {
		names, ok := clusterMatch(symptoms, r.Groups)
		if ok {
			out = append(out, Finding{
				Type:      r.Family,
				Severity:  r.Severity,
				Rationale: "combined symptoms: " + strings.Join(names, ", "),
				RuleID:    r.ID,
			})
		}
	}

	if history == nil || !history.Available {
		return out
	}

	for _, r := range e.rules.Condition {
		s, ok := firstMatch(symptoms, r.Keywords, r.MinSeverity)
		if !ok {
			continue
		}
		if cond, ok := containsAny(history.Conditions, r.Conditions); ok {
			out = append(out, Finding{
				Type:      r.Family,
				Severity:  r.Severity,
				Rationale: fmt.Sprintf("%s with %s: %s", s.Name, cond, r.Rationale),
				RuleID:    r.ID,
			})
		}
	}

	for _, r := range e.rules.Medication {
		s, ok := firstMatch(symptoms, r.Keywords, evidence.MinSeverity)
		if !ok {
			continue
		}
		// Medications the patient mentioned count as well as prescribed ones.
		meds := append(append([]string(nil), history.Medications...), s.Medications...)
		if med, ok := containsAny(meds, r.Medications); ok {
			out = append(out, Finding{
				Type:      r.Family,
				Severity:  r.Severity,
				Rationale: fmt.Sprintf("%s while taking %s: %s", s.Name, med, r.Rationale),
				RuleID:    r.ID,
			})
		}
	}

	return out
}

func clusterMatch(symptoms []evidence.Symptom, groups [][]string) ([]string, bool) {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		s, ok := firstMatch(symptoms, g, evidence.MinSeverity)
		if !ok {
			return nil, false
		}
		names = append(names, s.Name)
	}
	return names, true
}

// classify sorts matches deterministically and applies the escalation
// criterion.
func classify(matches []Finding) Assessment {
	if len(matches) == 0 {
		return Assessment{}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Severity.rank() != matches[j].Severity.rank() {
			return matches[i].Severity.rank() > matches[j].Severity.rank()
		}
		return matches[i].RuleID < matches[j].RuleID
	})

	highs := 0
	for _, f := range matches {
		if f.Severity == SeverityCritical {
			return Assessment{Findings: matches}
		}
		highs++
	}
	if highs >= 2 {
		return Assessment{Findings: matches}
	}
	return Assessment{Watch: matches}
}

package redflag

import (
	"reflect"
	"strings"
	"testing"

	"github.com/careline/triage/internal/triage/evidence"
)

var emptyHistory = &History{Available: true}

func TestEvaluateNoSymptoms(t *testing.T) {
	e := NewEvaluator(DefaultRules())

	a := e.Evaluate(nil, nil)
	if a.Escalate() || len(a.Watch) != 0 {
		t.Errorf("Expected empty assessment without symptoms, got %+v", a)
	}
}

func TestEvaluateSeverityThresholds(t *testing.T) {
	e := NewEvaluator(DefaultRules())

	tests := []struct {
		name         string
		symptoms     []evidence.Symptom
		wantEscalate bool
		wantWatch    bool
		wantRule     string
	}{
		{
			name:     "mild headache",
			symptoms: []evidence.Symptom{{Name: "headache", Severity: 3}},
		},
		{
			name:         "severe chest pain is critical",
			symptoms:     []evidence.Symptom{{Name: "chest pain", Severity: 8}},
			wantEscalate: true,
			wantRule:     "cardiac-chest-pain-severe",
		},
		{
			name:      "moderate chest pain alone is watched",
			symptoms:  []evidence.Symptom{{Name: "chest pain", Severity: 5}},
			wantWatch: true,
			wantRule:  "cardiac-chest-pain",
		},
		{
			name: "two high findings escalate",
			symptoms: []evidence.Symptom{
				{Name: "fever", Severity: 9},
				{Name: "abdominal pain", Severity: 8},
			},
			wantEscalate: true,
			wantRule:     "abdo-pain-severe",
		},
		{
			name:         "stroke signs at any severity",
			symptoms:     []evidence.Symptom{{Name: "slurred speech", Severity: 1}},
			wantEscalate: true,
			wantRule:     "neuro-stroke-signs",
		},
		{
			name:         "self harm mention",
			symptoms:     []evidence.Symptom{{Name: "low mood", Description: "thinking about suicide", Severity: 2}},
			wantEscalate: true,
			wantRule:     "mh-self-harm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := e.Evaluate(tt.symptoms, emptyHistory)
			if a.Escalate() != tt.wantEscalate {
				t.Fatalf("Expected escalate=%v, got %+v", tt.wantEscalate, a)
			}
			if (len(a.Watch) > 0) != tt.wantWatch {
				t.Fatalf("Expected watch=%v, got %+v", tt.wantWatch, a)
			}
			if tt.wantRule != "" && !hasRule(append(a.Findings, a.Watch...), tt.wantRule) {
				t.Errorf("Expected rule %s, got %+v", tt.wantRule, a)
			}
		})
	}
}

func TestEvaluateChestPainAndBreathlessness(t *testing.T) {
	e := NewEvaluator(DefaultRules())

	a := e.Evaluate([]evidence.Symptom{
		{Name: "chest pain", Severity: 8},
		{Name: "shortness of breath", Severity: 6},
	}, emptyHistory)

	if !a.Escalate() {
		t.Fatal("Expected escalation")
	}
	if a.Findings[0].Severity != SeverityCritical {
		t.Errorf("Expected critical first, got %s", a.Findings[0].Severity)
	}
	if !hasRule(a.Findings, "cluster-acute-coronary") {
		t.Errorf("Expected acute coronary cluster, got %+v", a.Findings)
	}
}

func TestEvaluateConditionCombination(t *testing.T) {
	e := NewEvaluator(DefaultRules())
	symptoms := []evidence.Symptom{{Name: "swollen ankles", Severity: 4}}

	without := e.Evaluate(symptoms, emptyHistory)
	if without.Escalate() {
		t.Fatalf("Expected no escalation without history, got %+v", without)
	}

	with := e.Evaluate(symptoms, &History{Available: true, Conditions: []string{"chronic heart failure", "i50.9"}})
	if !with.Escalate() || !hasRule(with.Findings, "cond-heart-failure-breathing") {
		t.Errorf("Expected heart failure combination, got %+v", with)
	}
}

func TestEvaluateMedicationCombination(t *testing.T) {
	e := NewEvaluator(DefaultRules())

	tests := []struct {
		name     string
		symptoms []evidence.Symptom
		history  *History
	}{
		{
			name:     "prescribed anticoagulant",
			symptoms: []evidence.Symptom{{Name: "nosebleed", Severity: 2}},
			history:  &History{Available: true, Medications: []string{"warfarin"}},
		},
		{
			name:     "mentioned anticoagulant",
			symptoms: []evidence.Symptom{{Name: "nosebleed", Severity: 2, Medications: []string{"apixaban"}}},
			history:  emptyHistory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := e.Evaluate(tt.symptoms, tt.history)
			if !a.Escalate() || !hasRule(a.Findings, "med-anticoagulant-bleeding") {
				t.Errorf("Expected anticoagulant bleeding finding, got %+v", a)
			}
		})
	}
}

func TestEvaluateMissingHistoryFailsTowardCaution(t *testing.T) {
	e := NewEvaluator(DefaultRules())
	symptoms := []evidence.Symptom{{Name: "headache", Severity: 2}}

	for _, h := range []*History{nil, {Available: false}} {
		a := e.Evaluate(symptoms, h)
		if !a.Escalate() {
			t.Fatalf("Expected escalation with history %+v", h)
		}
		f := a.Findings[0]
		if f.Type != TypeEvaluationFailure || f.Severity != SeverityCritical {
			t.Errorf("Expected synthetic critical finding, got %+v", f)
		}
		if !strings.Contains(f.Rationale, ErrEvaluation.Error()) {
			t.Errorf("Expected rationale to name the evaluation failure, got %q", f.Rationale)
		}
	}
}

func TestEvaluateRulePanicFailsTowardCaution(t *testing.T) {
	// A nil evaluator panics on the first rule table access.
	var e *Evaluator

	a := e.Evaluate([]evidence.Symptom{{Name: "headache", Severity: 3}}, emptyHistory)
	if !a.Escalate() || a.Findings[0].Type != TypeEvaluationFailure {
		t.Errorf("Expected synthetic finding after panic, got %+v", a)
	}
	if !strings.Contains(a.Findings[0].Rationale, "rule panic") {
		t.Errorf("Expected panic rationale, got %q", a.Findings[0].Rationale)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	e := NewEvaluator(DefaultRules())
	symptoms := []evidence.Symptom{
		{Name: "shortness of breath", Severity: 8},
		{Name: "chest pain", Severity: 9},
		{Name: "fever", Severity: 9},
	}
	history := &History{Available: true, Conditions: []string{"angina"}}

	first := e.Evaluate(symptoms, history)
	for i := 0; i < 5; i++ {
		again := e.Evaluate(symptoms, history)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Expected identical assessments, got %+v vs %+v", first, again)
		}
	}
}

func hasRule(findings []Finding, id string) bool {
	for _, f := range findings {
		if f.RuleID == id {
			return true
		}
	}
	return false
}

package classifier

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/careline/triage/internal/triage/evidence"
)

// KeywordClassifier is a lexicon-based Classifier and Extractor used when
// the NLP service is disabled. Output is deterministic.
type KeywordClassifier struct {
	lexicon     map[Category][]string
	symptoms    []symptomTerm
	medications []string
}

type symptomTerm struct {
	phrase string
	name   string
}

// NewKeywordClassifier creates a classifier over the built-in lexicon.
func NewKeywordClassifier() *KeywordClassifier {
	k := &KeywordClassifier{
		lexicon: map[Category][]string{
			CategoryMedicationQuery: {
				"dose", "dosage", "how much", "how many", "pill", "tablet", "medication",
				"medicine", "prescription", "refill", "side effect", "interaction", "mg",
				"should i take", "can i take", "missed",
			},
			CategoryGeneralHealth: {
				"mild", "headache", "cold", "flu", "sleep", "diet", "exercise", "tired",
				"hydrat", "vitamin", "what can i do", "how can i", "healthy", "stress",
				"runny nose", "sore throat", "advice", "tips",
			},
			CategorySymptomReport: {
				"severe", "pain", "bleeding", "fever", "breath", "dizzy", "vomit", "rash",
				"swelling", "swollen", "faint", "numb", "chest", "worse", "unbearable",
				"seizure", "confus",
			},
			CategoryAdministrative: {
				"appointment", "reschedule", "cancel", "bill", "invoice", "opening hours",
				"address", "insurance", "referral", "certificate", "sick note",
			},
		},
		medications: []string{
			"warfarin", "apixaban", "rivaroxaban", "dabigatran", "heparin", "aspirin",
			"ibuprofen", "paracetamol", "acetaminophen", "lisinopril", "enalapril",
			"ramipril", "metformin", "insulin", "amoxicillin", "penicillin",
			"sertraline", "fluoxetine", "tramadol", "methotrexate", "atorvastatin",
		},
	}

	for name, phrases := range map[string][]string{
		"chest pain":          {"chest pain", "chest pressure", "chest tightness", "pain in my chest"},
		"shortness of breath": {"shortness of breath", "short of breath", "can't breathe", "cannot breathe", "difficulty breathing", "breathless"},
		"headache":            {"headache", "migraine"},
		"fever":               {"fever", "high temperature"},
		"cough":               {"cough"},
		"nausea":              {"nausea", "nauseous"},
		"vomiting":            {"vomiting", "throwing up"},
		"vomiting blood":      {"vomiting blood", "throwing up blood"},
		"dizziness":           {"dizzy", "dizziness", "lightheaded"},
		"rash":                {"rash", "hives"},
		"bleeding":            {"bleeding", "blood in"},
		"nosebleed":           {"nosebleed", "nose bleed"},
		"abdominal pain":      {"abdominal pain", "stomach pain", "stomach ache", "belly pain"},
		"stiff neck":          {"stiff neck", "neck stiffness"},
		"confusion":           {"confused", "confusion", "disoriented"},
		"swelling":            {"swelling", "swollen"},
		"sore throat":         {"sore throat"},
		"fatigue":             {"tired", "fatigue", "exhausted"},
		"palpitations":        {"palpitation", "racing heart", "heart racing"},
		"slurred speech":      {"slurred speech", "slurring"},
		"facial droop":        {"facial droop", "face drooping"},
		"fainting":            {"fainted", "fainting", "passed out"},
		"sweating":            {"sweating", "sweaty"},
		"suicidal thoughts":   {"suicid", "kill myself", "end my life", "self harm", "self-harm"},
	} {
		for _, p := range phrases {
			k.symptoms = append(k.symptoms, symptomTerm{phrase: p, name: name})
		}
	}
	// Longer phrases first so "vomiting blood" wins over "vomiting".
	sort.Slice(k.symptoms, func(i, j int) bool {
		if len(k.symptoms[i].phrase) != len(k.symptoms[j].phrase) {
			return len(k.symptoms[i].phrase) > len(k.symptoms[j].phrase)
		}
		return k.symptoms[i].phrase < k.symptoms[j].phrase
	})

	return k
}

// Classify implements Classifier. Confidence grows with the number of
// keyword hits for the winning category and shrinks with competing hits.
func (k *KeywordClassifier) Classify(ctx context.Context, text, _, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	lower := strings.ToLower(text)
	type score struct {
		category Category
		hits     int
	}
	var scores []score
	for cat, words := range k.lexicon {
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		scores = append(scores, score{cat, hits})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		return scores[i].category < scores[j].category
	})

	top := scores[0]
	if top.hits == 0 {
		return LowConfidence(), nil
	}
	second := scores[1].hits

	confidence := min(0.95, 0.5+0.2*float64(top.hits)) - 0.2*float64(second)
	return NewResult(top.category, confidence, ""), nil
}

var scalePattern = regexp.MustCompile(`\b(10|[1-9])\s*(?:/|out of)\s*10\b`)

// Extract implements Extractor.
func (k *KeywordClassifier) Extract(ctx context.Context, text, _ string) ([]evidence.Symptom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower := strings.ToLower(text)
	severity := estimateSeverity(lower)

	var meds []string
	for _, m := range k.medications {
		if strings.Contains(lower, m) {
			meds = append(meds, m)
		}
	}

	var set evidence.Set
	consumed := lower
	for _, term := range k.symptoms {
		if !strings.Contains(consumed, term.phrase) {
			continue
		}
		consumed = strings.ReplaceAll(consumed, term.phrase, " ")
		set.Add(evidence.Symptom{
			Name:        term.name,
			Severity:    severity,
			Medications: meds,
		})
	}
	return set.List(), nil
}

func estimateSeverity(lower string) int {
	if m := scalePattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return evidence.ClampSeverity(n)
	}
	for _, w := range []string{"worst", "unbearable", "crushing", "extreme", "severe", "terrible", "excruciating"} {
		if strings.Contains(lower, w) {
			return 8
		}
	}
	for _, w := range []string{"mild", "slight", "a bit", "a little"} {
		if strings.Contains(lower, w) {
			return 3
		}
	}
	return 5
}

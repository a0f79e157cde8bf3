package redflag

// DefaultRules returns the built-in red-flag tables.
func DefaultRules() Rules {
	return Rules{
		Severity:   defaultSeverityRules(),
		Cluster:    defaultClusterRules(),
		Condition:  defaultConditionRules(),
		Medication: defaultMedicationRules(),
	}
}

func defaultSeverityRules() []SeverityRule {
	return []SeverityRule{
		// Cardiac
		{ID: "cardiac-chest-pain-severe", Family: "cardiac", Keywords: []string{"chest pain", "chest pressure", "chest tightness"}, MinSeverity: 7, Severity: SeverityCritical},
		{ID: "cardiac-chest-pain", Family: "cardiac", Keywords: []string{"chest pain", "chest pressure", "chest tightness"}, MinSeverity: 4, Severity: SeverityHigh},
		{ID: "cardiac-palpitations", Family: "cardiac", Keywords: []string{"palpitation", "racing heart", "irregular heartbeat"}, MinSeverity: 7, Severity: SeverityHigh},
		{ID: "cardiac-syncope", Family: "cardiac", Keywords: []string{"fainted", "fainting", "passed out", "syncope"}, MinSeverity: 1, Severity: SeverityHigh},

		// Respiratory
		{ID: "resp-breathing-severe", Family: "respiratory", Keywords: []string{"shortness of breath", "can't breathe", "cannot breathe", "difficulty breathing", "breathless"}, MinSeverity: 7, Severity: SeverityCritical},
		{ID: "resp-breathing", Family: "respiratory", Keywords: []string{"shortness of breath", "difficulty breathing", "breathless", "wheezing"}, MinSeverity: 4, Severity: SeverityHigh},
		{ID: "resp-blue-lips", Family: "respiratory", Keywords: []string{"blue lips", "cyanosis"}, MinSeverity: 1, Severity: SeverityCritical},

		// Neurological
		{ID: "neuro-stroke-signs", Family: "neurological", Keywords: []string{"facial droop", "slurred speech", "one side weak", "numbness on one side", "sudden weakness"}, MinSeverity: 1, Severity: SeverityCritical},
		{ID: "neuro-thunderclap", Family: "neurological", Keywords: []string{"worst headache", "thunderclap"}, MinSeverity: 1, Severity: SeverityCritical},
		{ID: "neuro-headache-severe", Family: "neurological", Keywords: []string{"headache", "migraine"}, MinSeverity: 9, Severity: SeverityHigh},
		{ID: "neuro-seizure", Family: "neurological", Keywords: []string{"seizure", "convulsion"}, MinSeverity: 1, Severity: SeverityCritical},
		{ID: "neuro-confusion", Family: "neurological", Keywords: []string{"confusion", "disoriented"}, MinSeverity: 5, Severity: SeverityHigh},

		// Bleeding
		{ID: "bleed-vomiting-blood", Family: "bleeding", Keywords: []string{"vomiting blood", "coughing blood", "blood in stool", "black stool"}, MinSeverity: 1, Severity: SeverityCritical},
		{ID: "bleed-heavy", Family: "bleeding", Keywords: []string{"bleeding"}, MinSeverity: 7, Severity: SeverityCritical},
		{ID: "bleed-persistent", Family: "bleeding", Keywords: []string{"bleeding", "nosebleed"}, MinSeverity: 4, Severity: SeverityHigh},

		// Allergic
		{ID: "allergy-anaphylaxis", Family: "allergic", Keywords: []string{"throat swelling", "tongue swelling", "anaphylaxis", "swollen throat"}, MinSeverity: 1, Severity: SeverityCritical},
		{ID: "allergy-hives", Family: "allergic", Keywords: []string{"hives", "rash"}, MinSeverity: 8, Severity: SeverityHigh},

		// Mental health
		{ID: "mh-self-harm", Family: "mental_health", Keywords: []string{"suicid", "self-harm", "self harm", "kill myself", "end my life"}, MinSeverity: 1, Severity: SeverityCritical},

		// Abdominal
		{ID: "abdo-pain-severe", Family: "abdominal", Keywords: []string{"abdominal pain", "stomach pain", "belly pain"}, MinSeverity: 8, Severity: SeverityHigh},

		// Systemic
		{ID: "sys-fever-high", Family: "systemic", Keywords: []string{"fever"}, MinSeverity: 8, Severity: SeverityHigh},
	}
}

func defaultClusterRules() []ClusterRule {
	return []ClusterRule{
		{
			ID:     "cluster-acute-coronary",
			Family: "cardiac",
			Groups: [][]string{
				{"chest pain", "chest pressure", "chest tightness"},
				{"shortness of breath", "breathless", "difficulty breathing", "sweating", "arm pain", "jaw pain"},
			},
			Severity: SeverityCritical,
		},
		{
			ID:     "cluster-meningitis",
			Family: "neurological",
			Groups: [][]string{
				{"fever"},
				{"stiff neck", "neck stiffness"},
			},
			Severity: SeverityCritical,
		},
		{
			ID:     "cluster-sepsis",
			Family: "systemic",
			Groups: [][]string{
				{"fever", "chills"},
				{"confusion", "racing heart", "rapid breathing"},
			},
			Severity: SeverityHigh,
		},
	}
}

func defaultConditionRules() []ConditionRule {
	return []ConditionRule{
		{
			ID: "cond-heart-failure-breathing", Family: "cardiac",
			Keywords:    []string{"shortness of breath", "breathless", "swelling", "swollen ankles"},
			Conditions:  []string{"heart failure", "i50"},
			MinSeverity: 3, Severity: SeverityCritical,
			Rationale: "breathlessness or oedema with known heart failure suggests decompensation",
		},
		{
			ID: "cond-coronary-chest-pain", Family: "cardiac",
			Keywords:    []string{"chest pain", "chest pressure", "chest tightness"},
			Conditions:  []string{"coronary", "angina", "myocardial infarction", "i20", "i21", "i25"},
			MinSeverity: 1, Severity: SeverityCritical,
			Rationale: "chest pain with known coronary disease",
		},
		{
			ID: "cond-diabetes-confusion", Family: "metabolic",
			Keywords:    []string{"confusion", "dizziness", "sweating", "shaking", "excessive thirst"},
			Conditions:  []string{"diabetes", "e10", "e11"},
			MinSeverity: 4, Severity: SeverityHigh,
			Rationale: "possible hypo- or hyperglycaemia in a diabetic patient",
		},
		{
			ID: "cond-copd-breathing", Family: "respiratory",
			Keywords:    []string{"shortness of breath", "breathless", "wheezing", "cough"},
			Conditions:  []string{"copd", "chronic obstructive", "j44"},
			MinSeverity: 6, Severity: SeverityHigh,
			Rationale: "worsening breathing with COPD suggests exacerbation",
		},
		{
			ID: "cond-asthma-breathing", Family: "respiratory",
			Keywords:    []string{"shortness of breath", "wheezing", "chest tightness"},
			Conditions:  []string{"asthma", "j45"},
			MinSeverity: 6, Severity: SeverityHigh,
			Rationale: "severe asthma symptoms",
		},
		{
			ID: "cond-pregnancy-bleeding", Family: "obstetric",
			Keywords:    []string{"bleeding", "abdominal pain", "severe headache"},
			Conditions:  []string{"pregnan", "z33", "z34"},
			MinSeverity: 1, Severity: SeverityCritical,
			Rationale: "bleeding, pain or headache during pregnancy",
		},
		{
			ID: "cond-immunosuppressed-fever", Family: "systemic",
			Keywords:    []string{"fever", "chills"},
			Conditions:  []string{"neutropenia", "chemotherapy", "transplant", "hiv", "d70"},
			MinSeverity: 1, Severity: SeverityCritical,
			Rationale: "fever in an immunocompromised patient",
		},
	}
}

func defaultMedicationRules() []MedicationRule {
	return []MedicationRule{
		{
			ID: "med-anticoagulant-bleeding", Family: "bleeding",
			Keywords:    []string{"bleeding", "blood", "bruising", "nosebleed"},
			Medications: []string{"warfarin", "apixaban", "rivaroxaban", "dabigatran", "heparin", "b01a"},
			Severity:    SeverityCritical,
			Rationale:   "bleeding while on anticoagulant therapy",
		},
		{
			ID: "med-anticoagulant-head", Family: "neurological",
			Keywords:    []string{"headache", "head injury", "fall"},
			Medications: []string{"warfarin", "apixaban", "rivaroxaban", "dabigatran", "b01a"},
			Severity:    SeverityHigh,
			Rationale:   "headache or head trauma on anticoagulants risks intracranial bleeding",
		},
		{
			ID: "med-ace-angioedema", Family: "allergic",
			Keywords:    []string{"swelling", "swollen lips", "swollen tongue", "swollen face"},
			Medications: []string{"lisinopril", "enalapril", "ramipril", "perindopril", "c09a"},
			Severity:    SeverityCritical,
			Rationale:   "facial swelling on an ACE inhibitor suggests angioedema",
		},
		{
			ID: "med-insulin-hypo", Family: "metabolic",
			Keywords:    []string{"shaking", "sweating", "confusion", "dizziness"},
			Medications: []string{"insulin", "glimepiride", "gliclazide", "a10a", "a10bb"},
			Severity:    SeverityHigh,
			Rationale:   "possible hypoglycaemia on glucose-lowering medication",
		},
		{
			ID: "med-antibiotic-rash", Family: "allergic",
			Keywords:    []string{"rash", "hives", "itching"},
			Medications: []string{"amoxicillin", "penicillin", "cephalexin", "sulfamethoxazole", "j01"},
			Severity:    SeverityHigh,
			Rationale:   "new rash on an antibiotic may be a drug reaction",
		},
		{
			ID: "med-serotonergic", Family: "mental_health",
			Keywords:    []string{"agitation", "fever", "muscle twitching", "racing heart"},
			Medications: []string{"sertraline", "fluoxetine", "tramadol", "citalopram", "n06ab"},
			Severity:    SeverityHigh,
			Rationale:   "possible serotonin toxicity",
		},
		{
			ID: "med-methotrexate-fever", Family: "systemic",
			Keywords:    []string{"fever", "sore throat", "mouth ulcers"},
			Medications: []string{"methotrexate", "l01ba01"},
			Severity:    SeverityCritical,
			Rationale:   "fever or mucositis on methotrexate may indicate bone marrow suppression",
		},
	}
}

package main

import (
	"time"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/health"
)

// Development fixtures, used when the HIS and roster services are disabled.

func seedPatients(m *health.MemorySource) {
	diagnosed := time.Date(2019, 5, 14, 0, 0, 0, 0, time.UTC)
	m.Put(health.PatientFixture{
		PatientID:  "dev-patient",
		ProviderID: "dr-petrovic",
		Conditions: []health.Condition{
			{Code: "E11", Description: "Type 2 diabetes mellitus", Chronic: true, DiagnosedAt: diagnosed},
			{Code: "I10", Description: "Essential hypertension", Chronic: true, DiagnosedAt: diagnosed},
		},
		Prescriptions: []health.Prescription{
			{ID: "rx-1", MedicationName: "Metformin", ATCCode: "A10BA02", Dosage: "500", DosageUnit: "mg", Frequency: "twice daily with meals", Route: "oral", Chronic: true, PrescribedAt: diagnosed},
			{ID: "rx-2", MedicationName: "Ramipril", ATCCode: "C09AA05", Dosage: "5", DosageUnit: "mg", Frequency: "once daily in the morning", Route: "oral", Chronic: true, PrescribedAt: diagnosed},
		},
	})
	m.Put(health.PatientFixture{
		PatientID:  "dev-patient-anticoagulated",
		ProviderID: "dr-jovanovic",
		Conditions: []health.Condition{
			{Code: "I48", Description: "Atrial fibrillation", Chronic: true, DiagnosedAt: diagnosed},
		},
		Prescriptions: []health.Prescription{
			{ID: "rx-3", MedicationName: "Warfarin", ATCCode: "B01AA03", Dosage: "3", DosageUnit: "mg", Frequency: "once daily in the evening", Route: "oral", Instructions: "INR check every 4 weeks", Chronic: true, PrescribedAt: diagnosed},
		},
	})
}

func seedRoster(r *availability.Roster, now time.Time) {
	next := now.Add(2 * time.Hour)
	r.Set("dr-petrovic", availability.StatusAvailable, nil)
	r.Set("dr-jovanovic", availability.StatusBusy, &next)
}

func seedCalendar(c *appointment.Calendar, now time.Time) {
	day := now.Truncate(time.Hour)
	for i, provider := range []string{"dr-petrovic", "dr-jovanovic", "dr-petrovic"} {
		start := day.Add(time.Duration(i+2) * time.Hour)
		kind := appointment.KindVideo
		if i%2 == 1 {
			kind = appointment.KindInPerson
		}
		c.AddSlot(appointment.Slot{
			ProviderID: provider,
			Start:      start,
			End:        start.Add(20 * time.Minute),
			Kind:       kind,
		})
	}
}

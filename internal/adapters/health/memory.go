package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemorySource is an in-process patient record store used in development
// mode and tests. Sections can be made to fail individually.
type MemorySource struct {
	mu       sync.RWMutex
	patients map[string]*memoryRecord
	failures map[string]error
}

type memoryRecord struct {
	conditions    []Condition
	prescriptions []Prescription
	treatments    []Treatment
	providerID    string
}

// Section names accepted by Fail.
const (
	SectionConditions    = "conditions"
	SectionPrescriptions = "prescriptions"
	SectionTreatments    = "treatments"
	SectionProvider      = "provider"
)

// NewMemorySource creates an empty store.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		patients: make(map[string]*memoryRecord),
		failures: make(map[string]error),
	}
}

// PatientFixture seeds one patient.
type PatientFixture struct {
	PatientID     string
	ProviderID    string
	Conditions    []Condition
	Prescriptions []Prescription
	Treatments    []Treatment
}

// Put stores or replaces a patient.
func (m *MemorySource) Put(p PatientFixture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.PatientID] = &memoryRecord{
		conditions:    slices.Clone(p.Conditions),
		prescriptions: slices.Clone(p.Prescriptions),
		treatments:    slices.Clone(p.Treatments),
		providerID:    p.ProviderID,
	}
}

// Fail makes a section return err until cleared with a nil error.
func (m *MemorySource) Fail(section string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, section)
		return
	}
	m.failures[section] = err
}

func (m *MemorySource) record(ctx context.Context, section, patientID string) (*memoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[section]; err != nil {
		return nil, err
	}
	rec, ok := m.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", patientID, ErrPatientNotFound)
	}
	return rec, nil
}

func (m *MemorySource) FetchConditions(ctx context.Context, patientID string) ([]Condition, error) {
	rec, err := m.record(ctx, SectionConditions, patientID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.conditions), nil
}

func (m *MemorySource) FetchPrescriptions(ctx context.Context, patientID string) ([]Prescription, error) {
	rec, err := m.record(ctx, SectionPrescriptions, patientID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.prescriptions), nil
}

func (m *MemorySource) FetchTreatments(ctx context.Context, patientID string, since time.Time) ([]Treatment, error) {
	rec, err := m.record(ctx, SectionTreatments, patientID)
	if err != nil {
		return nil, err
	}
	var out []Treatment
	for _, t := range rec.treatments {
		if !t.Date.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemorySource) FetchAssignedProvider(ctx context.Context, patientID string) (string, error) {
	rec, err := m.record(ctx, SectionProvider, patientID)
	if err != nil {
		return "", err
	}
	return rec.providerID, nil
}

func (m *MemorySource) SourceSystem() string { return "memory" }

func (m *MemorySource) Health(ctx context.Context) error { return ctx.Err() }

var _ Source = (*MemorySource)(nil)

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/careline/triage/internal/shared/metrics"
)

// ErrPatientNotFound is returned when the source has no record of the patient.
var ErrPatientNotFound = errors.New("patient not found")

// Provider returns read-only patient snapshots.
type Provider interface {
	Snapshot(ctx context.Context, patientID string) (*Snapshot, error)
}

// Source is a patient record system (HIS, EMR) read section by section.
// Implementations connect to specific systems and return ErrPatientNotFound
// for unknown patients.
type Source interface {
	FetchConditions(ctx context.Context, patientID string) ([]Condition, error)
	FetchPrescriptions(ctx context.Context, patientID string) ([]Prescription, error)
	FetchTreatments(ctx context.Context, patientID string, since time.Time) ([]Treatment, error)
	FetchAssignedProvider(ctx context.Context, patientID string) (string, error)

	SourceSystem() string
	Health(ctx context.Context) error
}

// Assembler builds snapshots by fetching every section of a Source
// concurrently. A failing section is reported through the availability
// flags; only a failure of every section is an error.
type Assembler struct {
	source          Source
	clock           clockwork.Clock
	logger          *slog.Logger
	treatmentWindow time.Duration
}

// NewAssembler creates a snapshot assembler over the source.
func NewAssembler(source Source, clk clockwork.Clock, logger *slog.Logger) *Assembler {
	return &Assembler{
		source:          source,
		clock:           clk,
		logger:          logger,
		treatmentWindow: 2 * 365 * 24 * time.Hour,
	}
}

// Snapshot implements Provider.
func (a *Assembler) Snapshot(ctx context.Context, patientID string) (*Snapshot, error) {
	start := a.clock.Now()
	snap := &Snapshot{PatientID: patientID}

	var (
		condErr, rxErr, txErr, provErr error
	)

	// Section errors are captured, not returned, so one slow or broken
	// table does not cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Conditions, condErr = a.source.FetchConditions(gctx, patientID)
		return nil
	})
	g.Go(func() error {
		snap.Prescriptions, rxErr = a.source.FetchPrescriptions(gctx, patientID)
		return nil
	})
	g.Go(func() error {
		snap.Treatments, txErr = a.source.FetchTreatments(gctx, patientID, start.Add(-a.treatmentWindow))
		return nil
	})
	g.Go(func() error {
		snap.AssignedProviderID, provErr = a.source.FetchAssignedProvider(gctx, patientID)
		return nil
	})
	_ = g.Wait()

	all := errors.Join(condErr, rxErr, txErr, provErr)
	metrics.RecordCollaboratorCall(a.source.SourceSystem(), all, a.clock.Now().Sub(start))

	if errors.Is(condErr, ErrPatientNotFound) || errors.Is(provErr, ErrPatientNotFound) {
		return nil, fmt.Errorf("%s: %w", patientID, ErrPatientNotFound)
	}
	if condErr != nil && rxErr != nil && txErr != nil && provErr != nil {
		return nil, fmt.Errorf("fetch snapshot from %s: %w", a.source.SourceSystem(), all)
	}
	if all != nil {
		a.logger.WarnContext(ctx, "partial patient snapshot",
			"patient_id", patientID,
			"source", a.source.SourceSystem(),
			"error", all,
		)
	}

	snap.HistoryAvailable = condErr == nil
	snap.PrescriptionsAvailable = rxErr == nil
	snap.CollectedAt = a.clock.Now()
	return snap, nil
}

// Health checks the underlying source.
func (a *Assembler) Health(ctx context.Context) error {
	return a.source.Health(ctx)
}

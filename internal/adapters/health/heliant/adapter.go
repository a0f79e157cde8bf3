package heliant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver

	"github.com/careline/triage/internal/adapters/health"
	"github.com/careline/triage/internal/shared/config"
)

// Adapter reads patient records from a Heliant HIS database and implements
// health.Source.
type Adapter struct {
	db     *sql.DB
	config Config
}

// Config holds Heliant adapter configuration
type Config struct {
	config.HISConfig

	PatientTable      string
	PrescriptionTable string
	DiagnosisTable    string
	EncounterTable    string
}

// DefaultConfig returns default Heliant table names around the connection
// settings.
func DefaultConfig(his config.HISConfig) Config {
	return Config{
		HISConfig:         his,
		PatientTable:      "dbo.Patients",
		PrescriptionTable: "dbo.Prescriptions",
		DiagnosisTable:    "dbo.Diagnoses",
		EncounterTable:    "dbo.Encounters",
	}
}

// DSN builds the sqlserver:// connection URL.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	if c.Encrypt {
		q.Set("encrypt", "true")
		q.Set("TrustServerCertificate", "true")
	} else {
		q.Set("encrypt", "disable")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open connects to the HIS database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Adapter, error) {
	db, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Adapter{db: db, config: cfg}, nil
}

// Close closes the database
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Health checks database connectivity
func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// SourceSystem returns the source system name
func (a *Adapter) SourceSystem() string {
	return "heliant"
}

// FetchAssignedProvider returns the patient's family physician.
func (a *Adapter) FetchAssignedProvider(ctx context.Context, patientID string) (string, error) {
	query := fmt.Sprintf(`
		SELECT FamilyPhysicianID
		FROM %s
		WHERE PatientID = @patient AND InstitutionCode = @inst
	`, a.config.PatientTable)

	var provider sql.NullString
	err := a.db.QueryRowContext(ctx, query,
		sql.Named("patient", patientID),
		sql.Named("inst", a.config.InstitutionCode),
	).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", patientID, health.ErrPatientNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch assigned provider: %w", err)
	}
	return provider.String, nil
}

// FetchConditions retrieves diagnoses for a patient
func (a *Adapter) FetchConditions(ctx context.Context, patientID string) ([]health.Condition, error) {
	query := fmt.Sprintf(`
		SELECT
			d.ICD10Code,
			d.Description,
			d.IsChronic,
			d.DiagnosedAt,
			d.ResolvedAt
		FROM %s d
		WHERE d.PatientID = @patient
		ORDER BY d.DiagnosedAt DESC
	`, a.config.DiagnosisTable)

	rows, err := a.db.QueryContext(ctx, query, sql.Named("patient", patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnoses: %w", err)
	}
	defer rows.Close()

	var conditions []health.Condition
	for rows.Next() {
		var (
			c          health.Condition
			chronic    sql.NullBool
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&c.Code, &c.Description, &chronic, &c.DiagnosedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diagnosis: %w", err)
		}
		c.Chronic = chronic.Valid && chronic.Bool
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Time
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

// FetchPrescriptions retrieves active prescriptions for a patient
func (a *Adapter) FetchPrescriptions(ctx context.Context, patientID string) ([]health.Prescription, error) {
	query := fmt.Sprintf(`
		SELECT
			r.PrescriptionID,
			r.MedicationName,
			r.ATCCode,
			r.Dosage,
			r.DosageUnit,
			r.Frequency,
			r.Route,
			r.Instructions,
			r.PrescribedAt,
			r.ValidUntil,
			r.IsChronicMed
		FROM %s r
		WHERE r.PatientID = @patient
		  AND r.Status = 'active'
		  AND (r.ValidUntil IS NULL OR r.ValidUntil > GETDATE())
		ORDER BY r.PrescribedAt DESC
	`, a.config.PrescriptionTable)

	rows, err := a.db.QueryContext(ctx, query, sql.Named("patient", patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prescriptions: %w", err)
	}
	defer rows.Close()

	var prescriptions []health.Prescription
	for rows.Next() {
		var (
			rx                             health.Prescription
			atc, unit, route, instructions sql.NullString
			validUntil                     sql.NullTime
			chronic                        sql.NullBool
		)
		err := rows.Scan(
			&rx.ID,
			&rx.MedicationName,
			&atc,
			&rx.Dosage,
			&unit,
			&rx.Frequency,
			&route,
			&instructions,
			&rx.PrescribedAt,
			&validUntil,
			&chronic,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prescription: %w", err)
		}

		rx.ATCCode = atc.String
		rx.DosageUnit = unit.String
		rx.Route = route.String
		rx.Instructions = instructions.String
		rx.Chronic = chronic.Valid && chronic.Bool
		if validUntil.Valid {
			rx.ValidUntil = &validUntil.Time
		}
		prescriptions = append(prescriptions, rx)
	}
	return prescriptions, rows.Err()
}

// FetchTreatments retrieves encounters since the given time
func (a *Adapter) FetchTreatments(ctx context.Context, patientID string, since time.Time) ([]health.Treatment, error) {
	query := fmt.Sprintf(`
		SELECT
			e.EncounterDate,
			e.Department,
			e.Summary
		FROM %s e
		WHERE e.PatientID = @patient
		  AND e.EncounterDate >= @since
		ORDER BY e.EncounterDate DESC
	`, a.config.EncounterTable)

	rows, err := a.db.QueryContext(ctx, query,
		sql.Named("patient", patientID),
		sql.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query encounters: %w", err)
	}
	defer rows.Close()

	var treatments []health.Treatment
	for rows.Next() {
		var (
			t    health.Treatment
			dept sql.NullString
		)
		if err := rows.Scan(&t.Date, &dept, &t.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan encounter: %w", err)
		}
		t.Department = dept.String
		treatments = append(treatments, t)
	}
	return treatments, rows.Err()
}

// Verify interface implementation
var _ health.Source = (*Adapter)(nil)

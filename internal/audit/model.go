package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/careline/triage/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// Go maps iterate in random order and JSONB may reorder keys, so hashing
// must go through this.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// ActorType defines who caused an audited action
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorPatient  ActorType = "patient"
	ActorProvider ActorType = "provider"
)

// Entry is an immutable audit record. Sequence, PrevHash and Hash are
// assigned by the sink when the entry joins the chain.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	ActorType ActorType `json:"actor_type"`
	ActorID   string    `json:"actor_id,omitempty"`

	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	CaseID    string `json:"case_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// NewEntry creates an entry stamped at the given time.
func NewEntry(at time.Time, actorType ActorType, actorID, action string) *Entry {
	return &Entry{
		ID: types.NewID(),
		// Truncate to microseconds for PostgreSQL compatibility
		Timestamp: at.UTC().Truncate(time.Microsecond),
		ActorType: actorType,
		ActorID:   actorID,
		Action:    action,
	}
}

// ForSession scopes the entry to a session and patient.
func (e *Entry) ForSession(sessionID, patientID string) *Entry {
	e.SessionID = sessionID
	e.PatientID = patientID
	return e
}

// ForCase scopes the entry to an escalation case.
func (e *Entry) ForCase(caseID string) *Entry {
	e.CaseID = caseID
	return e
}

// With adds a detail field.
func (e *Entry) With(key string, value any) *Entry {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Entry) calculateHash() string {
	// Timestamp is always hashed in UTC so verification does not depend on
	// the reader's zone.
	data := map[string]any{
		"id":         e.ID,
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":  e.PrevHash,
		"actor_type": e.ActorType,
		"actor_id":   e.ActorID,
		"action":     e.Action,
		"session_id": e.SessionID,
		"case_id":    e.CaseID,
		"patient_id": e.PatientID,
	}
	if len(e.Details) > 0 {
		data["details"] = e.Details
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// Audited actions
const (
	ActionTurnProcessed      = "triage.turn_processed"
	ActionFollowUpAsked      = "triage.follow_up_asked"
	ActionTierAssigned       = "triage.tier_assigned"
	ActionRedFlagDetected    = "triage.red_flag_detected"
	ActionRedFlagWatch       = "triage.red_flag_watch"
	ActionDosageWithheld     = "triage.dosage_withheld"
	ActionSessionAbandoned   = "session.abandoned"
	ActionSessionClosed      = "session.closed"
	ActionEscalationStarted  = "escalation.started"
	ActionProviderAlerted    = "escalation.provider_alerted"
	ActionAvailabilityResult = "escalation.availability_checked"
	ActionHandoffOffered     = "escalation.handoff_offered"
	ActionHandoffAccepted    = "escalation.handoff_accepted"
	ActionHandoffFailed      = "escalation.handoff_failed"
	ActionAppointmentOffered = "escalation.appointment_offered"
	ActionAppointmentBooked  = "escalation.appointment_booked"
	ActionEmergencyFallback  = "escalation.emergency_fallback"
	ActionDeadlineExceeded   = "escalation.deadline_exceeded"
)

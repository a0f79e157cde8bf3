// Package session holds the per-patient conversation state machine. A
// Session is not safe for concurrent use; the registry serializes access.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/careline/triage/internal/triage/evidence"
	"github.com/careline/triage/internal/triage/redflag"
	"github.com/careline/triage/internal/triage/router"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrOutOfOrder        = errors.New("utterance out of order")
	ErrSessionClosed     = errors.New("session closed")
)

// State is a state of the conversation.
type State string

const (
	StateAwaitingInput    State = "awaiting_input"
	StateClassifying      State = "classifying"
	StateAwaitingFollowUp State = "awaiting_followup"
	StateTierResolved     State = "tier_resolved"
	StateEscalating       State = "escalating"
	StateTerminal         State = "terminal"
)

// TerminalReason says how a session ended.
type TerminalReason string

const (
	ReasonResolved  TerminalReason = "resolved"
	ReasonEscalated TerminalReason = "escalated"
	ReasonAbandoned TerminalReason = "abandoned"
)

// An aborted turn returns from CLASSIFYING to AWAITING_INPUT.
var transitions = map[State][]State{
	StateAwaitingInput:    {StateClassifying, StateTerminal},
	StateClassifying:      {StateAwaitingFollowUp, StateTierResolved, StateEscalating, StateAwaitingInput, StateTerminal},
	StateAwaitingFollowUp: {StateClassifying, StateTerminal},
	StateTierResolved:     {StateClassifying, StateTerminal},
	StateEscalating:       {StateTerminal},
}

// Role identifies the author of a turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// Mode is the interaction channel of a turn.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// ParseMode defaults anything unrecognized to text.
func ParseMode(s string) Mode {
	if Mode(s) == ModeVoice {
		return ModeVoice
	}
	return ModeText
}

// Turn is one entry of the conversation.
type Turn struct {
	Index    int       `json:"index"`
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Mode     Mode      `json:"mode,omitempty"`
	At       time.Time `json:"at"`
}

// Session is one triage dialogue.
type Session struct {
	ID        string
	PatientID string

	turns       []Turn
	tier        *router.Tier
	evidence    evidence.Set
	findings    []redflag.Finding
	followUps   int
	followUpCap int

	state          State
	terminalReason TerminalReason
	resolved       bool
	escalated      bool
	acknowledged   bool

	escalationCaseID         string
	prescriptionRetryPending bool

	// lastSequence is the highest client sequence number accepted.
	lastSequence int

	createdAt    time.Time
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session in AWAITING_INPUT. Its context derives from parent
// and is cancelled when the session ends.
func New(parent context.Context, id, patientID string, followUpCap int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           id,
		PatientID:    patientID,
		followUpCap:  followUpCap,
		state:        StateAwaitingInput,
		createdAt:    now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled when the session is abandoned or terminated.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel aborts in-flight work bound to the session context. Unlike the
// other methods it is safe to call without holding the session.
func (s *Session) Cancel() {
	s.cancel()
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Transition moves to the target state if the table allows it. Entering
// TERMINAL goes through Terminate.
func (s *Session) Transition(to State) error {
	if to == StateTerminal {
		return fmt.Errorf("%w: use Terminate to end a session", ErrInvalidTransition)
	}
	if !slices.Contains(transitions[s.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Terminate ends the session with the given reason and cancels its context.
func (s *Session) Terminate(reason TerminalReason, now time.Time) error {
	if s.state == StateTerminal {
		return fmt.Errorf("%w: already terminal (%s)", ErrInvalidTransition, s.terminalReason)
	}
	s.state = StateTerminal
	s.terminalReason = reason
	switch reason {
	case ReasonResolved:
		s.resolved = true
	case ReasonEscalated:
		s.escalated = true
	}
	s.lastActivity = now
	s.cancel()
	return nil
}

// Abandon terminates a non-terminal session as abandoned. It reports
// whether the session changed.
func (s *Session) Abandon(now time.Time) bool {
	if s.state == StateTerminal {
		return false
	}
	_ = s.Terminate(ReasonAbandoned, now)
	return true
}

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool {
	return s.state == StateTerminal
}

// CheckSequence validates the client sequence number of the next patient
// utterance without consuming it. Zero means the client does not sequence
// its turns. Anything other than the next number is rejected; the client
// resends in order.
func (s *Session) CheckSequence(seq int) error {
	if seq == 0 {
		return nil
	}
	if seq != s.lastSequence+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, s.lastSequence+1, seq)
	}
	return nil
}

// CommitSequence consumes a checked sequence number once its turn has been
// processed. An aborted turn leaves the number free for the resend.
func (s *Session) CommitSequence(seq int) {
	if seq > s.lastSequence {
		s.lastSequence = seq
	}
}

// AppendTurn appends to the turn log and refreshes the activity timestamp.
func (s *Session) AppendTurn(role Role, text, language string, mode Mode, now time.Time) Turn {
	t := Turn{
		Index:    len(s.turns) + 1,
		Role:     role,
		Text:     text,
		Language: language,
		Mode:     mode,
		At:       now,
	}
	s.turns = append(s.turns, t)
	s.lastActivity = now
	return t
}

// Turns returns a copy of the turn log.
func (s *Session) Turns() []Turn {
	return slices.Clone(s.turns)
}

// MergeEvidence adds extracted symptoms.
func (s *Session) MergeEvidence(symptoms []evidence.Symptom) {
	s.evidence.Merge(symptoms)
}

// Symptoms returns the accumulated evidence.
func (s *Session) Symptoms() []evidence.Symptom {
	return s.evidence.List()
}

// AddFindings records red-flag findings. Repeated rule matches are kept once.
func (s *Session) AddFindings(findings []redflag.Finding) {
	for _, f := range findings {
		if !slices.ContainsFunc(s.findings, func(x redflag.Finding) bool { return x.RuleID == f.RuleID }) {
			s.findings = append(s.findings, f)
		}
	}
}

// Findings returns the accumulated findings.
func (s *Session) Findings() []redflag.Finding {
	return slices.Clone(s.findings)
}

// FollowUps returns the follow-up counter.
func (s *Session) FollowUps() int {
	return s.followUps
}

// AskFollowUp increments the follow-up counter. It reports false, leaving
// the counter unchanged, once the cap is reached.
func (s *Session) AskFollowUp() bool {
	if s.followUps >= s.followUpCap {
		return false
	}
	s.followUps++
	return true
}

// SetTier records the routing tier.
func (s *Session) SetTier(t router.Tier) {
	s.tier = &t
}

// Tier returns the current tier or nil.
func (s *Session) Tier() *router.Tier {
	if s.tier == nil {
		return nil
	}
	t := *s.tier
	return &t
}

// SetEscalationCase stores the lookup-only reference to the case.
func (s *Session) SetEscalationCase(caseID string) {
	s.escalationCaseID = caseID
}

// EscalationCaseID returns the case reference, if any.
func (s *Session) EscalationCaseID() string {
	return s.escalationCaseID
}

// SetPrescriptionRetry flags or clears the background prescription refresh.
func (s *Session) SetPrescriptionRetry(pending bool) {
	s.prescriptionRetryPending = pending
}

// PrescriptionRetryPending reports whether a refresh is outstanding.
func (s *Session) PrescriptionRetryPending() bool {
	return s.prescriptionRetryPending
}

// Acknowledge marks a resolved or escalated outcome as seen by the client.
// A TIER_RESOLVED session becomes TERMINAL(resolved).
func (s *Session) Acknowledge(now time.Time) error {
	switch {
	case s.state == StateTierResolved:
		if err := s.Terminate(ReasonResolved, now); err != nil {
			return err
		}
	case s.state == StateTerminal && s.terminalReason != ReasonAbandoned:
	default:
		return fmt.Errorf("%w: cannot acknowledge in state %s", ErrInvalidTransition, s.state)
	}
	s.acknowledged = true
	return nil
}

// Acknowledged reports whether the client acknowledged the outcome.
func (s *Session) Acknowledged() bool {
	return s.acknowledged
}

// LastActivity returns the time of the last turn or state change.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// Idle reports whether the session has been inactive for at least timeout.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.lastActivity) >= timeout
}

// View is a read-only copy of a session for status polling.
type View struct {
	ID                       string             `json:"id"`
	PatientID                string             `json:"patient_id"`
	State                    State              `json:"state"`
	TerminalReason           TerminalReason     `json:"terminal_reason,omitempty"`
	Tier                     *router.Tier       `json:"tier,omitempty"`
	Turns                    []Turn             `json:"turns"`
	Symptoms                 []evidence.Symptom `json:"symptoms"`
	Findings                 []redflag.Finding  `json:"findings,omitempty"`
	FollowUps                int                `json:"follow_ups"`
	Resolved                 bool               `json:"resolved"`
	Escalated                bool               `json:"escalated"`
	Acknowledged             bool               `json:"acknowledged"`
	EscalationCaseID         string             `json:"escalation_case_id,omitempty"`
	PrescriptionRetryPending bool               `json:"prescription_retry_pending,omitempty"`
	CreatedAt                time.Time          `json:"created_at"`
	LastActivity             time.Time          `json:"last_activity"`
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() View {
	return View{
		ID:                       s.ID,
		PatientID:                s.PatientID,
		State:                    s.state,
		TerminalReason:           s.terminalReason,
		Tier:                     s.Tier(),
		Turns:                    s.Turns(),
		Symptoms:                 s.Symptoms(),
		Findings:                 s.Findings(),
		FollowUps:                s.followUps,
		Resolved:                 s.resolved,
		Escalated:                s.escalated,
		Acknowledged:             s.acknowledged,
		EscalationCaseID:         s.escalationCaseID,
		PrescriptionRetryPending: s.prescriptionRetryPending,
		CreatedAt:                s.createdAt,
		LastActivity:             s.lastActivity,
	}
}

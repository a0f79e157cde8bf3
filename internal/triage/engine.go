// Package triage runs patient turns through classification, red-flag
// evaluation and tier routing, and hands Tier 3 sessions to escalation.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/adapters/health"
	"github.com/careline/triage/internal/audit"
	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/metrics"
	"github.com/careline/triage/internal/triage/classifier"
	"github.com/careline/triage/internal/triage/escalation"
	"github.com/careline/triage/internal/triage/evidence"
	"github.com/careline/triage/internal/triage/redflag"
	"github.com/careline/triage/internal/triage/registry"
	"github.com/careline/triage/internal/triage/router"
	"github.com/careline/triage/internal/triage/session"
)

var (
	ErrEmptyUtterance = errors.New("utterance text is empty")
	ErrPatientMissing = errors.New("patient id is required")
)

// Escalator opens and reads escalation cases.
type Escalator interface {
	Escalate(ctx context.Context, req escalation.Request) (escalation.Case, error)
	BySession(sessionID string) (escalation.Case, error)
}

// Collaborators are the engine's external dependencies.
type Collaborators struct {
	Classifier classifier.Classifier
	Extractor  classifier.Extractor
	Patients   health.Provider
	Escalator  Escalator
	Audit      audit.Sink
}

// Utterance is one patient message.
type Utterance struct {
	SessionID string
	PatientID string
	Text      string
	Language  string
	Mode      session.Mode
	// Sequence is the client's turn number, starting at 1. Zero disables
	// ordering checks.
	Sequence        int
	CreateIfMissing bool
}

// Outcome is what the client gets back for a turn. At most one of Response
// and FollowUpQuestion is set.
type Outcome struct {
	SessionID        string           `json:"session_id"`
	Created          bool             `json:"created"`
	State            session.State    `json:"state"`
	Tier             *router.Tier     `json:"tier"`
	Reason           router.Reason    `json:"reason"`
	Response         *string          `json:"response"`
	FollowUpQuestion *string          `json:"follow_up_question"`
	EscalationCase   *escalation.Case `json:"escalation_case"`
	WithheldDosage   bool             `json:"withheld_dosage,omitempty"`
	// Degraded is set when the classifier did not answer within the
	// response envelope.
	Degraded bool `json:"degraded,omitempty"`
}

// SessionState is the read-only status of a session.
type SessionState struct {
	session.View
	Escalation *escalation.Case `json:"escalation,omitempty"`
}

// Engine processes turns. It is safe for concurrent use; turns of one
// session are serialized by the registry.
type Engine struct {
	registry  *registry.Registry
	bounded   *classifier.Bounded
	evaluator *redflag.Evaluator
	router    *router.Router
	responder *Responder
	patients  health.Provider
	escalator Escalator
	audit     audit.Sink

	config config.TriageConfig
	clock  clockwork.Clock
	logger *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an engine over the registry.
func New(cfg config.TriageConfig, reg *registry.Registry, collab Collaborators, responder *Responder, clk clockwork.Clock, logger *slog.Logger) *Engine {
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		registry:  reg,
		bounded:   classifier.NewBounded(collab.Classifier, collab.Extractor, logger),
		evaluator: redflag.NewEvaluator(redflag.DefaultRules()),
		router: router.New(router.Config{
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			FollowUpCap:         cfg.FollowUpCap,
		}),
		responder: responder,
		patients:  collab.Patients,
		escalator: collab.Escalator,
		audit:     collab.Audit,
		config:    withDefaults(cfg),
		clock:     clk,
		logger:    logger,
		base:      base,
		stop:      stop,
	}
	reg.OnAbandon(e.onAbandon)
	return e
}

func withDefaults(cfg config.TriageConfig) config.TriageConfig {
	if cfg.Tier1Envelope <= 0 {
		cfg.Tier1Envelope = 3 * time.Second
	}
	if cfg.Tier2Envelope <= 0 {
		cfg.Tier2Envelope = 5 * time.Second
	}
	if cfg.VoiceEnvelope <= 0 {
		cfg.VoiceEnvelope = 7 * time.Second
	}
	if cfg.PrescriptionRetryDelay <= 0 {
		cfg.PrescriptionRetryDelay = 10 * time.Second
	}
	return cfg
}

// Close stops background prescription retries and waits for them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// SubmitUtterance processes one patient turn.
func (e *Engine) SubmitUtterance(ctx context.Context, u Utterance) (Outcome, error) {
	start := e.clock.Now()
	if strings.TrimSpace(u.Text) == "" {
		return Outcome{}, ErrEmptyUtterance
	}
	if u.PatientID == "" {
		return Outcome{}, ErrPatientMissing
	}
	if u.Mode == "" {
		u.Mode = session.ModeText
	}

	h, err := e.registry.Open(ctx, u.SessionID, u.PatientID, u.CreateIfMissing)
	if err != nil {
		return Outcome{}, err
	}
	defer h.Release()
	s := h.Session

	if s.Terminal() {
		return Outcome{}, fmt.Errorf("%w: %s", session.ErrSessionClosed, s.ID)
	}
	if err := s.CheckSequence(u.Sequence); err != nil {
		return Outcome{}, err
	}
	// The turn is aborted when the caller goes away or the session is
	// swept.
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.Context(), cancel)()

	envelope := e.envelope(u.Mode, s.Tier())
	received := e.clock.Now()
	if err := s.Transition(session.StateClassifying); err != nil {
		return Outcome{}, err
	}

	var (
		result     classifier.Result
		classErr   error
		symptoms   []evidence.Symptom
		extractErr error
		snap       *health.Snapshot
		snapErr    error
	)
	var g errgroup.Group
	g.Go(func() error {
		result, classErr = e.bounded.Classify(tctx, envelope, u.Text, u.Language, s.PatientID)
		return nil
	})
	g.Go(func() error {
		symptoms, extractErr = e.bounded.Extract(tctx, envelope, u.Text, u.Language)
		return nil
	})
	g.Go(func() error {
		snap, snapErr = e.snapshot(tctx, envelope, s.PatientID)
		return nil
	})
	_ = g.Wait()

	if err := tctx.Err(); err != nil {
		if !s.Terminal() {
			_ = s.Transition(session.StateAwaitingInput)
		}
		return Outcome{}, fmt.Errorf("turn aborted: %w", err)
	}
	// Only completed turns enter the log and consume their sequence number.
	s.CommitSequence(u.Sequence)
	s.AppendTurn(session.RolePatient, u.Text, u.Language, u.Mode, received)
	if snapErr != nil {
		e.logger.WarnContext(ctx, "patient snapshot unavailable, continuing degraded",
			"session_id", s.ID,
			"patient_id", s.PatientID,
			"error", snapErr,
		)
	}

	s.MergeEvidence(symptoms)
	assessment := e.evaluator.Evaluate(s.Symptoms(), historyFrom(snap))
	s.AddFindings(assessment.Findings)

	e.record(ctx, s, audit.ActionTurnProcessed,
		"category", string(result.Category),
		"confidence", result.Confidence,
		"classifier_error", errString(classErr),
		"extract_error", errString(extractErr),
		"symptoms", len(symptoms),
	)
	for _, f := range assessment.Findings {
		metrics.RecordRedFlag(f.Type, string(f.Severity))
		e.record(ctx, s, audit.ActionRedFlagDetected, "type", f.Type, "severity", string(f.Severity), "rule_id", f.RuleID, "rationale", f.Rationale)
	}
	for _, f := range assessment.Watch {
		e.record(ctx, s, audit.ActionRedFlagWatch, "type", f.Type, "rule_id", f.RuleID, "rationale", f.Rationale)
	}

	decision := e.router.Route(router.Input{
		Classification:         result,
		Findings:               s.Findings(),
		FollowUps:              s.FollowUps(),
		PrescriptionsAvailable: snap != nil && snap.PrescriptionsAvailable,
	})
	if decision.FollowUp && !s.AskFollowUp() {
		// The session's own cap is stricter than the router's.
		t := router.Tier3
		decision = router.Decision{Tier: &t, Reason: router.ReasonFollowUpCap, Err: router.ErrAmbiguousClassification}
	}

	out := Outcome{
		SessionID: s.ID,
		Created:   h.Created,
		Reason:    decision.Reason,
		Degraded:  classErr != nil,
	}
	var reply string

	switch {
	case decision.FollowUp:
		if err := s.Transition(session.StateAwaitingFollowUp); err != nil {
			return Outcome{}, err
		}
		reply = e.responder.FollowUp(s.FollowUps())
		out.FollowUpQuestion = &reply
		metrics.RecordFollowUp()
		e.record(ctx, s, audit.ActionFollowUpAsked, "count", s.FollowUps(), "reason", string(decision.Reason))

	case *decision.Tier == router.Tier3:
		c, err := e.escalate(ctx, s, u, snap, decision)
		if err != nil {
			e.logger.ErrorContext(ctx, "escalation could not start", "session_id", s.ID, "error", err)
			reply = e.responder.EscalationFailed()
		} else {
			reply = c.Guidance
			out.EscalationCase = &c
		}
		out.Response = &reply

	default:
		s.SetTier(*decision.Tier)
		if err := s.Transition(session.StateTierResolved); err != nil {
			return Outcome{}, err
		}
		reply = e.resolve(ctx, s, u, snap, decision)
		out.Response = &reply
		out.WithheldDosage = decision.WithholdDosage
	}

	s.AppendTurn(session.RoleAssistant, reply, u.Language, u.Mode, e.clock.Now())
	out.State = s.State()
	out.Tier = s.Tier()

	outcome := "follow_up"
	if out.Tier != nil {
		outcome = out.Tier.String()
		e.record(ctx, s, audit.ActionTierAssigned, "tier", out.Tier.String(), "reason", string(decision.Reason))
	}
	metrics.RecordTurn(string(u.Mode), outcome, e.clock.Now().Sub(start))

	e.logger.InfoContext(ctx, "turn processed",
		"session_id", s.ID,
		"category", result.Category,
		"confidence", result.Confidence,
		"outcome", outcome,
		"follow_ups", s.FollowUps(),
	)
	return out, nil
}

// envelope is the classifier budget for a turn: the voice envelope for voice
// turns, the Tier 2 envelope while a medication conversation is under way,
// else the Tier 1 envelope.
func (e *Engine) envelope(mode session.Mode, current *router.Tier) time.Duration {
	if mode == session.ModeVoice {
		return e.config.VoiceEnvelope
	}
	if current != nil && *current == router.Tier2 {
		return e.config.Tier2Envelope
	}
	return e.config.Tier1Envelope
}

// snapshot loads the patient record within the envelope. An unknown patient
// has no history rather than an unavailable one.
func (e *Engine) snapshot(ctx context.Context, envelope time.Duration, patientID string) (*health.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, envelope)
	defer cancel()

	snap, err := e.patients.Snapshot(cctx, patientID)
	if errors.Is(err, health.ErrPatientNotFound) {
		return &health.Snapshot{
			PatientID:              patientID,
			HistoryAvailable:       true,
			PrescriptionsAvailable: true,
			CollectedAt:            e.clock.Now(),
		}, nil
	}
	return snap, err
}

func historyFrom(snap *health.Snapshot) *redflag.History {
	if snap == nil {
		return nil
	}
	return &redflag.History{
		Conditions:  snap.ConditionNames(),
		Medications: snap.MedicationNames(),
		Available:   snap.HistoryAvailable,
	}
}

func (e *Engine) resolve(ctx context.Context, s *session.Session, u Utterance, snap *health.Snapshot, d router.Decision) string {
	if *d.Tier == router.Tier1 {
		return e.responder.General(s.Symptoms())
	}

	if d.WithholdDosage {
		e.record(ctx, s, audit.ActionDosageWithheld, "reason", "prescriptions_unavailable")
		if d.RetryPrescriptions && !s.PrescriptionRetryPending() {
			s.SetPrescriptionRetry(true)
			e.retryPrescriptions(s.ID, s.PatientID)
		}
		return e.responder.DosageWithheld()
	}
	if rx, ok := snap.FindPrescription(u.Text); ok {
		return e.responder.Medication(rx)
	}
	return e.responder.MedicationNoMatch()
}

// escalate hands the session to the coordinator and ends it as escalated.
// The case outlives the session.
func (e *Engine) escalate(ctx context.Context, s *session.Session, u Utterance, snap *health.Snapshot, d router.Decision) (escalation.Case, error) {
	now := e.clock.Now()
	s.SetTier(router.Tier3)
	if err := s.Transition(session.StateEscalating); err != nil {
		return escalation.Case{}, err
	}
	if d.Err != nil {
		e.logger.WarnContext(ctx, "escalating after persistent low confidence",
			"session_id", s.ID,
			"follow_ups", s.FollowUps(),
			"error", d.Err,
		)
	}

	providerID := ""
	if snap != nil {
		providerID = snap.AssignedProviderID
	}
	channel := communication.ChannelChat
	if u.Mode == session.ModeVoice {
		channel = communication.ChannelVoice
	}

	c, err := e.escalator.Escalate(ctx, escalation.Request{
		SessionID:    s.ID,
		PatientID:    s.PatientID,
		ProviderID:   providerID,
		Findings:     s.Findings(),
		Summary:      summarize(s, d),
		Language:     u.Language,
		Channel:      channel,
		DeterminedAt: now,
	})
	if err == nil {
		s.SetEscalationCase(c.ID)
	}
	if terr := s.Terminate(session.ReasonEscalated, e.clock.Now()); terr != nil {
		return c, terr
	}
	return c, err
}

// maxSummaryRunes bounds the provider-facing summary; the latest turns win.
const maxSummaryRunes = 500

// summarize builds the provider-facing summary from the patient's turns.
func summarize(s *session.Session, d router.Decision) string {
	var parts []string
	for _, t := range s.Turns() {
		if t.Role == session.RolePatient {
			parts = append(parts, t.Text)
		}
	}
	summary := tail(strings.Join(parts, " / "), maxSummaryRunes)
	if errors.Is(d.Err, router.ErrAmbiguousClassification) {
		summary = fmt.Sprintf("Unclear after %d follow-up questions. %s", s.FollowUps(), summary)
	}
	return summary
}

// tail keeps the last n runes of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// retryPrescriptions refreshes prescription data in the background with
// growing delays. A successful fetch refills the snapshot cache and clears
// the session's pending flag.
func (e *Engine) retryPrescriptions(sessionID, patientID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		delay := e.config.PrescriptionRetryDelay
		for attempt := 1; attempt <= e.config.PrescriptionRetries; attempt++ {
			select {
			case <-e.clock.After(delay):
			case <-e.base.Done():
				return
			}
			snap, err := e.patients.Snapshot(e.base, patientID)
			if err == nil && snap.PrescriptionsAvailable && !snap.Stale {
				e.logger.InfoContext(e.base, "prescription data recovered",
					"session_id", sessionID,
					"patient_id", patientID,
					"attempt", attempt,
				)
				e.clearRetry(sessionID)
				return
			}
			delay *= 2
		}
		e.logger.WarnContext(e.base, "prescription data still unavailable",
			"session_id", sessionID,
			"patient_id", patientID,
			"attempts", e.config.PrescriptionRetries,
		)
		e.clearRetry(sessionID)
	}()
}

func (e *Engine) clearRetry(sessionID string) {
	h, err := e.registry.Acquire(e.base, sessionID)
	if err != nil {
		return
	}
	h.Session.SetPrescriptionRetry(false)
	h.Release()
}

// GetSessionState returns the session as of its last completed turn. It
// never waits for a turn in progress.
func (e *Engine) GetSessionState(sessionID string) (SessionState, error) {
	view, err := e.registry.Lookup(sessionID)
	if err != nil {
		return SessionState{}, err
	}
	st := SessionState{View: view}
	if view.EscalationCaseID != "" {
		if c, err := e.escalator.BySession(sessionID); err == nil {
			st.Escalation = &c
		}
	}
	return st, nil
}

// Acknowledge records that the client has seen the session's outcome and
// destroys the session.
func (e *Engine) Acknowledge(ctx context.Context, sessionID string) error {
	h, err := e.registry.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Release()

	s := h.Session
	if err := s.Acknowledge(e.clock.Now()); err != nil {
		return err
	}
	e.registry.Remove(s.ID)
	e.record(ctx, s, audit.ActionSessionClosed, "terminal_reason", string(s.Snapshot().TerminalReason))
	return nil
}

func (e *Engine) onAbandon(v session.View) {
	entry := audit.NewEntry(e.clock.Now(), audit.ActorSystem, "triage", audit.ActionSessionAbandoned).
		ForSession(v.ID, v.PatientID).
		With("last_activity", v.LastActivity).
		With("follow_ups", v.FollowUps)
	if err := e.audit.Record(e.base, entry); err != nil {
		e.logger.Error("audit append failed", "action", entry.Action, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, s *session.Session, action string, kv ...any) {
	entry := audit.NewEntry(e.clock.Now(), audit.ActorSystem, "triage", action).
		ForSession(s.ID, s.PatientID).
		ForCase(s.EscalationCaseID())
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			entry.With(k, kv[i+1])
		}
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.ErrorContext(ctx, "audit append failed", "action", action, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

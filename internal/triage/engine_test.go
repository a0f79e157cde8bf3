package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/adapters/health"
	"github.com/careline/triage/internal/audit"
	"github.com/careline/triage/internal/notification"
	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/logging"
	"github.com/careline/triage/internal/triage/classifier"
	"github.com/careline/triage/internal/triage/escalation"
	"github.com/careline/triage/internal/triage/registry"
	"github.com/careline/triage/internal/triage/router"
	"github.com/careline/triage/internal/triage/session"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingNotifier struct {
	mu   sync.Mutex
	sent []notification.Kind
}

func (c *countingNotifier) Send(_ context.Context, n *notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n.Kind)
	return nil
}

func (c *countingNotifier) count(kind notification.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.sent {
		if k == kind {
			n++
		}
	}
	return n
}

// stalledClassifier answers only when its context ends.
type stalledClassifier struct{}

func (stalledClassifier) Classify(ctx context.Context, _, _, _ string) (classifier.Result, error) {
	<-ctx.Done()
	return classifier.Result{}, ctx.Err()
}

// pausableClassifier stalls while paused and otherwise delegates.
type pausableClassifier struct {
	paused atomic.Bool
	next   classifier.Classifier
}

func (p *pausableClassifier) Classify(ctx context.Context, text, language, patientRef string) (classifier.Result, error) {
	if p.paused.Load() {
		return stalledClassifier{}.Classify(ctx, text, language, patientRef)
	}
	return p.next.Classify(ctx, text, language, patientRef)
}

// stalledRoster never answers before its context is cancelled.
type stalledRoster struct{}

func (stalledRoster) CheckAvailability(ctx context.Context, _ string) (availability.Availability, error) {
	<-ctx.Done()
	return availability.Availability{}, ctx.Err()
}

// stalledCalendar blocks slot lookups until cancelled.
type stalledCalendar struct {
	once   sync.Once
	called chan struct{}
}

func (s *stalledCalendar) GetSlots(ctx context.Context, _ appointment.SlotQuery) ([]appointment.Slot, error) {
	s.once.Do(func() { close(s.called) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledCalendar) Book(context.Context, appointment.BookingRequest) (*appointment.Appointment, error) {
	return nil, appointment.ErrSlotUnavailable
}

type fixture struct {
	engine   *Engine
	reg      *registry.Registry
	clk      *clockwork.FakeClock
	patients *health.MemorySource
	roster   *availability.Roster
	coord    *escalation.Coordinator
	notifier *countingNotifier
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, cls classifier.Classifier, opts ...func(*escalation.Collaborators)) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clockwork.NewFakeClockAt(start),
		patients: health.NewMemorySource(),
		roster:   availability.NewRoster(),
		notifier: &countingNotifier{},
		sink:     audit.NewMemorySink(),
	}
	logger := logging.Discard()
	keywords := classifier.NewKeywordClassifier()
	if cls == nil {
		cls = keywords
	}

	collab := escalation.Collaborators{
		Availability:  f.roster,
		Communication: communication.NewRecorder(),
		Appointments:  appointment.NewCalendar(),
		Notifier:      f.notifier,
		Audit:         f.sink,
	}
	for _, opt := range opts {
		opt(&collab)
	}
	f.coord = escalation.New(config.EscalationConfig{}, collab, f.clk, logger)

	f.reg = registry.New(context.Background(), registry.Config{
		SessionTimeout: 30 * time.Minute,
		FollowUpCap:    5,
	}, f.clk, logger)

	f.engine = New(config.TriageConfig{
		ConfidenceThreshold:    0.7,
		FollowUpCap:            5,
		Tier1Envelope:          time.Second,
		Tier2Envelope:          time.Second,
		VoiceEnvelope:          time.Second,
		PrescriptionRetries:    2,
		PrescriptionRetryDelay: 10 * time.Second,
	}, f.reg, Collaborators{
		Classifier: cls,
		Extractor:  keywords,
		Patients:   health.NewAssembler(f.patients, f.clk, logger),
		Escalator:  f.coord,
		Audit:      f.sink,
	}, NewResponder("112"), f.clk, logger)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) seedPatient() {
	f.patients.Put(health.PatientFixture{
		PatientID:  "patient-1",
		ProviderID: "dr-1",
		Prescriptions: []health.Prescription{
			{ID: "rx-1", MedicationName: "Metformin", Dosage: "500", DosageUnit: "mg", Frequency: "twice daily with meals", Chronic: true},
		},
	})
}

func (f *fixture) say(t *testing.T, sessionID, text string) (Outcome, error) {
	t.Helper()
	return f.engine.SubmitUtterance(context.Background(), Utterance{
		SessionID:       sessionID,
		PatientID:       "patient-1",
		Text:            text,
		Language:        "en",
		CreateIfMissing: true,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockUntil waits until n timers are armed on the fake clock.
func blockUntil(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("timed out waiting for %d timers: %v", n, err)
	}
}

func TestGeneralHealthResolvesAtTier1(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.say(t, "", "I have a mild headache since this morning")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if !out.Created || out.SessionID == "" {
		t.Errorf("Expected a new session, got %+v", out)
	}
	if out.Tier == nil || *out.Tier != router.Tier1 {
		t.Fatalf("Expected tier1, got %v", out.Tier)
	}
	if out.State != session.StateTierResolved {
		t.Errorf("Expected tier_resolved, got %s", out.State)
	}
	if out.Response == nil || out.FollowUpQuestion != nil {
		t.Fatalf("Expected a response and no follow-up, got %+v", out)
	}
	if !strings.Contains(*out.Response, "headache") {
		t.Errorf("Expected headache advice, got %q", *out.Response)
	}

	st, err := f.engine.GetSessionState(out.SessionID)
	if err != nil {
		t.Fatalf("Expected session state, got %v", err)
	}
	if st.FollowUps != 0 {
		t.Errorf("Expected no follow-ups, got %d", st.FollowUps)
	}
	if len(st.Turns) != 2 {
		t.Errorf("Expected patient and assistant turns, got %d", len(st.Turns))
	}
	if len(f.sink.ByAction(audit.ActionTierAssigned)) != 1 {
		t.Error("Expected tier assignment to be audited")
	}
}

func TestRedFlagsEscalate(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"chest pain and breathlessness", "I have severe chest pain and I am short of breath"},
		{"red flag beats medication query", "Can I take ibuprofen for this crushing chest pain?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.seedPatient()
			f.roster.Set("dr-1", availability.StatusAvailable, nil)

			out, err := f.say(t, "", tt.text)
			if err != nil {
				t.Fatalf("Expected turn, got %v", err)
			}
			if out.Tier == nil || *out.Tier != router.Tier3 {
				t.Fatalf("Expected tier3, got %v", out.Tier)
			}
			if out.Reason != router.ReasonRedFlag {
				t.Errorf("Expected red flag reason, got %s", out.Reason)
			}
			if out.State != session.StateTerminal {
				t.Errorf("Expected terminal session, got %s", out.State)
			}
			if out.EscalationCase == nil {
				t.Fatal("Expected an escalation case")
			}
			if out.EscalationCase.ProviderID != "dr-1" {
				t.Errorf("Expected assigned provider, got %q", out.EscalationCase.ProviderID)
			}
			if out.EscalationCase.ProviderAlertedAt == nil {
				t.Error("Expected provider alerted when the case opens")
			}
			if n := f.notifier.count(notification.KindProviderAlert); n != 1 {
				t.Errorf("Expected one provider alert, got %d", n)
			}
			if len(f.sink.ByAction(audit.ActionRedFlagDetected)) == 0 {
				t.Error("Expected red flags to be audited")
			}

			waitFor(t, "hand-off offer", func() bool {
				c, err := f.coord.Get(out.EscalationCase.ID)
				return err == nil && c.Status == escalation.StatusHandoffOffered
			})

			st, err := f.engine.GetSessionState(out.SessionID)
			if err != nil {
				t.Fatalf("Expected session state, got %v", err)
			}
			if st.Escalation == nil || st.Escalation.ID != out.EscalationCase.ID {
				t.Errorf("Expected escalation in session state, got %+v", st.Escalation)
			}
			if !st.Escalated {
				t.Error("Expected session marked escalated")
			}
		})
	}
}

func TestFollowUpCapForcesTier3(t *testing.T) {
	f := newFixture(t, nil)

	var id string
	for i := 1; i <= 5; i++ {
		out, err := f.say(t, id, "not sure")
		if err != nil {
			t.Fatalf("turn %d: Expected follow-up, got %v", i, err)
		}
		id = out.SessionID
		if out.FollowUpQuestion == nil || out.Response != nil {
			t.Fatalf("turn %d: Expected follow-up question only, got %+v", i, out)
		}
		if out.Tier != nil {
			t.Errorf("turn %d: Expected no tier, got %v", i, *out.Tier)
		}
		if out.State != session.StateAwaitingFollowUp {
			t.Errorf("turn %d: Expected awaiting follow-up, got %s", i, out.State)
		}
	}

	out, err := f.say(t, id, "still not sure")
	if err != nil {
		t.Fatalf("Expected escalation turn, got %v", err)
	}
	if out.Tier == nil || *out.Tier != router.Tier3 {
		t.Fatalf("Expected tier3 after the cap, got %v", out.Tier)
	}
	if out.Reason != router.ReasonFollowUpCap {
		t.Errorf("Expected follow-up cap reason, got %s", out.Reason)
	}

	st, _ := f.engine.GetSessionState(id)
	if st.FollowUps != 5 {
		t.Errorf("Expected five follow-ups, got %d", st.FollowUps)
	}
	if n := len(f.sink.ByAction(audit.ActionFollowUpAsked)); n != 5 {
		t.Errorf("Expected five follow-up records, got %d", n)
	}
}

func TestMedicationQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.seedPatient()

	out, err := f.say(t, "", "How much metformin should I take?")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if out.Tier == nil || *out.Tier != router.Tier2 {
		t.Fatalf("Expected tier2, got %v", out.Tier)
	}
	if out.WithheldDosage {
		t.Error("Expected dosage to be given")
	}
	if !strings.Contains(*out.Response, "500 mg") {
		t.Errorf("Expected prescribed dose quoted, got %q", *out.Response)
	}
}

func TestDosageWithheldWithoutPrescriptions(t *testing.T) {
	f := newFixture(t, nil)
	f.seedPatient()
	f.patients.Fail(health.SectionPrescriptions, errors.New("prescription table offline"))

	out, err := f.say(t, "", "How much metformin should I take?")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if out.Tier == nil || *out.Tier != router.Tier2 {
		t.Fatalf("Expected tier2, got %v", out.Tier)
	}
	if !out.WithheldDosage {
		t.Error("Expected dosage withheld")
	}
	if strings.Contains(*out.Response, "500") {
		t.Errorf("Expected no dosage claim, got %q", *out.Response)
	}
	if len(f.sink.ByAction(audit.ActionDosageWithheld)) != 1 {
		t.Error("Expected withheld dosage to be audited")
	}

	st, _ := f.engine.GetSessionState(out.SessionID)
	if !st.PrescriptionRetryPending {
		t.Fatal("Expected a background prescription refresh")
	}

	f.patients.Fail(health.SectionPrescriptions, nil)
	blockUntil(t, f.clk, 1)
	f.clk.Advance(10 * time.Second)
	waitFor(t, "retry cleared", func() bool {
		st, _ := f.engine.GetSessionState(out.SessionID)
		return !st.PrescriptionRetryPending
	})
}

func TestClassifierOverrunDegrades(t *testing.T) {
	f := newFixture(t, stalledClassifier{})

	out, err := f.engine.SubmitUtterance(context.Background(), Utterance{
		PatientID:       "patient-1",
		Text:            "I have a mild headache",
		CreateIfMissing: true,
	})
	if err != nil {
		t.Fatalf("Expected degraded turn, got %v", err)
	}
	if !out.Degraded {
		t.Error("Expected degraded outcome")
	}
	if out.FollowUpQuestion == nil {
		t.Errorf("Expected a follow-up after low confidence, got %+v", out)
	}
}

func TestSubmitUtteranceErrors(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.say(t, "", "   "); !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("Expected ErrEmptyUtterance, got %v", err)
	}
	if _, err := f.engine.SubmitUtterance(context.Background(), Utterance{Text: "hello"}); !errors.Is(err, ErrPatientMissing) {
		t.Errorf("Expected ErrPatientMissing, got %v", err)
	}
	if _, err := f.engine.SubmitUtterance(context.Background(), Utterance{SessionID: "missing", PatientID: "patient-1", Text: "hello"}); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestOutOfOrderUtterance(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.engine.SubmitUtterance(context.Background(), Utterance{
		PatientID: "patient-1", Text: "not sure", Sequence: 1, CreateIfMissing: true,
	})
	if err != nil {
		t.Fatalf("Expected first turn, got %v", err)
	}

	_, err = f.engine.SubmitUtterance(context.Background(), Utterance{
		SessionID: first.SessionID, PatientID: "patient-1", Text: "still not sure", Sequence: 3,
	})
	if !errors.Is(err, session.ErrOutOfOrder) {
		t.Errorf("Expected ErrOutOfOrder, got %v", err)
	}

	st, _ := f.engine.GetSessionState(first.SessionID)
	if len(st.Turns) != 2 {
		t.Errorf("Expected rejected turn not to be logged, got %d turns", len(st.Turns))
	}
}

func TestClosedSessionRejectsTurns(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.say(t, "", "I have severe chest pain and I am short of breath")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if _, err := f.say(t, out.SessionID, "hello?"); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestAcknowledgeDestroysSession(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.say(t, "", "I have a mild headache")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if err := f.engine.Acknowledge(context.Background(), out.SessionID); err != nil {
		t.Fatalf("Expected acknowledgement, got %v", err)
	}
	if _, err := f.engine.GetSessionState(out.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Expected session gone, got %v", err)
	}
	if len(f.sink.ByAction(audit.ActionSessionClosed)) != 1 {
		t.Error("Expected session close to be audited")
	}
	if err := audit.VerifyChain(f.sink.Entries()); err != nil {
		t.Errorf("Expected intact audit chain, got %v", err)
	}
}

func TestAbortedTurnCanBeResent(t *testing.T) {
	cls := &pausableClassifier{next: classifier.NewKeywordClassifier()}
	f := newFixture(t, cls)

	first, err := f.engine.SubmitUtterance(context.Background(), Utterance{
		PatientID: "patient-1", Text: "not sure", Sequence: 1, CreateIfMissing: true,
	})
	if err != nil {
		t.Fatalf("Expected first turn, got %v", err)
	}

	cls.paused.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.engine.SubmitUtterance(ctx, Utterance{
		SessionID: first.SessionID, PatientID: "patient-1", Text: "I have a mild headache", Sequence: 2,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected aborted turn, got %v", err)
	}

	st, _ := f.engine.GetSessionState(first.SessionID)
	if st.State != session.StateAwaitingInput {
		t.Errorf("Expected awaiting input after abort, got %s", st.State)
	}
	if len(st.Turns) != 2 {
		t.Errorf("Expected aborted turn not to be logged, got %d turns", len(st.Turns))
	}

	cls.paused.Store(false)
	out, err := f.engine.SubmitUtterance(context.Background(), Utterance{
		SessionID: first.SessionID, PatientID: "patient-1", Text: "I have a mild headache", Sequence: 2,
	})
	if err != nil {
		t.Fatalf("Expected resend with the same sequence to succeed, got %v", err)
	}
	if out.Tier == nil || *out.Tier != router.Tier1 {
		t.Errorf("Expected tier1 on resend, got %v", out.Tier)
	}

	st, _ = f.engine.GetSessionState(first.SessionID)
	if len(st.Turns) != 4 {
		t.Errorf("Expected two completed exchanges, got %d turns", len(st.Turns))
	}
}

func TestEscalationSurvivesSessionSweep(t *testing.T) {
	cal := &stalledCalendar{called: make(chan struct{})}
	f := newFixture(t, nil, func(c *escalation.Collaborators) {
		c.Availability = stalledRoster{}
		c.Appointments = cal
	})
	f.seedPatient()

	out, err := f.say(t, "", "I have severe chest pain and I am short of breath")
	if err != nil {
		t.Fatalf("Expected turn, got %v", err)
	}
	if out.EscalationCase == nil {
		t.Fatal("Expected an escalation case")
	}
	id := out.EscalationCase.ID

	f.reg.Sweep(context.Background(), f.clk.Now().Add(time.Hour))
	if _, err := f.reg.Lookup(out.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("Expected session swept, got %v", err)
	}

	// Deadline and availability timeout.
	blockUntil(t, f.clk, 2)
	f.clk.Advance(2 * time.Second)
	<-cal.called
	f.clk.Advance(28 * time.Second)

	var c escalation.Case
	waitFor(t, "fallback", func() bool {
		c, _ = f.coord.Get(id)
		return c.Status == escalation.StatusEmergencyFallback
	})
	f.coord.Wait()

	if c.Path != escalation.PathEmergencyFallback || !c.NotifiedAt.Equal(c.Deadline) {
		t.Errorf("Expected fallback at the deadline, got %s at %v", c.Path, c.NotifiedAt)
	}
	if n := f.notifier.count(notification.KindProviderAlert); n != 1 {
		t.Errorf("Expected one provider alert, got %d", n)
	}
	if n := len(f.sink.ByAction(audit.ActionDeadlineExceeded)); n != 1 {
		t.Errorf("Expected one deadline record, got %d", n)
	}
}

func TestSummaryKeepsWholeRunes(t *testing.T) {
	s := session.New(context.Background(), "s-1", "patient-1", 5, start)
	s.AppendTurn(session.RolePatient, "ok", "sr", session.ModeText, start)
	s.AppendTurn(session.RolePatient, strings.Repeat("бол у грудима ", 60), "sr", session.ModeText, start)

	got := summarize(s, router.Decision{})
	if !utf8.ValidString(got) {
		t.Fatal("Expected valid UTF-8 summary")
	}
	if n := utf8.RuneCountInString(got); n != maxSummaryRunes {
		t.Errorf("Expected %d runes, got %d", maxSummaryRunes, n)
	}
	if !strings.HasSuffix(got, "грудима ") {
		t.Error("Expected the latest text kept")
	}
}

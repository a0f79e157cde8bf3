package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/audit"
	"github.com/careline/triage/internal/notification"
	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/logging"
	"github.com/careline/triage/internal/triage/redflag"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu   sync.Mutex
	sent []*notification.Notification
	// failAlerts rejects that many provider alerts before accepting one.
	failAlerts int
}

func (r *recordingSender) Send(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.Kind == notification.KindProviderAlert && r.failAlerts > 0 {
		r.failAlerts--
		return notification.ErrBufferFull
	}
	cp := *n
	r.sent = append(r.sent, &cp)
	return nil
}

func (r *recordingSender) count(kind notification.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
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

func newStalledCalendar() *stalledCalendar {
	return &stalledCalendar{called: make(chan struct{})}
}

func (s *stalledCalendar) GetSlots(ctx context.Context, _ appointment.SlotQuery) ([]appointment.Slot, error) {
	s.once.Do(func() { close(s.called) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledCalendar) Book(context.Context, appointment.BookingRequest) (*appointment.Appointment, error) {
	return nil, appointment.ErrSlotUnavailable
}

type harness struct {
	co     *Coordinator
	clk    *clockwork.FakeClock
	roster *availability.Roster
	comms  *communication.Recorder
	cal    *appointment.Calendar
	sender *recordingSender
	sink   *audit.MemorySink
}

func newHarness(avail availability.Provider, appts appointment.Provider) *harness {
	h := &harness{
		clk:    clockwork.NewFakeClockAt(start),
		roster: availability.NewRoster(),
		comms:  communication.NewRecorder(),
		cal:    appointment.NewCalendar(),
		sender: &recordingSender{},
		sink:   audit.NewMemorySink(),
	}
	if avail == nil {
		avail = h.roster
	}
	if appts == nil {
		appts = h.cal
	}
	h.co = New(config.EscalationConfig{}, Collaborators{
		Availability:  avail,
		Communication: h.comms,
		Appointments:  appts,
		Notifier:      h.sender,
		Audit:         h.sink,
	}, h.clk, logging.Discard())
	return h
}

func (h *harness) addSlots(providerID string, n int) []appointment.Slot {
	var out []appointment.Slot
	for i := 0; i < n; i++ {
		s := h.cal.AddSlot(appointment.Slot{
			ProviderID: providerID,
			Start:      start.Add(time.Duration(i+1) * time.Hour),
			End:        start.Add(time.Duration(i+1)*time.Hour + 20*time.Minute),
			Kind:       appointment.KindVideo,
		})
		out = append(out, s)
	}
	return out
}

func request(sessionID string) Request {
	return Request{
		SessionID:  sessionID,
		PatientID:  "patient-1",
		ProviderID: "dr-1",
		Findings: []redflag.Finding{
			{Type: "cardiac", Severity: redflag.SeverityCritical, Rationale: "chest pain with shortness of breath", RuleID: "cluster-cardiac"},
		},
		Summary:  "severe chest pain and shortness of breath",
		Language: "en",
		Channel:  communication.ChannelChat,
	}
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

func (h *harness) waitStatus(t *testing.T, id string, status Status) Case {
	t.Helper()
	var c Case
	waitFor(t, "status "+string(status), func() bool {
		c, _ = h.co.Get(id)
		return c.Status == status
	})
	return c
}

func TestDeadlineFallbackWithSlowCollaborators(t *testing.T) {
	cal := newStalledCalendar()
	h := newHarness(stalledRoster{}, cal)

	c, err := h.co.Escalate(context.Background(), request("s-1"))
	if err != nil {
		t.Fatalf("Expected escalation, got %v", err)
	}
	if c.Deadline != start.Add(30*time.Second) {
		t.Errorf("Expected deadline 30s after determination, got %v", c.Deadline)
	}

	// Deadline and availability timeout armed.
	blockUntil(t, h.clk, 2)
	h.clk.Advance(2 * time.Second)
	<-cal.called

	h.clk.Advance(28 * time.Second)
	got := h.waitStatus(t, c.ID, StatusEmergencyFallback)
	h.co.Wait()

	if got.Path != PathEmergencyFallback {
		t.Errorf("Expected emergency fallback, got %s", got.Path)
	}
	if got.NotifiedAt == nil || got.NotifiedAt.After(got.Deadline) {
		t.Errorf("Expected notification by the deadline, got %v", got.NotifiedAt)
	}
	if !strings.Contains(got.Guidance, "112") {
		t.Errorf("Expected emergency number in guidance, got %q", got.Guidance)
	}
	if got.Availability == nil || got.Availability.Available {
		t.Errorf("Expected timed-out availability to read as unavailable, got %+v", got.Availability)
	}
	if n := len(h.sink.ByAction(audit.ActionDeadlineExceeded)); n != 1 {
		t.Errorf("Expected one deadline record, got %d", n)
	}
	if n := h.sender.count(notification.KindProviderAlert); n != 1 {
		t.Errorf("Expected one provider alert, got %d", n)
	}
}

func TestDeadlineRunsFromDetermination(t *testing.T) {
	h := newHarness(stalledRoster{}, newStalledCalendar())

	req := request("s-1")
	req.DeterminedAt = start.Add(-10 * time.Second)
	c, _ := h.co.Escalate(context.Background(), req)

	blockUntil(t, h.clk, 2)
	h.clk.Advance(20 * time.Second)
	got := h.waitStatus(t, c.ID, StatusEmergencyFallback)
	h.co.Wait()

	if !got.NotifiedAt.Equal(req.DeterminedAt.Add(30 * time.Second)) {
		t.Errorf("Expected fallback 30s after determination, got %v", got.NotifiedAt)
	}
}

func TestUnavailableProviderGetsAppointment(t *testing.T) {
	h := newHarness(nil, nil)
	h.roster.Set("dr-1", availability.StatusBusy, nil)
	slots := h.addSlots("dr-1", 2)

	c, _ := h.co.Escalate(context.Background(), request("s-1"))
	got := h.waitStatus(t, c.ID, StatusAppointmentOffered)
	h.co.Wait()

	if got.Path != PathScheduledAppointment || len(got.Slots) != 2 {
		t.Fatalf("Expected two offered slots, got %+v", got)
	}
	if got.Slots[0].ID != slots[0].ID {
		t.Errorf("Expected earliest slot first, got %s", got.Slots[0].ID)
	}

	if _, err := h.co.BookSlot(context.Background(), c.ID, "not-offered"); !errors.Is(err, appointment.ErrSlotUnavailable) {
		t.Errorf("Expected ErrSlotUnavailable, got %v", err)
	}

	booked, err := h.co.BookSlot(context.Background(), c.ID, slots[0].ID)
	if err != nil {
		t.Fatalf("Expected booking, got %v", err)
	}
	if booked.Status != StatusAppointmentBooked || booked.Appointment == nil {
		t.Fatalf("Expected booked appointment, got %+v", booked)
	}
	if !booked.Appointment.Urgent || booked.Appointment.CaseID != c.ID {
		t.Errorf("Expected urgent booking linked to case, got %+v", booked.Appointment)
	}

	records := h.sink.ByAction(audit.ActionAppointmentBooked)
	if len(records) != 1 || records[0].Details["appointment_id"] != booked.Appointment.ID {
		t.Errorf("Expected one confirmation record, got %+v", records)
	}
	if n := h.sender.count(notification.KindPatientNotice); n != 2 {
		t.Errorf("Expected offer and confirmation notices, got %d", n)
	}

	if _, err := h.co.BookSlot(context.Background(), c.ID, slots[1].ID); !errors.Is(err, ErrNotOffered) {
		t.Errorf("Expected ErrNotOffered after booking, got %v", err)
	}
}

func TestAlertAndAuditExactlyOnce(t *testing.T) {
	h := newHarness(nil, nil)
	h.addSlots("dr-1", 1)

	first, _ := h.co.Escalate(context.Background(), request("s-1"))
	second, _ := h.co.Escalate(context.Background(), request("s-1"))
	if first.ID != second.ID {
		t.Errorf("Expected the same case, got %s and %s", first.ID, second.ID)
	}
	h.waitStatus(t, first.ID, StatusAppointmentOffered)
	h.co.Wait()

	if n := h.sender.count(notification.KindProviderAlert); n != 1 {
		t.Errorf("Expected one provider alert, got %d", n)
	}
	for _, action := range []string{audit.ActionEscalationStarted, audit.ActionProviderAlerted} {
		if n := len(h.sink.ByAction(action)); n != 1 {
			t.Errorf("Expected one %s record, got %d", action, n)
		}
	}
	if err := audit.VerifyChain(h.sink.Entries()); err != nil {
		t.Errorf("Expected intact audit chain, got %v", err)
	}
}

func TestHandoffAccepted(t *testing.T) {
	h := newHarness(nil, nil)
	h.roster.Set("dr-1", availability.StatusAvailable, nil)

	req := request("s-1")
	req.Channel = communication.ChannelVoice
	c, _ := h.co.Escalate(context.Background(), req)
	h.waitStatus(t, c.ID, StatusHandoffOffered)

	if err := h.co.AcceptHandoff(c.ID); err != nil {
		t.Fatalf("Expected acceptance, got %v", err)
	}
	got := h.waitStatus(t, c.ID, StatusHandoffActive)
	h.co.Wait()

	if got.Path != PathImmediateContact || got.Handoff == nil || got.Handoff.Channel != communication.ChannelVoice {
		t.Errorf("Expected voice hand-off, got %+v", got)
	}
	handoffs := h.comms.Handoffs()
	if len(handoffs) != 1 || handoffs[0].Context.CaseID != c.ID {
		t.Fatalf("Expected one hand-off for the case, got %+v", handoffs)
	}
	if len(handoffs[0].Context.RedFlags) != 1 {
		t.Errorf("Expected red flags passed to provider, got %v", handoffs[0].Context.RedFlags)
	}
	if err := h.co.AcceptHandoff(c.ID); !errors.Is(err, ErrNotOffered) {
		t.Errorf("Expected ErrNotOffered, got %v", err)
	}
}

func TestHandoffFallsThroughToAppointments(t *testing.T) {
	tests := []struct {
		name   string
		act    func(t *testing.T, h *harness, id string)
		reason string
	}{
		{
			name: "declined",
			act: func(t *testing.T, h *harness, id string) {
				_ = h.co.DeclineHandoff(id)
			},
			reason: "declined",
		},
		{
			name: "window elapsed",
			act: func(t *testing.T, h *harness, _ string) {
				// deadline, stale availability timer, offer window
				blockUntil(t, h.clk, 3)
				h.clk.Advance(15 * time.Second)
			},
			reason: "timeout",
		},
		{
			name: "start failed",
			act: func(t *testing.T, h *harness, id string) {
				h.comms.Fail(errors.New("switchboard down"))
				_ = h.co.AcceptHandoff(id)
			},
			reason: "start_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil, nil)
			h.roster.Set("dr-1", availability.StatusAvailable, nil)
			h.addSlots("dr-1", 1)

			c, _ := h.co.Escalate(context.Background(), request("s-1"))
			h.waitStatus(t, c.ID, StatusHandoffOffered)
			tt.act(t, h, c.ID)

			got := h.waitStatus(t, c.ID, StatusAppointmentOffered)
			h.co.Wait()

			if got.Path != PathScheduledAppointment {
				t.Errorf("Expected appointment path, got %s", got.Path)
			}
			failed := h.sink.ByAction(audit.ActionHandoffFailed)
			if len(failed) != 1 || failed[0].Details["reason"] != tt.reason {
				t.Errorf("Expected hand-off failure %q, got %+v", tt.reason, failed)
			}
		})
	}
}

func TestNoSlotsFallsBackImmediately(t *testing.T) {
	h := newHarness(nil, nil)

	c, _ := h.co.Escalate(context.Background(), request("s-1"))
	got := h.waitStatus(t, c.ID, StatusEmergencyFallback)
	h.co.Wait()

	if !got.NotifiedAt.Equal(start) {
		t.Errorf("Expected immediate notification, got %v", got.NotifiedAt)
	}
	if n := len(h.sink.ByAction(audit.ActionDeadlineExceeded)); n != 0 {
		t.Errorf("Expected no deadline incident, got %d", n)
	}
	if n := len(h.sink.ByAction(audit.ActionEmergencyFallback)); n != 1 {
		t.Errorf("Expected one fallback record, got %d", n)
	}
}

func TestAcknowledge(t *testing.T) {
	h := newHarness(stalledRoster{}, newStalledCalendar())

	if err := h.co.Acknowledge("missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Expected ErrCaseNotFound, got %v", err)
	}

	c, _ := h.co.Escalate(context.Background(), request("s-1"))
	if err := h.co.Acknowledge(c.ID); !errors.Is(err, ErrCaseOpen) {
		t.Errorf("Expected ErrCaseOpen, got %v", err)
	}
	if active := h.co.Active(); len(active) != 1 {
		t.Errorf("Expected one active case, got %d", len(active))
	}

	blockUntil(t, h.clk, 2)
	h.clk.Advance(30 * time.Second)
	h.waitStatus(t, c.ID, StatusEmergencyFallback)
	h.co.Wait()

	if err := h.co.Acknowledge(c.ID); err != nil {
		t.Fatalf("Expected acknowledgement, got %v", err)
	}
	if _, err := h.co.Get(c.ID); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Expected case removed, got %v", err)
	}
	if _, err := h.co.BySession("s-1"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("Expected session index cleared, got %v", err)
	}
}

func TestProviderAlertRetriedOnOutcome(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		act   func(t *testing.T, h *harness, id string)
		path  Path
	}{
		{
			name: "scheduled appointment",
			setup: func(h *harness) {
				h.roster.Set("dr-1", availability.StatusBusy, nil)
				h.addSlots("dr-1", 1)
			},
			path: PathScheduledAppointment,
		},
		{
			name: "immediate contact",
			setup: func(h *harness) {
				h.roster.Set("dr-1", availability.StatusAvailable, nil)
			},
			act: func(t *testing.T, h *harness, id string) {
				h.waitStatus(t, id, StatusHandoffOffered)
				if err := h.co.AcceptHandoff(id); err != nil {
					t.Fatalf("Expected acceptance, got %v", err)
				}
			},
			path: PathImmediateContact,
		},
		{
			name:  "emergency fallback",
			setup: func(h *harness) {},
			path:  PathEmergencyFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil, nil)
			h.sender.failAlerts = 1
			tt.setup(h)

			c, _ := h.co.Escalate(context.Background(), request("s-1"))
			if tt.act != nil {
				tt.act(t, h, c.ID)
			}

			var got Case
			waitFor(t, "notification", func() bool {
				got, _ = h.co.Get(c.ID)
				return got.Notified()
			})
			h.co.Wait()
			got, _ = h.co.Get(c.ID)

			if got.Path != tt.path {
				t.Errorf("Expected path %s, got %s", tt.path, got.Path)
			}
			if got.ProviderAlertedAt == nil {
				t.Error("Expected provider alerted once the patient was notified")
			}
			if n := h.sender.count(notification.KindProviderAlert); n != 1 {
				t.Errorf("Expected one delivered provider alert, got %d", n)
			}
			if n := len(h.sink.ByAction(audit.ActionProviderAlerted)); n != 1 {
				t.Errorf("Expected one alert record, got %d", n)
			}
			if h.sender.failAlerts != 0 {
				t.Error("Expected the opening alert to have been refused")
			}
		})
	}
}

func TestEscalationOutlivesCallerContext(t *testing.T) {
	cal := newStalledCalendar()
	h := newHarness(stalledRoster{}, cal)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := h.co.Escalate(ctx, request("s-1"))
	cancel()
	if err != nil {
		t.Fatalf("Expected escalation, got %v", err)
	}

	blockUntil(t, h.clk, 2)
	h.clk.Advance(2 * time.Second)
	<-cal.called
	h.clk.Advance(28 * time.Second)
	got := h.waitStatus(t, c.ID, StatusEmergencyFallback)
	h.co.Wait()

	if got.Path != PathEmergencyFallback || !got.NotifiedAt.Equal(got.Deadline) {
		t.Errorf("Expected fallback at the deadline, got %s at %v", got.Path, got.NotifiedAt)
	}
	if n := h.sender.count(notification.KindProviderAlert); n != 1 {
		t.Errorf("Expected one provider alert, got %d", n)
	}
	if n := len(h.sink.ByAction(audit.ActionDeadlineExceeded)); n != 1 {
		t.Errorf("Expected one deadline record, got %d", n)
	}
}

func TestHandoffAnswerAtWindowClose(t *testing.T) {
	// The answer and the window timer race; whichever wins, an accepted
	// answer must lead to a hand-off and a refused one to appointments.
	for i := 0; i < 25; i++ {
		h := newHarness(nil, nil)
		h.roster.Set("dr-1", availability.StatusAvailable, nil)
		h.addSlots("dr-1", 1)

		c, _ := h.co.Escalate(context.Background(), request("s-1"))
		h.waitStatus(t, c.ID, StatusHandoffOffered)
		blockUntil(t, h.clk, 3)

		h.clk.Advance(15 * time.Second)
		err := h.co.AcceptHandoff(c.ID)

		var got Case
		waitFor(t, "outcome", func() bool {
			got, _ = h.co.Get(c.ID)
			return got.Notified()
		})
		h.co.Wait()

		switch {
		case err == nil && got.Path != PathImmediateContact:
			t.Fatalf("run %d: Expected accepted hand-off to connect, got %s", i, got.Path)
		case errors.Is(err, ErrNotOffered) && got.Path != PathScheduledAppointment:
			t.Fatalf("run %d: Expected refused answer to lead to appointments, got %s", i, got.Path)
		case err != nil && !errors.Is(err, ErrNotOffered):
			t.Fatalf("run %d: Unexpected error %v", i, err)
		}
	}
}

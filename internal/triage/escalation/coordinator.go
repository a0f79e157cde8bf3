// Package escalation drives Tier 3 cases to a patient notification within a
// single deadline measured from the moment Tier 3 was determined.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/audit"
	"github.com/careline/triage/internal/notification"
	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/logging"
	"github.com/careline/triage/internal/shared/metrics"
	"github.com/careline/triage/internal/triage/redflag"
)

const maxOfferedSlots = 5

// Notifier queues a notification without waiting for delivery.
type Notifier interface {
	Send(ctx context.Context, n *notification.Notification) error
}

// Collaborators are the external systems a case talks to.
type Collaborators struct {
	Availability  availability.Provider
	Communication communication.Provider
	Appointments  appointment.Provider
	Notifier      Notifier
	Audit         audit.Sink
}

// Coordinator owns every escalation case.
type Coordinator struct {
	collab Collaborators
	config config.EscalationConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	cases     map[string]*activeCase
	bySession map[string]string

	wg sync.WaitGroup
}

type activeCase struct {
	c        Case
	summary  string
	language string
	channel  communication.Channel

	decision chan bool
	answered bool
	booking  bool
	cancel   context.CancelFunc
}

// DefaultConfig returns the production timings.
func DefaultConfig() config.EscalationConfig {
	return config.EscalationConfig{
		Deadline:            30 * time.Second,
		AvailabilityTimeout: 2 * time.Second,
		HandoffWindow:       15 * time.Second,
		AppointmentReserve:  5 * time.Second,
		SlotLookahead:       48 * time.Hour,
		EmergencyNumber:     "112",
	}
}

// New creates a coordinator. Zero timings take their defaults.
func New(cfg config.EscalationConfig, collab Collaborators, clk clockwork.Clock, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = def.AvailabilityTimeout
	}
	if cfg.HandoffWindow <= 0 {
		cfg.HandoffWindow = def.HandoffWindow
	}
	if cfg.AppointmentReserve < 0 {
		cfg.AppointmentReserve = 0
	}
	if cfg.SlotLookahead <= 0 {
		cfg.SlotLookahead = def.SlotLookahead
	}
	if cfg.EmergencyNumber == "" {
		cfg.EmergencyNumber = def.EmergencyNumber
	}
	return &Coordinator{
		collab:    collab,
		config:    cfg,
		clock:     clk,
		logger:    logger,
		cases:     make(map[string]*activeCase),
		bySession: make(map[string]string),
	}
}

// Escalate opens the case for a session and starts its workflow. It runs at
// most once per session: later calls return the existing case. The workflow
// is detached from ctx so abandoning the session cannot stop it.
func (co *Coordinator) Escalate(ctx context.Context, req Request) (Case, error) {
	now := co.clock.Now()
	determined := req.DeterminedAt
	if determined.IsZero() || determined.After(now) {
		determined = now
	}

	co.mu.Lock()
	if id, ok := co.bySession[req.SessionID]; ok {
		if ac, ok := co.cases[id]; ok {
			c := ac.c.clone()
			co.mu.Unlock()
			return c, nil
		}
	}

	c := Case{
		ID:         caseID(req.SessionID),
		SessionID:  req.SessionID,
		PatientID:  req.PatientID,
		ProviderID: req.ProviderID,
		Status:     StatusCheckingAvailability,
		Findings:   slices.Clone(req.Findings),
		CreatedAt:  determined,
		Deadline:   determined.Add(co.config.Deadline),
		Guidance:   guidanceChecking,
	}
	c.AlertID = alertID(&c)

	base := context.WithoutCancel(ctx)
	wctx, cancel := context.WithCancel(base)
	ac := &activeCase{
		c:        c,
		summary:  req.Summary,
		language: req.Language,
		channel:  req.Channel,
		decision: make(chan bool, 1),
		cancel:   cancel,
	}
	co.cases[c.ID] = ac
	co.bySession[req.SessionID] = c.ID
	co.mu.Unlock()

	co.logger.WarnContext(ctx, "escalation started",
		"case_id", c.ID,
		"session_id", c.SessionID,
		"patient_id", c.PatientID,
		"provider_id", c.ProviderID,
		"findings", len(c.Findings),
	)
	co.record(base, ac, audit.ActionEscalationStarted,
		"deadline", c.Deadline,
		"findings", findingTypes(c.Findings),
	)
	co.alert(base, ac)

	co.wg.Add(1)
	go co.run(base, wctx, ac, c.Deadline.Sub(now))

	return co.snapshot(ac), nil
}

// run races the workflow against the deadline.
func (co *Coordinator) run(base, wctx context.Context, ac *activeCase, budget time.Duration) {
	defer co.wg.Done()
	defer ac.cancel()

	deadline := co.clock.After(budget)
	done := make(chan struct{})
	go func() {
		defer close(done)
		co.workflow(base, wctx, ac)
	}()

	select {
	case <-done:
	case <-deadline:
		ac.cancel()
		co.fallback(base, ac, "deadline", ErrDeadlineExceeded)
		<-done
	}
}

func (co *Coordinator) workflow(base, ctx context.Context, ac *activeCase) {
	avail := co.checkAvailability(ctx, ac)
	if ctx.Err() != nil {
		return
	}
	co.mu.Lock()
	ac.c.Availability = &avail
	co.mu.Unlock()
	co.record(base, ac, audit.ActionAvailabilityResult,
		"available", avail.Available,
		"status", string(avail.Status),
	)

	if avail.Available {
		if co.offerHandoff(base, ctx, ac) || ctx.Err() != nil {
			return
		}
	}
	co.offerAppointment(base, ctx, ac)
}

// checkAvailability asks the roster, treating an error or a late answer as
// unavailable.
func (co *Coordinator) checkAvailability(ctx context.Context, ac *activeCase) availability.Availability {
	providerID := ac.c.ProviderID
	if providerID == "" {
		return availability.Unavailable(providerID, co.clock.Now())
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		a   availability.Availability
		err error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := co.collab.Availability.CheckAvailability(cctx, providerID)
		ch <- result{a, err}
	}()

	var err error
	select {
	case r := <-ch:
		if r.err == nil {
			return r.a
		}
		err = r.err
	case <-co.clock.After(co.config.AvailabilityTimeout):
		err = fmt.Errorf("no answer within %s", co.config.AvailabilityTimeout)
	case <-ctx.Done():
		return availability.Unavailable(providerID, co.clock.Now())
	}

	co.logger.WarnContext(ctx, "treating provider as unavailable",
		"case_id", ac.c.ID,
		"provider_id", providerID,
		"error", fmt.Errorf("%w: %w", ErrProviderUnavailable, err),
	)
	return availability.Unavailable(providerID, co.clock.Now())
}

// offerHandoff offers a live hand-off and waits for the patient. The wait
// leaves the appointment reserve of the deadline budget untouched. It
// reports whether the patient was connected.
func (co *Coordinator) offerHandoff(base, ctx context.Context, ac *activeCase) bool {
	window := co.config.HandoffWindow
	if remaining := ac.c.Deadline.Sub(co.clock.Now()) - co.config.AppointmentReserve; remaining < window {
		window = remaining
	}
	if window <= 0 {
		co.record(base, ac, audit.ActionHandoffFailed, "reason", "no_budget")
		return false
	}

	co.mu.Lock()
	ac.c.Status = StatusHandoffOffered
	ac.c.Guidance = guidanceHandoff
	co.mu.Unlock()
	co.record(base, ac, audit.ActionHandoffOffered, "window", window.String())

	var accepted bool
	select {
	case accepted = <-ac.decision:
	case <-co.clock.After(window):
		// Close the offer under the lock. An answer that got in first is
		// already buffered and still counts.
		if !co.closeOffer(ac) {
			co.record(base, ac, audit.ActionHandoffFailed, "reason", "timeout")
			return false
		}
		accepted = <-ac.decision
	case <-ctx.Done():
		co.closeOffer(ac)
		return false
	}

	if !accepted {
		co.record(base, ac, audit.ActionHandoffFailed, "reason", "declined")
		return false
	}
	return co.startHandoff(base, ctx, ac)
}

// closeOffer stops further answers to the hand-off offer and reports whether
// the patient had already answered.
func (co *Coordinator) closeOffer(ac *activeCase) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	answered := ac.answered
	ac.answered = true
	return answered
}

func (co *Coordinator) startHandoff(base, ctx context.Context, ac *activeCase) bool {
	hc := communication.HandoffContext{
		CaseID:    ac.c.ID,
		SessionID: ac.c.SessionID,
		Language:  ac.language,
		Summary:   ac.summary,
		RedFlags:  findingTypes(ac.c.Findings),
	}
	h, err := communication.Start(ctx, co.collab.Communication, ac.channel, ac.c.PatientID, ac.c.ProviderID, hc)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		err = fmt.Errorf("%w: %w", ErrHandoffFailure, err)
		co.logger.WarnContext(ctx, "hand-off failed, offering appointments",
			"case_id", ac.c.ID,
			"error", err,
		)
		co.record(base, ac, audit.ActionHandoffFailed, "reason", "start_failed", "error", err.Error())
		return false
	}

	if co.notify(base, ac, PathImmediateContact, StatusHandoffActive, guidanceConnected, func(c *Case) { c.Handoff = &h }) {
		co.record(base, ac, audit.ActionHandoffAccepted,
			"handle_id", h.ID,
			"channel", string(h.Channel),
		)
	}
	return true
}

func (co *Coordinator) offerAppointment(base, ctx context.Context, ac *activeCase) {
	now := co.clock.Now()
	slots, err := co.collab.Appointments.GetSlots(ctx, appointment.SlotQuery{
		ProviderID: ac.c.ProviderID,
		PatientID:  ac.c.PatientID,
		From:       now,
		To:         now.Add(co.config.SlotLookahead),
		Kinds:      []appointment.Kind{appointment.KindInPerson, appointment.KindVideo},
		Urgent:     true,
		Limit:      maxOfferedSlots,
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil || len(slots) == 0 {
		co.logger.WarnContext(ctx, "no appointment to offer",
			"case_id", ac.c.ID,
			"slots", len(slots),
			"error", err,
		)
		co.fallback(base, ac, "no_slots", err)
		return
	}

	if co.notify(base, ac, PathScheduledAppointment, StatusAppointmentOffered, guidanceAppointment, func(c *Case) { c.Slots = slots }) {
		co.record(base, ac, audit.ActionAppointmentOffered, "slots", len(slots))
	}
}

// fallback gives the patient emergency-contact guidance.
func (co *Coordinator) fallback(ctx context.Context, ac *activeCase, reason string, cause error) {
	guidance := fmt.Sprintf(guidanceEmergency, co.config.EmergencyNumber)
	if !co.notify(ctx, ac, PathEmergencyFallback, StatusEmergencyFallback, guidance, nil) {
		return
	}

	if errors.Is(cause, ErrDeadlineExceeded) {
		metrics.RecordDeadlineExceeded()
		logging.Incident(co.logger, "escalation deadline exceeded",
			"case_id", ac.c.ID,
			"session_id", ac.c.SessionID,
			"error", cause,
		)
		co.record(ctx, ac, audit.ActionDeadlineExceeded, "deadline", ac.c.Deadline)
	}
	co.record(ctx, ac, audit.ActionEmergencyFallback, "reason", reason)
}

// notify moves the case to the outcome the patient is told about. Only the
// first outcome wins. Every outcome also retries a provider alert that could
// not be queued when the case opened.
func (co *Coordinator) notify(ctx context.Context, ac *activeCase, path Path, status Status, guidance string, apply func(*Case)) bool {
	now := co.clock.Now()

	co.mu.Lock()
	if ac.c.Notified() {
		co.mu.Unlock()
		return false
	}
	if apply != nil {
		apply(&ac.c)
	}
	ac.c.Path = path
	ac.c.Status = status
	ac.c.Guidance = guidance
	ac.c.NotifiedAt = &now
	notice := patientNotice(&ac.c, "outcome", "Update from your care team")
	elapsed := now.Sub(ac.c.CreatedAt)
	co.mu.Unlock()

	metrics.RecordEscalation(string(path), elapsed)
	co.logger.InfoContext(ctx, "patient notified",
		"case_id", ac.c.ID,
		"path", path,
		"elapsed", elapsed,
	)
	if err := co.collab.Notifier.Send(ctx, notice); err != nil {
		co.logger.WarnContext(ctx, "patient notice not queued", "case_id", ac.c.ID, "error", err)
	}
	co.alert(ctx, ac)
	return true
}

// alert queues the provider alert unless it already went out. The alert ID
// is derived from the case so a repeated send is dropped downstream.
func (co *Coordinator) alert(ctx context.Context, ac *activeCase) {
	co.mu.RLock()
	if ac.c.ProviderAlertedAt != nil {
		co.mu.RUnlock()
		return
	}
	n := providerAlert(&ac.c, ac.summary)
	co.mu.RUnlock()

	if err := co.collab.Notifier.Send(ctx, n); err != nil {
		co.logger.ErrorContext(ctx, "provider alert not queued",
			"case_id", ac.c.ID,
			"alert_id", n.ID,
			"error", err,
		)
		return
	}

	now := co.clock.Now()
	co.mu.Lock()
	first := ac.c.ProviderAlertedAt == nil
	if first {
		ac.c.ProviderAlertedAt = &now
	}
	co.mu.Unlock()
	if first {
		co.record(ctx, ac, audit.ActionProviderAlerted,
			"alert_id", n.ID,
			"recipient_id", n.RecipientID,
			"priority", string(n.Priority),
		)
	}
}

// AcceptHandoff records the patient's acceptance of an open hand-off offer.
func (co *Coordinator) AcceptHandoff(caseID string) error {
	return co.answer(caseID, true)
}

// DeclineHandoff records the patient's refusal; the case moves on to
// appointments.
func (co *Coordinator) DeclineHandoff(caseID string) error {
	return co.answer(caseID, false)
}

func (co *Coordinator) answer(caseID string, accept bool) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	ac, ok := co.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if ac.c.Status != StatusHandoffOffered || ac.answered {
		return ErrNotOffered
	}
	ac.answered = true
	ac.decision <- accept
	return nil
}

// BookSlot books one of the offered slots and writes the confirmation
// record.
func (co *Coordinator) BookSlot(ctx context.Context, caseID, slotID string) (Case, error) {
	co.mu.Lock()
	ac, ok := co.cases[caseID]
	if !ok {
		co.mu.Unlock()
		return Case{}, ErrCaseNotFound
	}
	if ac.c.Status != StatusAppointmentOffered || ac.booking {
		co.mu.Unlock()
		return Case{}, ErrNotOffered
	}
	idx := slices.IndexFunc(ac.c.Slots, func(s appointment.Slot) bool { return s.ID == slotID })
	if idx < 0 {
		co.mu.Unlock()
		return Case{}, fmt.Errorf("slot %s was not offered: %w", slotID, appointment.ErrSlotUnavailable)
	}
	ac.booking = true
	req := appointment.BookingRequest{
		SlotID:     slotID,
		PatientID:  ac.c.PatientID,
		ProviderID: ac.c.Slots[idx].ProviderID,
		CaseID:     ac.c.ID,
		Urgent:     true,
		Reason:     "urgent escalation",
	}
	co.mu.Unlock()

	appt, err := co.collab.Appointments.Book(ctx, req)

	co.mu.Lock()
	ac.booking = false
	if err != nil {
		co.mu.Unlock()
		return Case{}, fmt.Errorf("failed to book slot %s: %w", slotID, err)
	}
	ac.c.Appointment = appt
	ac.c.Status = StatusAppointmentBooked
	ac.c.Guidance = fmt.Sprintf(guidanceBooked, appt.Slot.Start.Format("Mon 2 Jan 15:04"))
	notice := patientNotice(&ac.c, "booking", "Appointment confirmed")
	snap := ac.c.clone()
	co.mu.Unlock()

	base := context.WithoutCancel(ctx)
	co.record(base, ac, audit.ActionAppointmentBooked,
		"appointment_id", appt.ID,
		"slot_id", appt.Slot.ID,
		"provider_id", appt.Slot.ProviderID,
		"start", appt.Slot.Start,
	)
	if err := co.collab.Notifier.Send(base, notice); err != nil {
		co.logger.WarnContext(ctx, "booking confirmation not queued", "case_id", caseID, "error", err)
	}
	return snap, nil
}

// Get returns a copy of the case.
func (co *Coordinator) Get(caseID string) (Case, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	ac, ok := co.cases[caseID]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return ac.c.clone(), nil
}

// BySession returns the case opened for a session.
func (co *Coordinator) BySession(sessionID string) (Case, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	ac, ok := co.cases[co.bySession[sessionID]]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return ac.c.clone(), nil
}

// Active returns every case not yet acknowledged, oldest first.
func (co *Coordinator) Active() []Case {
	co.mu.RLock()
	defer co.mu.RUnlock()

	result := make([]Case, 0, len(co.cases))
	for _, ac := range co.cases {
		result = append(result, ac.c.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Acknowledge closes a case the patient has been notified about.
func (co *Coordinator) Acknowledge(caseID string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	ac, ok := co.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if !ac.c.Notified() {
		return ErrCaseOpen
	}
	delete(co.cases, caseID)
	delete(co.bySession, ac.c.SessionID)
	return nil
}

// Wait blocks until every running workflow has finished.
func (co *Coordinator) Wait() {
	co.wg.Wait()
}

func (co *Coordinator) snapshot(ac *activeCase) Case {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return ac.c.clone()
}

func (co *Coordinator) record(ctx context.Context, ac *activeCase, action string, kv ...any) {
	e := audit.NewEntry(co.clock.Now(), audit.ActorSystem, "escalation", action).
		ForSession(ac.c.SessionID, ac.c.PatientID).
		ForCase(ac.c.ID)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e.With(k, kv[i+1])
		}
	}
	if err := co.collab.Audit.Record(ctx, e); err != nil {
		co.logger.ErrorContext(ctx, "audit append failed", "action", action, "case_id", ac.c.ID, "error", err)
	}
}

func findingTypes(findings []redflag.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Type)
	}
	return out
}

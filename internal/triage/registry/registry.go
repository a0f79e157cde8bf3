// Package registry owns the lifetime of conversation sessions. It is the only
// shared mutable structure of the engine: each session is guarded by its own
// lock so different sessions proceed in parallel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careline/triage/internal/shared/metrics"
	"github.com/careline/triage/internal/shared/types"
	"github.com/careline/triage/internal/triage/router"
	"github.com/careline/triage/internal/triage/session"
)

// ErrSessionConflict is returned when a session ID belongs to a different
// patient, or a patient already has another active session.
var ErrSessionConflict = errors.New("session conflict")

// Config holds registry settings.
type Config struct {
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	FollowUpCap    int
}

type entry struct {
	sess *session.Session
	// lock is a one-slot semaphore; holding the slot grants exclusive
	// access to sess.
	lock chan struct{}
	// view is the snapshot published on the last release.
	view     session.View
	lastSeen time.Time
	removed  bool
}

// Registry maps session IDs to sessions, with one active session per
// patient.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	byPatient map[string]string

	config    Config
	clock     clockwork.Clock
	logger    *slog.Logger
	base      context.Context
	onAbandon func(session.View)
}

// New creates a registry. Session contexts derive from base, so cancelling
// base aborts every in-flight turn. A zero follow-up cap takes the router's
// default so both sides agree on when the cap is reached.
func New(base context.Context, cfg Config, clk clockwork.Clock, logger *slog.Logger) *Registry {
	if cfg.FollowUpCap <= 0 {
		cfg.FollowUpCap = router.DefaultConfig().FollowUpCap
	}
	return &Registry{
		entries:   make(map[string]*entry),
		byPatient: make(map[string]string),
		config:    cfg,
		clock:     clk,
		logger:    logger,
		base:      base,
	}
}

// OnAbandon registers a callback invoked for every session the sweep
// abandons.
func (r *Registry) OnAbandon(fn func(session.View)) {
	r.onAbandon = fn
}

// Handle is exclusive access to one session. Release must be called exactly
// once.
type Handle struct {
	Session *session.Session
	Created bool

	r        *Registry
	e        *entry
	released bool
}

// Release publishes the session's snapshot and frees the lock.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true

	view := h.Session.Snapshot()
	h.r.mu.Lock()
	h.e.view = view
	h.e.lastSeen = view.LastActivity
	h.r.mu.Unlock()

	<-h.e.lock
}

// Open returns exclusive access to the session for sessionID, or to the
// patient's active session when sessionID is empty. With create set a
// missing session is created; otherwise ErrSessionNotFound is returned. A
// terminal session still held for acknowledgement is replaced when a new
// one is created for its patient.
func (r *Registry) Open(ctx context.Context, sessionID, patientID string, create bool) (*Handle, error) {
	r.mu.Lock()
	implicit := sessionID == ""
	if implicit {
		sessionID = r.byPatient[patientID]
	}

	e, ok := r.entries[sessionID]
	if ok && e.sess.PatientID != patientID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s belongs to another patient", ErrSessionConflict, sessionID)
	}
	// A patient writing without a session ID after the previous one ended
	// starts over.
	if ok && implicit && create && e.view.State == session.StateTerminal {
		ok = false
		sessionID = ""
	}

	created := false
	if !ok {
		if !create {
			r.mu.Unlock()
			return nil, session.ErrSessionNotFound
		}
		if cur, exists := r.entries[r.byPatient[patientID]]; exists {
			if cur.view.State != session.StateTerminal {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: patient already has active session %s", ErrSessionConflict, cur.sess.ID)
			}
			r.removeLocked(cur)
		}
		if sessionID == "" {
			sessionID = types.NewID().String()
		}
		e = r.newEntryLocked(sessionID, patientID)
		created = true
	}
	r.mu.Unlock()

	h, err := r.acquire(ctx, e)
	if err != nil {
		return nil, err
	}
	h.Created = created
	return h, nil
}

func (r *Registry) newEntryLocked(id, patientID string) *entry {
	now := r.clock.Now()
	s := session.New(r.base, id, patientID, r.config.FollowUpCap, now)
	e := &entry{
		sess:     s,
		lock:     make(chan struct{}, 1),
		view:     s.Snapshot(),
		lastSeen: now,
	}
	r.entries[id] = e
	r.byPatient[patientID] = id
	metrics.SetActiveSessions(len(r.entries))
	return e
}

// Acquire returns exclusive access to an existing session.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return r.acquire(ctx, e)
}

func (r *Registry) acquire(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	removed := e.removed
	if !removed {
		e.lastSeen = r.clock.Now()
	}
	r.mu.Unlock()
	if removed {
		<-e.lock
		return nil, session.ErrSessionNotFound
	}
	return &Handle{Session: e.sess, r: r, e: e}, nil
}

// Lookup returns the snapshot published by the last completed turn. It
// never waits for an in-flight turn.
func (r *Registry) Lookup(sessionID string) (session.View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return session.View{}, session.ErrSessionNotFound
	}
	return e.view, nil
}

// Remove deletes a session. The caller must hold its handle or know the
// session is idle.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		r.removeLocked(e)
	}
}

func (r *Registry) removeLocked(e *entry) {
	e.removed = true
	delete(r.entries, e.sess.ID)
	if r.byPatient[e.sess.PatientID] == e.sess.ID {
		delete(r.byPatient, e.sess.PatientID)
	}
	metrics.SetActiveSessions(len(r.entries))
}

// Len returns the number of held sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep abandons and removes every session idle for at least the session
// timeout. Acquiring a session refreshes its activity, so an idle session
// can only be held by a hung turn; its context is cancelled first to make
// that turn release the lock. Escalation cases are not owned here and keep
// running.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []session.View {
	r.mu.Lock()
	var idle []*entry
	for _, e := range r.entries {
		if now.Sub(e.lastSeen) >= r.config.SessionTimeout {
			idle = append(idle, e)
		}
	}
	r.mu.Unlock()

	var abandoned []session.View
	for _, e := range idle {
		e.sess.Cancel()

		h, err := r.acquire(ctx, e)
		if err != nil {
			continue
		}
		changed := h.Session.Abandon(now)
		view := h.Session.Snapshot()
		r.Remove(view.ID)
		h.Release()

		if !changed {
			continue
		}
		abandoned = append(abandoned, view)
		metrics.RecordSessionAbandoned()
		r.logger.InfoContext(ctx, "session abandoned after inactivity",
			"session_id", view.ID,
			"patient_id", view.PatientID,
			"last_activity", view.LastActivity,
		)
		if r.onAbandon != nil {
			r.onAbandon(view)
		}
	}
	return abandoned
}

// Run sweeps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.Sweep(ctx, r.clock.Now())
		}
	}
}

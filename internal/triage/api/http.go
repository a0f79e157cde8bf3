// Package api exposes the triage engine and escalation cases over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/shared/auth"
	"github.com/careline/triage/internal/shared/errors"
	"github.com/careline/triage/internal/triage"
	"github.com/careline/triage/internal/triage/escalation"
	"github.com/careline/triage/internal/triage/registry"
	"github.com/careline/triage/internal/triage/session"
)

// Engine is the conversational side of the API.
type Engine interface {
	SubmitUtterance(ctx context.Context, u triage.Utterance) (triage.Outcome, error)
	GetSessionState(sessionID string) (triage.SessionState, error)
	Acknowledge(ctx context.Context, sessionID string) error
}

// Escalations is the case side of the API.
type Escalations interface {
	Get(caseID string) (escalation.Case, error)
	Active() []escalation.Case
	AcceptHandoff(caseID string) error
	DeclineHandoff(caseID string) error
	BookSlot(ctx context.Context, caseID, slotID string) (escalation.Case, error)
	Acknowledge(caseID string) error
}

// Handler provides HTTP handlers for triage.
type Handler struct {
	engine      Engine
	escalations Escalations
	logger      *slog.Logger
}

// NewHandler creates a new triage handler
func NewHandler(engine Engine, escalations Escalations, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, escalations: escalations, logger: logger}
}

// Routes registers the triage routes. Authentication is applied by the
// caller; every handler expects a principal on the context.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/utterances", h.SubmitUtterance)

	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/acknowledge", h.AcknowledgeSession)
	})

	r.Route("/escalations", func(r chi.Router) {
		r.With(auth.RequireRoles(auth.RoleProvider, auth.RoleAdmin)).Get("/", h.ListEscalations)

		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", h.GetEscalation)
			r.Post("/accept", h.AcceptHandoff)
			r.Post("/decline", h.DeclineHandoff)
			r.Post("/book", h.BookSlot)
			r.With(auth.RequireRoles(auth.RoleProvider, auth.RoleAdmin)).Post("/acknowledge", h.AcknowledgeEscalation)
		})
	})

	return r
}

// UtteranceRequest is the body of POST /utterances.
type UtteranceRequest struct {
	SessionID string `json:"session_id,omitempty"`
	// PatientID may be omitted by patients; it defaults to the caller.
	PatientID string `json:"patient_id,omitempty"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Sequence  int    `json:"sequence,omitempty"`
}

// BookRequest is the body of POST /escalations/{caseID}/book.
type BookRequest struct {
	SlotID string `json:"slot_id"`
}

// SubmitUtterance processes one patient turn.
func (h *Handler) SubmitUtterance(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req UtteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body").WithFallback(errors.FallbackRetry))
		return
	}
	if req.PatientID == "" {
		req.PatientID = p.ID.String()
	}
	if !p.CanActFor(req.PatientID) {
		writeError(w, errors.NotFound("session", req.SessionID))
		return
	}
	if req.Language == "" {
		req.Language = p.Language
	}

	out, err := h.engine.SubmitUtterance(r.Context(), triage.Utterance{
		SessionID:       req.SessionID,
		PatientID:       req.PatientID,
		Text:            req.Text,
		Language:        req.Language,
		Mode:            session.ParseMode(req.Mode),
		Sequence:        req.Sequence,
		CreateIfMissing: req.SessionID == "",
	})
	if err != nil {
		h.fail(w, r, err, "session", req.SessionID)
		return
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// GetSession returns the status of a session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, err := h.engine.GetSessionState(id)
	if err != nil {
		h.fail(w, r, err, "session", id)
		return
	}
	if !canAccess(r, st.PatientID) {
		writeError(w, errors.NotFound("session", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AcknowledgeSession closes a session whose outcome the client has shown.
func (h *Handler) AcknowledgeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, err := h.engine.GetSessionState(id)
	if err != nil {
		h.fail(w, r, err, "session", id)
		return
	}
	if !canAccess(r, st.PatientID) {
		writeError(w, errors.NotFound("session", id))
		return
	}
	if err := h.engine.Acknowledge(r.Context(), id); err != nil {
		h.fail(w, r, err, "session", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEscalations lists open escalation cases for the provider console.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	cases := h.escalations.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  cases,
		"total": len(cases),
	})
}

// GetEscalation returns one case.
func (h *Handler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AcceptHandoff accepts an offered live hand-off.
func (h *Handler) AcceptHandoff(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.escalations.AcceptHandoff)
}

// DeclineHandoff declines an offered live hand-off.
func (h *Handler) DeclineHandoff(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.escalations.DeclineHandoff)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}
	if err := fn(c.ID); err != nil {
		h.fail(w, r, err, "escalation", c.ID)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// BookSlot books one of the offered appointment slots.
func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCase(w, r)
	if !ok {
		return
	}

	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.SlotID == "" {
		writeError(w, errors.Validation("validation failed", map[string]string{
			"slot_id": "slot_id is required",
		}))
		return
	}

	booked, err := h.escalations.BookSlot(r.Context(), c.ID, req.SlotID)
	if err != nil {
		h.fail(w, r, err, "escalation", c.ID)
		return
	}
	writeJSON(w, http.StatusOK, booked)
}

// AcknowledgeEscalation closes a notified case.
func (h *Handler) AcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "caseID")
	if err := h.escalations.Acknowledge(id); err != nil {
		h.fail(w, r, err, "escalation", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadCase(w http.ResponseWriter, r *http.Request) (escalation.Case, bool) {
	id := chi.URLParam(r, "caseID")
	c, err := h.escalations.Get(id)
	if err != nil {
		h.fail(w, r, err, "escalation", id)
		return escalation.Case{}, false
	}
	if !canAccess(r, c.PatientID) {
		writeError(w, errors.NotFound("escalation", id))
		return escalation.Case{}, false
	}
	return c, true
}

// canAccess hides other patients' records behind a not-found response.
func canAccess(r *http.Request, patientID string) bool {
	p := auth.GetPrincipal(r.Context())
	return p != nil && p.CanActFor(patientID)
}

// fail maps domain errors onto patient-safe responses with a fallback.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, resource, id string) {
	appErr := toAppError(err, resource, id)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, appErr)
}

func toAppError(err error, resource, id string) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, triage.ErrEmptyUtterance):
		return errors.Validation("message is empty", map[string]string{"text": "text is required"})
	case stderrors.Is(err, triage.ErrPatientMissing):
		return errors.Validation("patient is required", map[string]string{"patient_id": "patient_id is required"})
	case stderrors.Is(err, session.ErrSessionNotFound):
		return errors.NotFound(resource, id)
	case stderrors.Is(err, escalation.ErrCaseNotFound):
		return errors.NotFound(resource, id)
	case stderrors.Is(err, session.ErrOutOfOrder):
		return errors.Conflict("OUT_OF_ORDER", "message arrived out of order, please resend in order").WithFallback(errors.FallbackRetry)
	case stderrors.Is(err, session.ErrSessionClosed):
		return errors.Conflict("SESSION_CLOSED", "this conversation has ended, please start a new one")
	case stderrors.Is(err, session.ErrInvalidTransition):
		return errors.Conflict("INVALID_STATE", "this action is not possible right now")
	case stderrors.Is(err, registry.ErrSessionConflict):
		return errors.Conflict("SESSION_CONFLICT", "you already have an open conversation")
	case stderrors.Is(err, escalation.ErrNotOffered):
		return errors.Conflict("NOT_OFFERED", "this option is no longer available").WithFallback(errors.FallbackSwitchChannel)
	case stderrors.Is(err, escalation.ErrCaseOpen):
		return errors.Conflict("CASE_OPEN", "the patient has not been given guidance yet")
	case stderrors.Is(err, appointment.ErrSlotUnavailable):
		return errors.Conflict("SLOT_UNAVAILABLE", "that appointment is no longer available, please choose another")
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Unavailable(err, "we could not finish processing your message").WithFallback(errors.FallbackRetry)
	default:
		return errors.Internal(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   appErr.Message,
		"code":    appErr.Code,
		"details": appErr.Details,
	})
}

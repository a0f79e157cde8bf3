package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/careline/triage/internal/shared/auth"
	"github.com/careline/triage/internal/shared/errors"
)

// Reader reads the chain back for review.
type Reader interface {
	ListBySession(ctx context.Context, sessionID string) ([]*Entry, error)
	ListAll(ctx context.Context, limit int) ([]*Entry, error)
}

var (
	_ Reader = (*PostgresSink)(nil)
	_ Reader = (*KurrentDBSink)(nil)
	_ Reader = (*MemorySink)(nil)
)

// Handler provides HTTP handlers for audit review. Every route requires the
// provider or admin role.
type Handler struct {
	reader Reader
}

// NewHandler creates a new audit handler
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// Routes registers the audit routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleProvider, auth.RoleAdmin))

	r.Get("/sessions/{sessionID}", h.ListBySession)
	r.With(auth.RequireRoles(auth.RoleAdmin)).Get("/verify", h.VerifyChain)

	return r
}

// ListBySession returns the trail of one conversation and its escalation.
// Each entry's own hash is checked; links are not, since other sessions'
// entries sit between them.
func (h *Handler) ListBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	entries, err := h.reader.ListBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, errors.Unavailable(err, "audit trail is unavailable").WithFallback(errors.FallbackRetry))
		return
	}
	if len(entries) == 0 {
		writeError(w, errors.NotFound("audit trail", sessionID))
		return
	}

	tampered := []int64{}
	for _, e := range entries {
		if !e.VerifyHash() {
			tampered = append(tampered, e.Sequence)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     entries,
		"total":    len(entries),
		"tampered": tampered,
	})
}

// VerifyChain walks the chain from the start and reports the first break.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	limit := 10000
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, errors.BadRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.reader.ListAll(r.Context(), limit)
	if err != nil {
		writeError(w, errors.Unavailable(err, "audit trail is unavailable").WithFallback(errors.FallbackRetry))
		return
	}

	result := map[string]any{
		"valid":   true,
		"checked": len(entries),
	}
	if err := VerifyChain(entries); err != nil {
		result["valid"] = false
		result["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
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

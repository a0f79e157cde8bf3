package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Triage metrics
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_turns_total",
			Help: "Total number of patient turns processed, by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_turn_duration_seconds",
			Help:    "End-to-end latency of a patient turn",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5, 7, 10},
		},
		[]string{"mode"},
	)

	classifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_classifier_calls_total",
			Help: "Classifier calls by result",
		},
		[]string{"result"},
	)

	redFlagFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_red_flag_findings_total",
			Help: "Red-flag findings by type and severity",
		},
		[]string{"type", "severity"},
	)

	followUpsAsked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_follow_ups_total",
			Help: "Total number of follow-up questions asked",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_sessions_active",
			Help: "Number of sessions held in the registry",
		},
	)

	sessionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_sessions_abandoned_total",
			Help: "Sessions removed after the inactivity timeout",
		},
	)

	// Escalation metrics
	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Escalations by terminal path",
		},
		[]string{"path"},
	)

	escalationNotifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escalation_notify_duration_seconds",
			Help:    "Time from Tier 3 determination to patient notification",
			Buckets: []float64{.5, 1, 2, 5, 10, 15, 20, 25, 30, 45},
		},
	)

	escalationDeadlineExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escalation_deadline_exceeded_total",
			Help: "Escalations that hit the notification deadline (reliability incidents)",
		},
	)

	providerAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_provider_alerts_total",
			Help: "Provider alerts dispatched, by delivery status",
		},
		[]string{"status"},
	)

	auditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries recorded",
		},
		[]string{"action"},
	)

	// Collaborator metrics
	collaboratorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collaborator_call_duration_seconds",
			Help:    "Latency of calls to external collaborators",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"collaborator", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern uses the matched chi pattern so session and case IDs do not
// end up as label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// --- Triage metric helpers ---

// RecordTurn records a processed patient turn.
func RecordTurn(mode, outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordClassifierCall records a classifier result: ok, timeout or unavailable.
func RecordClassifierCall(result string) {
	classifierCalls.WithLabelValues(result).Inc()
}

// RecordRedFlag records a red-flag finding.
func RecordRedFlag(findingType, severity string) {
	redFlagFindings.WithLabelValues(findingType, severity).Inc()
}

// RecordFollowUp records a follow-up question.
func RecordFollowUp() {
	followUpsAsked.Inc()
}

// SetActiveSessions records the registry size.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordSessionAbandoned records a timed-out session.
func RecordSessionAbandoned() {
	sessionsAbandoned.Inc()
}

// RecordEscalation records the terminal path of an escalation and how long
// the patient waited for it.
func RecordEscalation(path string, elapsed time.Duration) {
	escalationsTotal.WithLabelValues(path).Inc()
	escalationNotifyDuration.Observe(elapsed.Seconds())
}

// RecordDeadlineExceeded records a reliability incident.
func RecordDeadlineExceeded() {
	escalationDeadlineExceeded.Inc()
}

// RecordProviderAlert records a provider alert delivery attempt.
func RecordProviderAlert(delivered bool) {
	status := "failed"
	if delivered {
		status = "delivered"
	}
	providerAlerts.WithLabelValues(status).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry(action string) {
	auditEntriesTotal.WithLabelValues(action).Inc()
}

// RecordCollaboratorCall records latency of an external collaborator call.
func RecordCollaboratorCall(collaborator string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	collaboratorDuration.WithLabelValues(collaborator, status).Observe(duration.Seconds())
}

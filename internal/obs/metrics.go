package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	accessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access decisions by outcome and path.",
		},
		[]string{"result", "path"},
	)

	accessDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "access_decision_duration_seconds",
			Help:    "Latency of a single access decision.",
			Buckets: prometheus.DefBuckets,
		},
	)

	emergencyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_requests_total",
			Help: "Break-glass requests by risk level.",
		},
		[]string{"risk"},
	)

	workflowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_workflow_transitions_total",
			Help: "Workflow status transitions.",
		},
		[]string{"status"},
	)

	policyCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_cache_events_total",
			Help: "Policy decision cache hits, misses and invalidations.",
		},
		[]string{"event"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitoring_alerts_total",
			Help: "Monitoring alerts raised, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers metrics in the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		accessDecisionsTotal,
		accessDecisionDuration,
		emergencyRequestsTotal,
		workflowTransitionsTotal,
		policyCacheEvents,
		alertsTotal,
		readyGauge,
		httpRequestsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision records one access decision outcome.
// path is "emergency", "policy" or "error".
func ObserveDecision(granted bool, path string, d time.Duration) {
	result := "deny"
	if granted {
		result = "grant"
	}
	accessDecisionsTotal.WithLabelValues(result, path).Inc()
	accessDecisionDuration.Observe(d.Seconds())
}

// ObserveEmergencyRequest counts a break-glass request at its risk level.
func ObserveEmergencyRequest(risk string) {
	emergencyRequestsTotal.WithLabelValues(risk).Inc()
}

// ObserveWorkflowTransition counts a workflow status transition.
func ObserveWorkflowTransition(status string) {
	workflowTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveCache counts a cache event: "hit", "miss" or "invalidate".
func ObserveCache(event string) {
	policyCacheEvents.WithLabelValues(event).Inc()
}

// ObserveAlert counts a raised monitoring alert.
func ObserveAlert(alertType, severity string) {
	alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps an HTTP handler with request counting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.code)).Inc()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

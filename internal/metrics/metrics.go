// Package metrics provides Prometheus instrumentation for the QR decision service.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qrguard"

var (
	// DecisionsTotal counts finished decisions by verdict and payload kind.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total QR decisions by action and payload kind.",
		},
		[]string{"action", "payload_kind"},
	)

	// ScamCategoriesTotal counts decisions by assigned scam archetype.
	ScamCategoriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scam_categories_total",
			Help:      "Total QR decisions by scam category.",
		},
		[]string{"category"},
	)

	// MLEscalationsTotal counts model second opinions by outcome.
	MLEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ml_escalations_total",
			Help:      "Total ML escalations by outcome (high, moderate, low, unavailable).",
		},
		[]string{"outcome"},
	)

	// AuditFailuresTotal counts failed audit appends by sink.
	AuditFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Total audit append failures by sink.",
		},
		[]string{"sink"},
	)

	// PipelineFaultsTotal counts analyses that panicked and failed closed.
	PipelineFaultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_faults_total",
		Help:      "Total analyses recovered from an internal fault.",
	})

	// AnalysisDuration observes end-to-end analysis latency by payload kind.
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "QR analysis duration in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"payload_kind"},
	)

	// ModelLoaded is 1 when an ML model is available.
	ModelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_loaded",
		Help:      "Whether an ML model is loaded (1) or not (0).",
	})

	// ActiveWebSocketClients tracks connected decision feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of connected decision feed WebSocket clients.",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		ScamCategoriesTotal,
		MLEscalationsTotal,
		AuditFailuresTotal,
		PipelineFaultsTotal,
		AnalysisDuration,
		ModelLoaded,
		ActiveWebSocketClients,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveDecision records one finished decision
func ObserveDecision(action, payloadKind, category string, took time.Duration) {
	if payloadKind == "" {
		payloadKind = "NONE"
	}
	DecisionsTotal.WithLabelValues(action, payloadKind).Inc()
	ScamCategoriesTotal.WithLabelValues(category).Inc()
	AnalysisDuration.WithLabelValues(payloadKind).Observe(took.Seconds())
}

// SetModelLoaded flips the model gauge
func SetModelLoaded(loaded bool) {
	if loaded {
		ModelLoaded.Set(1)
		return
	}
	ModelLoaded.Set(0)
}

// Middleware records request metrics against the chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler serves the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

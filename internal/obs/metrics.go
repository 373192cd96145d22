package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready.",
	})
)

// Domain metrics
var (
	edgeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_decisions_total",
			Help: "Edge filter outcomes by filter and outcome.",
		},
		[]string{"filter", "outcome"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Bearer tokens issued by type.",
		},
		[]string{"type"},
	)

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Token verification results.",
		},
		[]string{"outcome"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_events_published_total",
			Help: "Identity events handed to the event channel.",
		},
		[]string{"type", "outcome"},
	)

	replicaApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replica_events_applied_total",
			Help: "Identity events applied to the replica.",
		},
		[]string{"type", "outcome"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			edgeDecisions, tokensIssued, tokenVerifications, eventsPublished, replicaApplied,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func ObserveEdgeDecision(filter, outcome string) {
	edgeDecisions.WithLabelValues(filter, outcome).Inc()
}

func ObserveTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

func ObserveTokenVerification(outcome string) {
	tokenVerifications.WithLabelValues(outcome).Inc()
}

func ObserveEventPublished(eventType, outcome string) {
	eventsPublished.WithLabelValues(eventType, outcome).Inc()
}

func ObserveReplicaApply(eventType, outcome string) {
	replicaApplied.WithLabelValues(eventType, outcome).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "users" && isNumeric(parts[2]):
		return "/api/users/:id"
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "users" && parts[2] == "email":
		return "/api/users/email/:email"
	case len(parts) == 4 && parts[0] == "auth" && parts[1] == "admin" && parts[2] == "users":
		return "/auth/admin/users/:id"
	}
	return path
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

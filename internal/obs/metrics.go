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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Domain metrics.
var (
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zakat_status_transitions_total",
			Help: "Committed application status transitions.",
		},
		[]string{"from", "to"},
	)

	poolClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zakat_pool_claims_total",
			Help: "Pool claim attempts by outcome.",
		},
		[]string{"result"},
	)

	disbursements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zakat_disbursements_total",
			Help: "Recorded disbursements by payment method.",
		},
		[]string{"method"},
	)

	disbursedMinorUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zakat_disbursed_minor_units_total",
		Help: "Sum of disbursed amounts in minor units.",
	})

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zakat_notifications_sent_total",
			Help: "Notifications written by kind (single or bulk).",
		},
		[]string{"kind"},
	)

	txRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zakat_store_tx_retries_total",
		Help: "Store transactions retried after a write conflict.",
	})
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			statusTransitions, poolClaims, disbursements, disbursedMinorUnits,
			notificationsSent, txRetries,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func ObserveTransition(from, to string) { statusTransitions.WithLabelValues(from, to).Inc() }

func ObserveClaim(result string) { poolClaims.WithLabelValues(result).Inc() }

func ObserveDisbursement(method string, amount int64) {
	disbursements.WithLabelValues(method).Inc()
	if amount > 0 {
		disbursedMinorUnits.Add(float64(amount))
	}
}

func ObserveNotifications(kind string, n int) {
	if n > 0 {
		notificationsSent.WithLabelValues(kind).Add(float64(n))
	}
}

func ObserveTxRetry() { txRetries.Inc() }

// CanonicalPath collapses request paths into a bounded label set.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	switch raw {
	case "/", "/metrics", "/healthz", "/readyz", "/v1/info", "/v1/auth/token", "/v1/auth/register", "/v1/stream/pool":
		return raw
	}
	if op, ok := strings.CutPrefix(raw, "/v1/rpc/"); ok {
		rpcOpsMu.RLock()
		_, known := rpcOps[op]
		rpcOpsMu.RUnlock()
		if known {
			return raw
		}
		return "/v1/rpc/:unknown"
	}
	return "other"
}

var (
	rpcOpsMu sync.RWMutex
	rpcOps   = map[string]struct{}{}
)

// RegisterRPCOperation whitelists an operation name as a metrics label.
func RegisterRPCOperation(name string) {
	rpcOpsMu.Lock()
	rpcOps[name] = struct{}{}
	rpcOpsMu.Unlock()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event handlers working behind the instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60}
)

// Metrics holds all Prometheus metric instruments for stepper. A nil
// *Metrics is a valid recorder that drops everything.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Journey metrics
	JourneysCreatedTotal *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	StepExecutionsTotal  *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	InvocationsTotal     *prometheus.CounterVec

	// Scheduler metrics
	SchedulerInflight      prometheus.Gauge
	SchedulerRetriesTotal  prometheus.Counter
	SweeperDispatchedTotal prometheus.Counter
	SweeperRecoveredTotal  prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_http_requests_total",
			Help: "Total number of operator API requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_http_request_duration_seconds",
			Help:    "Operator API request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Journeys
		JourneysCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_journeys_created_total",
			Help: "Total number of journeys created.",
		}, []string{"journey_type"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_transitions_total",
			Help: "Total number of persisted journey state transitions.",
		}, []string{"journey_type", "from", "to"}),
		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_step_executions_total",
			Help: "Total number of step body executions by result.",
		}, []string{"journey_type", "step", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepper_step_duration_seconds",
			Help:    "Step body duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"journey_type", "step"}),
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepper_invocations_total",
			Help: "Total number of invocations handled by the engine by result.",
		}, []string{"result"}),

		// Scheduler
		SchedulerInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepper_scheduler_inflight",
			Help: "Invocations currently held by the local scheduler.",
		}),
		SchedulerRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepper_scheduler_retries_total",
			Help: "Total number of invocation re-submissions after transient errors.",
		}),
		SweeperDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepper_sweeper_dispatched_total",
			Help: "Total number of due invocations re-submitted by the sweeper.",
		}),
		SweeperRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepper_sweeper_recovered_total",
			Help: "Total number of stalled journeys recovered by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.JourneysCreatedTotal,
		m.TransitionsTotal,
		m.StepExecutionsTotal,
		m.StepDuration,
		m.InvocationsTotal,
		m.SchedulerInflight,
		m.SchedulerRetriesTotal,
		m.SweeperDispatchedTotal,
		m.SweeperRecoveredTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordJourneyCreated records a journey creation.
func (m *Metrics) RecordJourneyCreated(journeyType string) {
	if m == nil {
		return
	}
	m.JourneysCreatedTotal.WithLabelValues(journeyType).Inc()
}

// RecordTransition records a persisted state change.
func (m *Metrics) RecordTransition(journeyType, from, to string) {
	if m == nil || from == to {
		return
	}
	m.TransitionsTotal.WithLabelValues(journeyType, from, to).Inc()
}

// RecordStepExecution records one run of a step body.
func (m *Metrics) RecordStepExecution(journeyType, step, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutionsTotal.WithLabelValues(journeyType, step, result).Inc()
	m.StepDuration.WithLabelValues(journeyType, step).Observe(duration.Seconds())
}

// RecordInvocation records how the engine handled an invocation.
func (m *Metrics) RecordInvocation(result string) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(result).Inc()
}

// AddSchedulerInflight moves the in-flight gauge by delta.
func (m *Metrics) AddSchedulerInflight(delta float64) {
	if m == nil {
		return
	}
	m.SchedulerInflight.Add(delta)
}

// RecordSchedulerRetry records an invocation re-submission.
func (m *Metrics) RecordSchedulerRetry() {
	if m == nil {
		return
	}
	m.SchedulerRetriesTotal.Inc()
}

// RecordSweep records one sweeper pass.
func (m *Metrics) RecordSweep(dispatched, recovered int) {
	if m == nil {
		return
	}
	m.SweeperDispatchedTotal.Add(float64(dispatched))
	m.SweeperRecoveredTotal.Add(float64(recovered))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint,
// serving the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "savings_layer"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	planExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "executions_total",
			Help:      "Plan execution attempts by outcome.",
		},
		[]string{"result"},
	)

	planOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "operations_total",
			Help:      "Plan lifecycle operations by outcome.",
		},
		[]string{"op", "result"},
	)

	routerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "yield",
			Name:      "operations_total",
			Help:      "Yield router operations by outcome.",
		},
		[]string{"op", "result"},
	)

	routerLegs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "yield",
			Name:      "allocation_legs",
			Help:      "Number of pools touched by one allocation.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
	)

	vaultOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Lock vault operations by outcome.",
		},
		[]string{"op", "result"},
	)

	keeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Keeper sweeps and the plans they executed.",
		},
		[]string{"kind"},
	)

	keeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of keeper sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		planExecutions,
		planOperations,
		routerOperations,
		routerLegs,
		vaultOperations,
		keeperRuns,
		keeperDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPlanExecution records one Execute attempt.
func RecordPlanExecution(err error) {
	planExecutions.WithLabelValues(result(err)).Inc()
}

// RecordPlanOperation records a plan lifecycle call such as create or pause.
func RecordPlanOperation(op string, err error) {
	planOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordRouterOperation records a deposit, rebalance or withdraw and the number
// of pools it touched.
func RecordRouterOperation(op string, legs int, err error) {
	routerOperations.WithLabelValues(op, result(err)).Inc()
	if err == nil && legs > 0 {
		routerLegs.Observe(float64(legs))
	}
}

// RecordVaultOperation records a lock, release or governance call.
func RecordVaultOperation(op string, err error) {
	vaultOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordKeeperRun records a keeper sweep.
func RecordKeeperRun(duration time.Duration, executed, failed int) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	keeperRuns.WithLabelValues("sweep").Inc()
	keeperRuns.WithLabelValues("executed").Add(float64(executed))
	keeperRuns.WithLabelValues("failed").Add(float64(failed))
	keeperDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + strings.SplitN(trimmed, "/", 2)[0]
}

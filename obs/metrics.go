package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"leadsearch/breaker"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ls",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ls",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ls",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ls",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total worker jobs processed.",
		},
		[]string{"worker", "result"},
	)
	workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ls",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Worker job duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"worker"},
	)

	searchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ls",
			Subsystem: "search",
			Name:      "outcomes_total",
			Help:      "Orchestrator outcomes: cache hits by tier, joins, dispatches, rejections.",
		},
		[]string{"outcome"},
	)

	upstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ls",
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Gateway call attempts by result (ok, error, budget_denied, breaker_open, inflight_rejected).",
		},
		[]string{"result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ls",
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per resource (0 closed, 1 half-open, 2 open).",
		},
		[]string{"resource"},
	)

	creditsChargedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ls",
			Subsystem: "credits",
			Name:      "charged_total",
			Help:      "Credits charged by transaction type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		workerJobsTotal, workerJobDuration,
		searchOutcomesTotal, upstreamCallsTotal, breakerState, creditsChargedTotal,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "leadsearch"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

func RecordSearchOutcome(outcome string) {
	searchOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordUpstreamCall(result string) {
	upstreamCallsTotal.WithLabelValues(result).Inc()
}

func RecordCreditsCharged(txType string, amount int64) {
	creditsChargedTotal.WithLabelValues(txType).Add(float64(amount))
}

func SetBreakerState(resource string, state breaker.State) {
	v := 0.0
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(resource).Set(v)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query). It's fine for internal use;
// if you want strict low-cardinality metrics, replace with a router that provides a pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordWorkerJob(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerJobsTotal.WithLabelValues(worker, res).Inc()
	workerJobDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for jobId routes.
	// /search/jobs/{jobId}
	// /search/jobs/{jobId}/export
	if strings.HasPrefix(p, "/search/jobs/") {
		rest := strings.TrimPrefix(p, "/search/jobs/")
		parts := strings.Split(rest, "/")
		if len(parts) == 1 {
			return "/search/jobs/:jobId"
		}
		if len(parts) >= 2 {
			switch parts[1] {
			case "export":
				return "/search/jobs/:jobId/export"
			default:
				return "/search/jobs/:jobId/" + parts[1]
			}
		}
	}
	return p
}

// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// AIRequestsTotal counts AI vendor requests by provider and operation.
	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI vendor requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	// AIRequestDuration records durations of AI vendor requests by provider and operation.
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI vendor request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)
	// AITokenUsage tracks AI vendor token consumption by provider, type, and model.
	AITokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total AI vendor tokens used",
		},
		[]string{"provider", "type", "model"},
	)

	// JobsEnqueuedTotal counts job executions enqueued by configuration label.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of job executions enqueued",
		},
		[]string{"configuration"},
	)
	// JobsRunning is a gauge of the number of currently running job executions.
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of job executions currently running",
		},
	)
	// JobsCompletedTotal counts job executions completed.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of job executions completed",
		},
		[]string{"configuration"},
	)
	// JobsFailedTotal counts job executions failed.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job executions failed",
		},
		[]string{"configuration"},
	)
	// JobDuration records the wall-clock duration of a completed job execution.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		},
	)

	// ImagesQCFailedTotal counts images that failed quality control, by qcReason.
	ImagesQCFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "images_qc_failed_total",
			Help: "Total number of images marked qc_failed, by reason",
		},
		[]string{"qc_reason"},
	)
	// ImagesApprovedTotal counts images that reached the approved state.
	ImagesApprovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "images_approved_total",
			Help: "Total number of images approved",
		},
	)
	// RetryQueueDepth is a gauge of pending per-image retry tasks.
	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_queue_depth",
			Help: "Number of images currently queued for retry processing",
		},
	)
	// RetriesTotal counts retry attempts by upstream classification code.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total number of retry attempts, by upstream code",
		},
		[]string{"upstream_code"},
	)
	// CooldownsTotal counts images parked in cooldown rather than retried immediately.
	CooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cooldowns_total",
			Help: "Total number of images parked in cooldown, by upstream code",
		},
		[]string{"upstream_code"},
	)

	// CircuitBreakerStatus tracks AI vendor circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokenUsage)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ImagesQCFailedTotal)
	prometheus.MustRegister(ImagesApprovedTotal)
	prometheus.MustRegister(RetryQueueDepth)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(CooldownsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued-executions counter for a configuration.
func EnqueueJob(configurationID string) {
	JobsEnqueuedTotal.WithLabelValues(configurationID).Inc()
	JobsRunning.Inc()
}

// CompleteJob marks a job execution complete.
func CompleteJob(configurationID string, duration time.Duration) {
	JobsRunning.Dec()
	JobsCompletedTotal.WithLabelValues(configurationID).Inc()
	JobDuration.Observe(duration.Seconds())
}

// FailJob marks a job execution failed.
func FailJob(configurationID string, duration time.Duration) {
	JobsRunning.Dec()
	JobsFailedTotal.WithLabelValues(configurationID).Inc()
	JobDuration.Observe(duration.Seconds())
}

// RecordQCFailure records an image qc_failed outcome by reason.
func RecordQCFailure(qcReason string) {
	ImagesQCFailedTotal.WithLabelValues(qcReason).Inc()
}

// RecordApproved records an image reaching the approved state.
func RecordApproved() {
	ImagesApprovedTotal.Inc()
}

// SetRetryQueueDepth sets the current retry queue depth gauge.
func SetRetryQueueDepth(depth int) {
	RetryQueueDepth.Set(float64(depth))
}

// RecordRetry records a retry attempt classified under an upstream code.
func RecordRetry(upstreamCode string) {
	RetriesTotal.WithLabelValues(upstreamCode).Inc()
}

// RecordCooldown records an image parked in cooldown under an upstream code.
func RecordCooldown(upstreamCode string) {
	CooldownsTotal.WithLabelValues(upstreamCode).Inc()
}

// RecordAITokenUsage records AI vendor token consumption.
func RecordAITokenUsage(provider, tokenType, model string, tokens int) {
	AITokenUsage.WithLabelValues(provider, tokenType, model).Add(float64(tokens))
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

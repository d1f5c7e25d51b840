package observer

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsEnabled = true // Flag to control metric collection

// Dispatch job metrics
var (
	dispatchLabels = []string{"company_id", "outcome"}

	DispatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_dispatch_jobs_total",
			Help: "Dispatch job runs by outcome (sent, failed, retry, deferred, skipped).",
		},
		dispatchLabels,
	)
	DispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_dispatch_duration_seconds",
			Help:    "Histogram of dispatch job run durations, lock wait and gateway call included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~40s
		},
		[]string{"company_id"},
	)
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_dispatch_lock_contention_total",
		Help: "Number of dispatch runs deferred because the instance send lock was held.",
	})
	IdempotencyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_idempotency_checks_total",
			Help: "Idempotency key pre-checks by result (miss, possible_hit, false_positive).",
		},
		[]string{"result"},
	)
	BroadcastQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_broadcast_messages_queued_total",
			Help: "Messages queued by quote broadcasts.",
		},
		[]string{"company_id"},
	)
)

// Gateway metrics
var (
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_requests_total",
			Help: "Gateway HTTP calls labeled by operation and status class (2xx, 4xx, 5xx, error).",
		},
		[]string{"operation", "status"},
	)
	GatewayRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_gateway_request_duration_seconds",
			Help:    "Histogram of gateway HTTP call durations including transport retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		},
		[]string{"operation"},
	)
	GatewayBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_gateway_breaker_transitions_total",
			Help: "Circuit breaker state changes by destination state.",
		},
		[]string{"to"},
	)
)

// Queue worker metrics
var (
	queueFetchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_queue_fetch_requests_total",
		Help: "Total number of fetch requests made to the dispatch stream.",
	})
	queueFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_queue_fetch_errors_total",
		Help: "Total number of errors encountered during dispatch stream fetches.",
	})
	queueBufferLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_queue_buffer_length",
		Help: "Current number of jobs waiting in the internal worker channel.",
	})
	queueWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_queue_workers_active",
		Help: "Current number of busy workers in the dispatch pool.",
	})
	queueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_queue_jobs_total",
			Help: "Queue actions taken on dispatch jobs (enqueued, ack, defer, retry, term).",
		},
		[]string{"company_id", "action"},
	)
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "company_id", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_dispatcher_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_http_requests_total",
			Help: "HTTP API requests by route template, method and status code.",
		},
		[]string{"route", "method", "code"},
	)
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_http_request_duration_seconds",
			Help:    "HTTP API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_webhook_events_total",
			Help: "Gateway webhook callbacks by type and result.",
		},
		[]string{"type", "result"},
	)
)

// Load generator metrics
var (
	loadgenLabels = []string{"route"}

	loadgenRequestsAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_loadgen_requests_attempted_total",
			Help: "Total number of API requests the load generator attempted.",
		},
		loadgenLabels,
	)
	loadgenRequestsAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_loadgen_requests_accepted_total",
			Help: "Total number of load generator requests answered with 2xx.",
		},
		loadgenLabels,
	)
	loadgenRequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_loadgen_request_errors_total",
			Help: "Total number of load generator requests that failed or were rejected.",
		},
		loadgenLabels,
	)
)

// InitMetrics toggles metric collection. Collectors are registered by promauto.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// sanitizeTenant renders the company label. Unknown tenants share one series.
func sanitizeTenant(companyID int64) string {
	if companyID <= 0 {
		return "unknown"
	}
	return strconv.FormatInt(companyID, 10)
}

// IncDispatchOutcome counts a dispatch job run.
func IncDispatchOutcome(companyID int64, outcome string) {
	if !metricsEnabled {
		return
	}
	DispatchJobsTotal.WithLabelValues(sanitizeTenant(companyID), outcome).Inc()
}

// ObserveDispatchDuration records a dispatch job run duration.
func ObserveDispatchDuration(companyID int64, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	DispatchDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(duration.Seconds())
}

// IncLockContention counts a deferred run caused by a held instance lock.
func IncLockContention() {
	if !metricsEnabled {
		return
	}
	LockContentionTotal.Inc()
}

// IncIdempotencyCheck counts a bloom filter pre-check result.
func IncIdempotencyCheck(result string) {
	if metricsEnabled {
		IdempotencyChecksTotal.WithLabelValues(result).Inc()
	}
}

// AddBroadcastQueued counts messages queued by a broadcast.
func AddBroadcastQueued(companyID int64, n int) {
	if !metricsEnabled || n <= 0 {
		return
	}
	BroadcastQueuedTotal.WithLabelValues(sanitizeTenant(companyID)).Add(float64(n))
}

// ObserveGatewayRequest records one gateway call. statusCode 0 means a transport error.
func ObserveGatewayRequest(operation string, statusCode int, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode/100) + "xx"
	}
	GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	GatewayRequestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncBreakerTransition counts a circuit breaker state change.
func IncBreakerTransition(to string) {
	if !metricsEnabled {
		return
	}
	GatewayBreakerTransitionsTotal.WithLabelValues(to).Inc()
}

// IncQueueFetchRequest increments the dispatch stream fetch counter.
func IncQueueFetchRequest() {
	if metricsEnabled {
		queueFetchRequestsTotal.Inc()
	}
}

// IncQueueFetchError increments the dispatch stream fetch error counter.
func IncQueueFetchError() {
	if metricsEnabled {
		queueFetchErrorsTotal.Inc()
	}
}

// SetQueueBufferLength sets the internal worker channel length.
func SetQueueBufferLength(length int) {
	if metricsEnabled {
		queueBufferLength.Set(float64(length))
	}
}

// SetQueueWorkersActive sets the number of busy pool workers.
func SetQueueWorkersActive(count int) {
	if metricsEnabled {
		queueWorkersActive.Set(float64(count))
	}
}

// IncQueueAction counts an action taken on a dispatch job.
func IncQueueAction(companyID int64, action string) {
	if metricsEnabled {
		queueJobsTotal.WithLabelValues(sanitizeTenant(companyID), action).Inc()
	}
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity string, companyID int64, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(companyID), status).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(route, method string, code int, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(route, method).Observe(duration.Seconds())
}

// IncWebhookEvent counts a gateway callback.
func IncWebhookEvent(eventType, result string) {
	if !metricsEnabled {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "database"), strings.Contains(lower, "sql"), strings.Contains(lower, "duplicate key"), strings.Contains(lower, "constraint"):
		return "database"
	case strings.Contains(lower, "gateway"), strings.Contains(lower, "z-api"):
		return "gateway"
	case strings.Contains(lower, "validation failed"), strings.Contains(lower, "bad request"), strings.Contains(lower, "invalid"):
		return "validation"
	case strings.Contains(lower, "not found"), strings.Contains(lower, "no rows"):
		return "not_found"
	case strings.Contains(lower, "nats"), strings.Contains(lower, "jetstream"):
		return "nats"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}

// IncLoadgenAttempted increments the counter for attempted load generator requests.
func IncLoadgenAttempted(route string) {
	if metricsEnabled {
		loadgenRequestsAttemptedTotal.WithLabelValues(route).Inc()
	}
}

// IncLoadgenAccepted increments the counter for accepted load generator requests.
func IncLoadgenAccepted(route string) {
	if metricsEnabled {
		loadgenRequestsAcceptedTotal.WithLabelValues(route).Inc()
	}
}

// IncLoadgenErrors increments the counter for failed load generator requests.
func IncLoadgenErrors(route string) {
	if metricsEnabled {
		loadgenRequestErrorsTotal.WithLabelValues(route).Inc()
	}
}

// Package metrics provides Prometheus metrics for the federation key service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by callers.
const (
	OutcomeAccepted   = "accepted"
	OutcomeConflicted = "conflicted"
	OutcomeRetry      = "retry"
	OutcomeSkipped    = "skipped"

	StageSubmission = "submission"
	StageUpload     = "upload"
	StageIngest     = "ingest"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Submission
	submissions           *prometheus.CounterVec
	validationViolations  *prometheus.CounterVec
	normalizationFailures *prometheus.CounterVec
	ingestedKeys          *prometheus.CounterVec

	// Upload
	uploadRuns        *prometheus.CounterVec
	uploadRunDuration prometheus.Histogram
	uploadBatches     prometheus.Counter
	uploadKeys        *prometheus.CounterVec
	markFailures      prometheus.Counter
	transportFailures prometheus.Counter
	pendingUploadKeys prometheus.Gauge

	// Ingest queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueErrors             *prometheus.CounterVec
	workerActiveCount       prometheus.Gauge
	workerErrors            prometheus.Counter
	workerProcessingLatency prometheus.Histogram

	// Federation gateway client
	federationRequests        *prometheus.CounterVec
	federationRequestDuration prometheus.Histogram

	// Repository
	repositoryQueryLatency  prometheus.Histogram
	repositoryUpdateLatency prometheus.Histogram
	storedDiagnosisKeys     prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "fedkeys",
		subsystem:        "server",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.submissions = auto.NewCounterVec(
		m.counterOpts("submissions_total", "Submitted payloads by result"),
		[]string{"result"},
	)
	m.validationViolations = auto.NewCounterVec(
		m.counterOpts("validation_violations_total", "Payload validation violations by rule"),
		[]string{"rule"},
	)
	m.normalizationFailures = auto.NewCounterVec(
		m.counterOpts("normalization_failures_total", "Keys that could not be normalized, by pipeline stage"),
		[]string{"stage"},
	)
	m.ingestedKeys = auto.NewCounterVec(
		m.counterOpts("ingested_keys_total", "Keys received from the federation gateway by result"),
		[]string{"result"},
	)

	m.uploadRuns = auto.NewCounterVec(
		m.counterOpts("upload_runs_total", "Upload runs by terminal state"),
		[]string{"state"},
	)
	m.uploadRunDuration = auto.NewHistogram(m.histogramOpts(
		"upload_run_duration_seconds", "Duration of upload runs in seconds"))
	m.uploadBatches = auto.NewCounter(m.counterOpts(
		"upload_batches_total", "Batches posted to the federation gateway"))
	m.uploadKeys = auto.NewCounterVec(
		m.counterOpts("upload_keys_total", "Keys handled by upload runs by outcome"),
		[]string{"outcome"},
	)
	m.markFailures = auto.NewCounter(m.counterOpts(
		"upload_mark_failures_total", "Batches whose keys could not be marked as uploaded"))
	m.transportFailures = auto.NewCounter(m.counterOpts(
		"upload_transport_failures_total", "Batches that failed to reach the federation gateway"))
	m.pendingUploadKeys = auto.NewGauge(m.gaugeOpts(
		"upload_pending_keys", "Keys eligible for upload at the start of the last run"))

	m.queueSize = auto.NewGauge(m.gaugeOpts(
		"ingest_queue_size", "Federation batches waiting for ingestion"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts(
		"ingest_queue_capacity", "Maximum number of queued federation batches"))
	m.queueEnqueued = auto.NewCounter(m.counterOpts(
		"ingest_queue_enqueue_total", "Federation batches enqueued"))
	m.queueDequeued = auto.NewCounter(m.counterOpts(
		"ingest_queue_dequeue_total", "Federation batches dequeued"))
	m.queueErrors = auto.NewCounterVec(
		m.counterOpts("ingest_queue_errors_total", "Rejected enqueue attempts by reason"),
		[]string{"reason"},
	)
	m.workerActiveCount = auto.NewGauge(m.gaugeOpts(
		"ingest_worker_active_count", "Number of running ingest workers"))
	m.workerErrors = auto.NewCounter(m.counterOpts(
		"ingest_worker_errors_total", "Federation batches that failed ingestion"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts(
		"ingest_worker_processing_seconds", "Time to ingest one federation batch in seconds"))

	m.federationRequests = auto.NewCounterVec(
		m.counterOpts("federation_requests_total", "Requests to the federation gateway by status"),
		[]string{"status"},
	)
	m.federationRequestDuration = auto.NewHistogram(m.histogramOpts(
		"federation_request_duration_seconds", "Federation gateway request duration in seconds"))

	m.repositoryQueryLatency = auto.NewHistogram(m.histogramOpts(
		"repository_query_latency_seconds", "Repository query latency in seconds"))
	m.repositoryUpdateLatency = auto.NewHistogram(m.histogramOpts(
		"repository_update_latency_seconds", "Repository update latency in seconds"))
	m.storedDiagnosisKeys = auto.NewGauge(m.gaugeOpts(
		"stored_diagnosis_keys", "Diagnosis keys held by the store"))

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.errorRateByEndpoint = auto.NewCounterVec(
		m.counterOpts("errors_by_endpoint_total", "Total number of errors by endpoint"),
		[]string{"endpoint", "method", "error_type"},
	)
}

// Submission metrics.

// RecordSubmission counts a payload as accepted or rejected.
func RecordSubmission(accepted bool) {
	result := "rejected"
	if accepted {
		result = OutcomeAccepted
	}
	globalManager.submissions.WithLabelValues(result).Inc()
}

// RecordValidationViolation counts one violated rule.
func RecordValidationViolation(rule string) {
	globalManager.validationViolations.WithLabelValues(rule).Inc()
}

// RecordNormalizationFailure counts a key that could not be normalized.
func RecordNormalizationFailure(stage string) {
	globalManager.normalizationFailures.WithLabelValues(stage).Inc()
}

// RecordIngestedKeys counts keys received from the gateway.
func RecordIngestedKeys(stored, dropped int) {
	globalManager.ingestedKeys.WithLabelValues("stored").Add(float64(stored))
	globalManager.ingestedKeys.WithLabelValues("dropped").Add(float64(dropped))
}

// Upload metrics.

// RecordUploadRun records a finished run.
func RecordUploadRun(state string, duration time.Duration) {
	globalManager.uploadRuns.WithLabelValues(state).Inc()
	globalManager.uploadRunDuration.Observe(duration.Seconds())
}

// RecordUploadBatch counts one posted batch.
func RecordUploadBatch() {
	globalManager.uploadBatches.Inc()
}

// RecordUploadKeys counts keys by outcome.
func RecordUploadKeys(outcome string, n int) {
	if n <= 0 {
		return
	}
	globalManager.uploadKeys.WithLabelValues(outcome).Add(float64(n))
}

// RecordMarkFailure counts a batch that could not be marked.
func RecordMarkFailure() {
	globalManager.markFailures.Inc()
}

// RecordTransportFailure counts a batch that did not reach the gateway.
func RecordTransportFailure() {
	globalManager.transportFailures.Inc()
}

// UpdatePendingUploadKeys sets the number of eligible keys.
func UpdatePendingUploadKeys(n int) {
	globalManager.pendingUploadKeys.Set(float64(n))
}

// Ingest queue and worker metrics.

// UpdateQueueSize sets the number of queued batches.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueError counts a rejected enqueue.
func RecordQueueError(reason string) {
	globalManager.queueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerError counts a failed batch.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordWorkerProcessingLatency records the time spent on one batch.
func RecordWorkerProcessingLatency(d time.Duration) {
	globalManager.workerProcessingLatency.Observe(d.Seconds())
}

// Federation client metrics.

// RecordFederationRequest records one gateway round trip.
func RecordFederationRequest(status string, duration time.Duration) {
	globalManager.federationRequests.WithLabelValues(status).Inc()
	globalManager.federationRequestDuration.Observe(duration.Seconds())
}

// Repository metrics.

// RecordRepositoryQueryLatency records repository read latency.
func RecordRepositoryQueryLatency(d time.Duration) {
	globalManager.repositoryQueryLatency.Observe(d.Seconds())
}

// RecordRepositoryUpdateLatency records repository write latency.
func RecordRepositoryUpdateLatency(d time.Duration) {
	globalManager.repositoryUpdateLatency.Observe(d.Seconds())
}

// UpdateStoredDiagnosisKeys sets the number of stored diagnosis keys.
func UpdateStoredDiagnosisKeys(n int) {
	globalManager.storedDiagnosisKeys.Set(float64(n))
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

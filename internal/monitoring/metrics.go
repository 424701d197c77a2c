package monitoring

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KubernetesLabels holds Kubernetes metadata labels
var (
	kubernetesNamespace = os.Getenv("KUBERNETES_NAMESPACE")
	kubernetesPodName   = os.Getenv("KUBERNETES_POD_NAME")
	helmReleaseName     = os.Getenv("HELM_RELEASE_NAME")
	helmChartVersion    = os.Getenv("HELM_CHART_VERSION")
)

// getKubernetesLabels returns the Kubernetes labels for metrics
func getKubernetesLabels() prometheus.Labels {
	labels := prometheus.Labels{}

	if kubernetesNamespace != "" {
		labels["kubernetes_namespace"] = kubernetesNamespace
	}
	if kubernetesPodName != "" {
		labels["kubernetes_pod_name"] = kubernetesPodName
	}
	if helmReleaseName != "" {
		labels["helm_release"] = helmReleaseName
	}
	if helmChartVersion != "" {
		labels["helm_chart_version"] = helmChartVersion
	}

	return labels
}

// Registry with Kubernetes labels
var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(prometheus.WrapRegistererWith(getKubernetesLabels(), registry))
)

// Registry returns the registry every metric of this package is registered on.
func Registry() *prometheus.Registry {
	return registry
}

var (
	// HTTP Request metrics
	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aix_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "aix_active_connections",
			Help: "Number of active connections",
		},
	)

	// Crypto operation lifecycle
	OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_operations_total",
			Help: "Crypto operations started, by app code, kind and mode",
		},
		[]string{"app_code", "kind", "mode"},
	)

	OperationResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_operation_results_total",
			Help: "Completed crypto operations by kind and outcome (success, partial, failure)",
		},
		[]string{"kind", "outcome"},
	)

	CallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_callbacks_total",
			Help: "Token callbacks received, by result",
		},
		[]string{"result"},
	)

	TokenRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_token_requests_total",
			Help: "Token requests sent to the crypto provider, by status",
		},
		[]string{"status"},
	)

	PendingContinuations = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "aix_pending_continuations",
			Help: "Continuations registered and waiting for a token",
		},
	)

	TimedOutOperations = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "aix_timed_out_operations_total",
			Help: "Operations found by the sweeper still waiting for a token",
		},
	)

	SweptOperations = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "aix_swept_operations_total",
			Help: "Operation records deleted after the retention period",
		},
	)

	// Worker pool
	ActiveTasks = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "aix_worker_active_tasks",
			Help: "Continuations currently running on the worker pool",
		},
	)

	TaskPanicsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "aix_worker_task_panics_total",
			Help: "Continuations that panicked",
		},
	)

	// Transfer engine
	StepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aix_engine_step_duration_seconds",
			Help:    "Duration of transfer engine steps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step", "status"},
	)

	BytesTransferred = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_bytes_transferred_total",
			Help: "Total bytes moved to or from a destination",
		},
		[]string{"direction", "destination"},
	)

	// Codecs
	CodecRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_codec_records_total",
			Help: "Records encoded or decoded, by agency and operation",
		},
		[]string{"agency", "operation"},
	)

	CodecRejectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_codec_rejected_lines_total",
			Help: "Lines that could not be decoded into a record",
		},
		[]string{"agency", "file"},
	)

	// Ingestion
	IngestedRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aix_ingested_records_total",
			Help: "Decoded records handed to the ingestion sink",
		},
		[]string{"profile", "sink"},
	)

	// Server metrics
	ServerInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aix_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetServerInfo sets server build information
func SetServerInfo(version, commit, buildTime string) {
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RecordOperationStarted counts an operation whose token was requested.
func RecordOperationStarted(appCode, kind, mode string) {
	OperationsTotal.WithLabelValues(appCode, kind, mode).Inc()
}

// RecordOperationResult counts a finished continuation.
func RecordOperationResult(kind, outcome string) {
	OperationResultsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCallback counts an inbound token callback.
func RecordCallback(result string) {
	CallbacksTotal.WithLabelValues(result).Inc()
}

// RecordTokenRequest counts a token request attempt.
func RecordTokenRequest(status string) {
	TokenRequestsTotal.WithLabelValues(status).Inc()
}

// RecordStep records the duration of one engine step.
func RecordStep(step, status string, duration time.Duration) {
	StepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

// RecordBytesTransferred records data moved to or from storage or SFTP.
func RecordBytesTransferred(direction, destination string, bytes int) {
	BytesTransferred.WithLabelValues(direction, destination).Add(float64(bytes))
}

// RecordCodecRecords counts records handled by a codec.
func RecordCodecRecords(agency, operation string, n int) {
	CodecRecordsTotal.WithLabelValues(agency, operation).Add(float64(n))
}

// RecordCodecRejected counts rejected lines of a decoded file.
func RecordCodecRejected(agency, file string, n int) {
	if n <= 0 {
		return
	}
	CodecRejectedTotal.WithLabelValues(agency, file).Add(float64(n))
}

// RecordIngested counts records handed to an ingestion sink.
func RecordIngested(profile, sink string, n int) {
	IngestedRecordsTotal.WithLabelValues(profile, sink).Add(float64(n))
}

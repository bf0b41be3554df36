// Package metrics provides Prometheus metrics for monitoring the sync core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_model_checks_total",
			Help: "Total number of model update checks",
		},
		[]string{"result"},
	)
	ModelDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_model_downloads_total",
			Help: "Total number of model downloads",
		},
		[]string{"result"},
	)
	ModelDownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelsync_model_download_duration_seconds",
			Help:    "Model download duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	ModelInstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_model_installs_total",
			Help: "Total number of model installs",
		},
		[]string{"result"},
	)
	ModelRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_model_rollbacks_total",
			Help: "Total number of model rollbacks",
		},
		[]string{"result"},
	)
	UploadTasksQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelsync_upload_tasks_queued_total",
			Help: "Total number of upload tasks queued",
		},
	)
	UploadTasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_upload_tasks_completed_total",
			Help: "Total number of upload task attempts by result",
		},
		[]string{"result"},
	)
	UploadTasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelsync_upload_tasks_retried_total",
			Help: "Total number of upload task retries",
		},
	)
	UploadBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelsync_upload_batch_duration_seconds",
			Help:    "Upload batch request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelsync_upload_tasks",
			Help: "Current number of upload tasks by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_http_requests_total",
			Help: "Total number of HTTP requests to the control API",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelsync_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordModelCheck(result string) {
	ModelChecksTotal.WithLabelValues(result).Inc()
}

func RecordModelDownload(result string, duration time.Duration) {
	ModelDownloadsTotal.WithLabelValues(result).Inc()
	if result == "success" {
		ModelDownloadDuration.Observe(duration.Seconds())
	}
}

func RecordModelInstall(result string) {
	ModelInstallsTotal.WithLabelValues(result).Inc()
}

func RecordModelRollback(result string) {
	ModelRollbacksTotal.WithLabelValues(result).Inc()
}

func RecordTaskQueued() {
	UploadTasksQueued.Inc()
}

func RecordTaskCompleted(result string) {
	UploadTasksCompleted.WithLabelValues(result).Inc()
}

func RecordTaskRetried() {
	UploadTasksRetried.Inc()
}

func RecordBatchDuration(duration time.Duration) {
	UploadBatchDuration.Observe(duration.Seconds())
}

func UpdateTaskGauges(counts map[string]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	pipelineRunsTotal      *prometheus.CounterVec
	pipelineAttempts       *prometheus.HistogramVec
	pipelineRepairsTotal   *prometheus.CounterVec
	modalityTotal          *prometheus.CounterVec
	bundleValidationFailed *prometheus.CounterVec
	llmTokensTotal         *prometheus.CounterVec
	modelQueueWaitSeconds  *prometheus.HistogramVec
	modelQueueRejected     *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingest",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	pipelineRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total completed ingestion pipeline runs by outcome status.",
		},
		[]string{"service", "status"},
	)
	pipelineAttempts := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "pipeline",
			Name:      "attempts",
			Help:      "Distribution of extraction attempts used per submission.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"service"},
	)
	pipelineRepairsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "pipeline",
			Name:      "repairs_total",
			Help:      "Total self-healing repairs applied, by reason.",
		},
		[]string{"service", "reason"},
	)
	modalityTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "pipeline",
			Name:      "modality_total",
			Help:      "Total submissions classified into each modality.",
		},
		[]string{"service", "modality"},
	)
	bundleValidationFailed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "pipeline",
			Name:      "bundle_validation_failed_total",
			Help:      "Total FHIR bundle validation failures encountered during repair attempts.",
		},
		[]string{"service"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Approximate token usage by direction.",
		},
		[]string{"service", "direction"},
	)
	modelQueueWaitSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "llm",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for a free model concurrency slot.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"service"},
	)
	modelQueueRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "llm",
			Name:      "queue_rejected_total",
			Help:      "Total requests rejected with 503 because no model slot freed up in time.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		pipelineRunsTotal,
		pipelineAttempts,
		pipelineRepairsTotal,
		modalityTotal,
		bundleValidationFailed,
		llmTokensTotal,
		modelQueueWaitSeconds,
		modelQueueRejected,
	)

	return &HTTPServerMetrics{
		registry:                registry,
		requestTotal:            requestTotal,
		requestDuration:         requestDuration,
		requestInFlight:         requestInFlight,
		pipelineRunsTotal:       pipelineRunsTotal,
		pipelineAttempts:        pipelineAttempts,
		pipelineRepairsTotal:    pipelineRepairsTotal,
		modalityTotal:           modalityTotal,
		bundleValidationFailed:  bundleValidationFailed,
		llmTokensTotal:          llmTokensTotal,
		modelQueueWaitSeconds:   modelQueueWaitSeconds,
		modelQueueRejected:      modelQueueRejected,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/submissions/"):
		return "/submissions/{submission_id}"
	case strings.HasPrefix(path, "/patients/"):
		return "/patients/{patient_id}"
	case strings.HasPrefix(path, "/rerun/"):
		return "/rerun/{submission_id}"
	default:
		return path
	}
}

// RecordPipelineRun records a completed pipeline outcome: its status,
// attempts used, and any repairs the self-healing layer applied.
func (m *HTTPServerMetrics) RecordPipelineRun(service, status string, attempts int, repairReasons []string) {
	if status == "" {
		status = "unknown"
	}
	m.pipelineRunsTotal.WithLabelValues(service, status).Inc()
	if attempts > 0 {
		m.pipelineAttempts.WithLabelValues(service).Observe(float64(attempts))
	}
	for _, reason := range repairReasons {
		m.pipelineRepairsTotal.WithLabelValues(service, reason).Inc()
	}
}

func (m *HTTPServerMetrics) RecordModality(service, modality string) {
	if modality == "" {
		modality = "unknown"
	}
	m.modalityTotal.WithLabelValues(service, modality).Inc()
}

func (m *HTTPServerMetrics) RecordBundleValidationFailure(service string) {
	m.bundleValidationFailed.WithLabelValues(service).Inc()
}

func (m *HTTPServerMetrics) RecordTokenUsage(service string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, "in").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, "out").Add(float64(completionTokens))
	}
}

func (m *HTTPServerMetrics) RecordModelQueueWait(service string, wait time.Duration) {
	m.modelQueueWaitSeconds.WithLabelValues(service).Observe(wait.Seconds())
}

func (m *HTTPServerMetrics) RecordModelQueueRejected(service string) {
	m.modelQueueRejected.WithLabelValues(service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

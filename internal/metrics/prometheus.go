package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcomes recorded by RecordFrame
const (
	FrameProcessed = "processed"
	FrameDropped   = "dropped"
	FrameDecodeErr = "decode_error"
	FrameInferErr  = "inference_error"
)

// Metrics contains all Prometheus metrics for the ASR stream service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsAttached prometheus.Counter
	SessionsDetached *prometheus.CounterVec
	SessionConflicts *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	DegradedSessions prometheus.Counter

	// Frame metrics
	FramesReceived prometheus.Counter
	FrameOutcomes  *prometheus.CounterVec
	FrameBytes     prometheus.Histogram

	// Recognizer metrics
	InferenceDuration prometheus.Histogram
	EngineFailures    prometheus.Counter

	// Transcript metrics
	EventsEmitted   *prometheus.CounterVec
	PersistFailures prometheus.Counter
	CacheFailures   prometheus.Counter

	// Worker pool metrics
	WorkerQueueSize prometheus.Gauge

	// WebSocket transport metrics
	WSConnections prometheus.Gauge
	WSRejected    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_sessions",
			Help: "Current number of attached session pipelines",
		}),
		SessionsAttached: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_attached_total",
			Help: "Total number of session pipelines attached",
		}),
		SessionsDetached: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_sessions_detached_total",
			Help: "Total number of session pipelines detached by reason",
		}, []string{"reason"}),
		SessionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_session_conflicts_total",
			Help: "Total number of attach attempts for an already attached session",
		}, []string{"policy"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_session_duration_seconds",
			Help:    "Duration of session pipelines in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		DegradedSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_degraded_sessions_total",
			Help: "Total number of sessions that emitted finals which could not be persisted",
		}),

		// Frame metrics
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_frames_received_total",
			Help: "Total number of audio frames received",
		}),
		FrameOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_frames_total",
			Help: "Total number of audio frames by outcome",
		}, []string{"outcome"}),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_frame_size_bytes",
			Help:    "Size of received audio frames in bytes",
			Buckets: prometheus.ExponentialBuckets(80, 2, 10), // 10ms of G.711 to ~5s
		}),

		// Recognizer metrics
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Time spent normalizing and decoding one frame",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		EngineFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_engine_failures_total",
			Help: "Total number of unrecoverable recognizer failures",
		}),

		// Transcript metrics
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_events_emitted_total",
			Help: "Total number of transcript events emitted by type",
		}, []string{"type"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_persist_failures_total",
			Help: "Total number of finalized segments that could not be persisted",
		}),
		CacheFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_cache_failures_total",
			Help: "Total number of interim cache write failures",
		}),

		WorkerQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "asr_worker_queue_size",
			Help: "Current number of tasks waiting in the worker pool queue",
		}),

		// WebSocket transport metrics
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "asr_ws_connections",
			Help: "Current number of open transcription WebSocket connections",
		}),
		WSRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_ws_rejected_total",
			Help: "Total number of WebSocket connections closed before attaching",
		}, []string{"reason"}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of attached sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionAttached increments the sessions attached counter
func (m *Metrics) RecordSessionAttached() {
	m.SessionsAttached.Inc()
}

// RecordSessionDetached records a detached session and its duration
func (m *Metrics) RecordSessionDetached(reason string, durationSeconds float64, degraded bool) {
	m.SessionsDetached.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	if degraded {
		m.DegradedSessions.Inc()
	}
}

// RecordConflict records an attach conflict resolved with policy
func (m *Metrics) RecordConflict(policy string) {
	m.SessionConflicts.WithLabelValues(policy).Inc()
}

// RecordFrameReceived records an inbound frame and its size
func (m *Metrics) RecordFrameReceived(sizeBytes int) {
	m.FramesReceived.Inc()
	m.FrameBytes.Observe(float64(sizeBytes))
}

// RecordFrame records the outcome of a frame
func (m *Metrics) RecordFrame(outcome string) {
	m.FrameOutcomes.WithLabelValues(outcome).Inc()
}

// RecordInference records the time spent on one frame
func (m *Metrics) RecordInference(durationSeconds float64) {
	m.InferenceDuration.Observe(durationSeconds)
}

// RecordEngineFailure increments the unrecoverable engine failures counter
func (m *Metrics) RecordEngineFailure() {
	m.EngineFailures.Inc()
}

// RecordEvent increments the emitted events counter
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordPersistFailure increments the persistence failures counter
func (m *Metrics) RecordPersistFailure() {
	m.PersistFailures.Inc()
}

// RecordCacheFailure increments the cache failures counter
func (m *Metrics) RecordCacheFailure() {
	m.CacheFailures.Inc()
}

// SetWorkerQueueSize sets the current worker queue size
func (m *Metrics) SetWorkerQueueSize(size int) {
	m.WorkerQueueSize.Set(float64(size))
}

// SetWSConnections sets the current number of open WebSocket connections
func (m *Metrics) SetWSConnections(count int64) {
	m.WSConnections.Set(float64(count))
}

// RecordWSRejected records a connection that could not attach
func (m *Metrics) RecordWSRejected(reason string) {
	m.WSRejected.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

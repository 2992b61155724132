package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/asr-stream-service/internal/audio"
	"github.com/skypro1111/asr-stream-service/internal/config"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/pipeline"
	"github.com/skypro1111/asr-stream-service/internal/protocol"
	"github.com/skypro1111/asr-stream-service/internal/storage"
	"github.com/skypro1111/asr-stream-service/internal/workerpool"
)

const (
	serviceName = "asr-stream-service"

	sessionDetailSegments = 100
)

// Pinger is implemented by stores that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the HTTP API reports on
type Dependencies struct {
	Manager  *pipeline.Manager
	Registry storage.SessionRegistry
	Cold     storage.ColdStore
	Hot      storage.HotCache // optional
	Pool     *workerpool.Pool
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Version  string
}

// HTTPServer provides the transcription WebSocket and HTTP API endpoints
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	deps    Dependencies
	ws      *WSHandler
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, deps Dependencies) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}

	h.ws = NewWSHandler(WSConfig{
		ReadLimit:       appConfig.Server.WSReadLimit,
		WriteTimeout:    appConfig.Server.GetWriteTimeout(),
		PingInterval:    appConfig.Server.GetPingInterval(),
		DefaultEncoding: audio.Encoding(appConfig.Audio.Encoding),
	}, logger, deps.Manager, deps.Metrics)

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Addr returns the listen address
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Transcription WebSocket (long lived, not timed by withMetrics)
	mux.Handle(protocol.RoutePrefix, h.ws)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/recognizer", h.withMetrics("/stats/recognizer", h.handleRecognizerStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Stop is called
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
		slog.String("ws_route", protocol.RoutePrefix+"{session_id}"),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are
// not tracked by Shutdown; they end when the manager drains their pipelines.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ping(ctx context.Context, v interface{}) map[string]interface{} {
	p, ok := v.(Pinger)
	if !ok || p == nil {
		return map[string]interface{}{"status": "not_configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return map[string]interface{}{"status": "unavailable", "error": err.Error()}
	}
	return map[string]interface{}{"status": "running"}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	coldStatus := ping(ctx, h.deps.Cold)
	var hotStatus map[string]interface{}
	if h.deps.Hot != nil {
		hotStatus = ping(ctx, h.deps.Hot)
	} else {
		hotStatus = map[string]interface{}{"status": "disabled"}
	}

	status, code := "healthy", http.StatusOK
	if coldStatus["status"] == "unavailable" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else if hotStatus["status"] == "unavailable" {
		status = "degraded"
	}

	recognizerStats := h.deps.Manager.GetRecognizerStats()
	wsStats := h.ws.GetStatistics()

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": h.deps.Version,
		},
		"components": map[string]interface{}{
			"transport": map[string]interface{}{
				"status":             "running",
				"active_connections": wsStats.Active,
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.deps.Manager.GetActiveSessionCount(),
				"conflict_policy": h.deps.Manager.Policy(),
			},
			"recognizer": map[string]interface{}{
				"status":          "running",
				"driver":          recognizerStats.Driver,
				"total_pushes":    recognizerStats.TotalPushes,
				"success_rate":    recognizerStats.SuccessRate,
				"active_sessions": recognizerStats.ActiveSessions,
			},
			"cold_store": coldStatus,
			"hot_cache":  hotStatus,
		},
	}

	writeJSON(w, code, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pipelines := h.deps.Manager.GetAllSessions()
	infos := make([]pipeline.SessionInfo, 0, len(pipelines))
	for _, p := range pipelines {
		infos = append(infos, p.Info())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements /sessions/{id} and /sessions/{id}/segments
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	sessionID, sub, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		h.handleSessionInfo(w, r, sessionID)
	case "segments":
		h.handleSegments(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	session, found, err := h.deps.Registry.GetSession(ctx, sessionID)
	if err != nil {
		h.logger.Error("Session lookup failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
		return
	}

	live, attached := h.deps.Manager.GetSession(sessionID)
	if !found && !attached {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"session_id": sessionID,
		"attached":   attached,
	}
	if found {
		response["session"] = session
	}
	if attached {
		response["pipeline"] = live.Info()
	}

	if h.deps.Hot != nil {
		if interim, ok, err := h.deps.Hot.Get(ctx, sessionID); err == nil && ok {
			response["interim"] = interim
		}
	}

	if lastSeq, ok, err := h.deps.Cold.MaxSeq(ctx, sessionID); err == nil && ok {
		response["last_seq"] = lastSeq
	}

	// Longer transcripts are paged through /sessions/{id}/segments
	if segments, err := h.deps.Cold.Segments(ctx, sessionID, 0, sessionDetailSegments); err == nil {
		if segments == nil {
			segments = []storage.Segment{}
		}
		response["segments"] = segments
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPServer) handleSegments(w http.ResponseWriter, r *http.Request, sessionID string) {
	query := r.URL.Query()

	from := int64(0)
	if v := query.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "Invalid from", http.StatusBadRequest)
			return
		}
		from = n
	}

	limit := 100
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	segments, err := h.deps.Cold.Segments(r.Context(), sessionID, from, limit)
	if err != nil {
		h.logger.Error("Segment query failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if segments == nil {
		segments = []storage.Segment{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"from":       from,
		"count":      len(segments),
		"segments":   segments,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Credentials are redacted and the recognizer API key is omitted
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":       h.config.Server.Address,
			"port":          h.config.Server.Port,
			"ws_read_limit": h.config.Server.WSReadLimit,
			"write_timeout": h.config.Server.WriteTimeout,
			"ping_interval": h.config.Server.PingInterval,
		},
		"audio": map[string]interface{}{
			"encoding":    h.config.Audio.Encoding,
			"source_rate": h.config.Audio.SourceRate,
			"target_rate": h.config.Audio.TargetRate,
		},
		"recognizer": map[string]interface{}{
			"driver":       h.config.Recognizer.Driver,
			"endpoint":     h.config.Recognizer.Endpoint,
			"timeout_ms":   h.config.Recognizer.Timeout,
			"dial_timeout": h.config.Recognizer.DialTimeout,
		},
		"pipeline": map[string]interface{}{
			"workers":            h.config.Pipeline.Workers,
			"queue_depth":        h.config.Pipeline.QueueDepth,
			"session_queue":      h.config.Pipeline.SessionQueue,
			"event_buffer":       h.config.Pipeline.EventBuffer,
			"idle_timeout":       h.config.Pipeline.IdleTimeout,
			"cleanup_interval":   h.config.Pipeline.CleanupInterval,
			"conflict_policy":    h.config.Pipeline.ConflictPolicy,
			"persist_retries":    h.config.Pipeline.PersistRetries,
			"persist_backoff_ms": h.config.Pipeline.PersistBackoff,
		},
		"storage": map[string]interface{}{
			"driver": h.config.Storage.Driver,
			"dsn":    h.config.Storage.RedactedDSN(),
		},
		"cache": map[string]interface{}{
			"enabled":    h.config.Cache.Enabled,
			"url":        h.config.Cache.RedactedURL(),
			"ttl":        h.config.Cache.TTL,
			"key_prefix": h.config.Cache.KeyPrefix,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"transport":  h.ws.GetStatistics(),
		"recognizer": h.deps.Manager.GetRecognizerStats(),
		"workers":    h.deps.Pool.Stats(),
		"sessions": map[string]interface{}{
			"active_count": h.deps.Manager.GetActiveSessionCount(),
		},
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRecognizerStats implements the /stats/recognizer endpoint
func (h *HTTPServer) handleRecognizerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Manager.GetRecognizerStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "ASR Stream Service",
		"version": h.deps.Version,
		"endpoints": map[string]interface{}{
			"GET /":                               "API documentation",
			"GET /ws/transcribe/{session_id}":     "Transcription WebSocket (query: user_id, encoding=ulaw|alaw|slin16)",
			"GET /health":                         "Service health check",
			"GET /sessions":                       "List attached sessions",
			"GET /sessions/{session_id}":          "Session record, live pipeline and current interim",
			"GET /sessions/{session_id}/segments": "Persisted segments (query: from, limit)",
			"GET /config":                         "Get service configuration",
			"GET /stats":                          "Get service statistics",
			"GET /stats/recognizer":               "Get recognizer statistics",
			"GET /metrics":                        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

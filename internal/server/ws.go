package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-stream-service/internal/audio"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/pipeline"
	"github.com/skypro1111/asr-stream-service/internal/protocol"
	"github.com/skypro1111/asr-stream-service/internal/storage"
)

// WSConfig contains WebSocket transport configuration
type WSConfig struct {
	ReadLimit       int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	DefaultEncoding audio.Encoding
}

// WSHandler upgrades transcription requests and bridges them to session pipelines
type WSHandler struct {
	config   WSConfig
	logger   *slog.Logger
	manager  *pipeline.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Statistics
	connections atomic.Uint64
	rejected    atomic.Uint64
	active      atomic.Int64
}

// NewWSHandler creates a WebSocket handler
func NewWSHandler(cfg WSConfig, logger *slog.Logger, manager *pipeline.Manager, m *metrics.Metrics) *WSHandler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = audio.MaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.DefaultEncoding == "" {
		cfg.DefaultEncoding = audio.EncodingALaw
	}

	return &WSHandler{
		config:  cfg,
		logger:  logger,
		manager: manager,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony gateways connect without browser origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WSStats represents WebSocket transport statistics
type WSStats struct {
	Connections uint64 `json:"connections"`
	Rejected    uint64 `json:"rejected"`
	Active      int64  `json:"active"`
}

// GetStatistics returns current transport statistics
func (h *WSHandler) GetStatistics() WSStats {
	return WSStats{
		Connections: h.connections.Load(),
		Rejected:    h.rejected.Load(),
		Active:      h.active.Load(),
	}
}

// ServeHTTP handles GET /ws/transcribe/{session_id}
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, protocol.RoutePrefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	if err := storage.ValidateID("session id", sessionID); err != nil {
		http.Error(w, "Session ID too long", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	encoding := h.config.DefaultEncoding
	if name := query.Get(protocol.QueryEncoding); name != "" {
		enc, err := audio.ParseEncoding(name)
		if err != nil {
			http.Error(w, "Unsupported encoding", http.StatusBadRequest)
			return
		}
		encoding = enc
	}

	userID := query.Get(protocol.QueryUserID)
	if userID == "" {
		userID = "anonymous"
	}
	if len(userID) > storage.MaxIDLength {
		http.Error(w, "User ID too long", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	h.connections.Add(1)
	h.metrics.SetWSConnections(h.active.Add(1))
	defer func() {
		h.metrics.SetWSConnections(h.active.Add(-1))
	}()

	conn.SetReadLimit(h.config.ReadLimit)

	p, err := h.manager.Attach(r.Context(), pipeline.AttachRequest{
		SessionID: sessionID,
		UserID:    userID,
		Encoding:  encoding,
	})
	if err != nil {
		h.rejected.Add(1)
		code, reason, label := protocol.CloseEngineFailure, "session unavailable", "attach_failed"
		if errors.Is(err, pipeline.ErrSessionConflict) {
			code, reason, label = protocol.CloseConflict, "session already attached", "conflict"
		}
		h.metrics.RecordWSRejected(label)
		h.logger.Warn("Attach failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		h.writeClose(conn, code, reason)
		return
	}

	logger := h.logger.With(slog.String("session_id", sessionID))
	logger.Info("Client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_id", userID),
		slog.String("encoding", string(encoding)),
	)

	writeDone := make(chan struct{})
	go h.writePump(conn, p, logger, writeDone)

	h.readPump(conn, p, logger)

	p.Drain()
	<-writeDone

	logger.Info("Client disconnected",
		slog.String("reason", p.Reason()),
	)
}

// readPump forwards binary frames to the pipeline until the client goes away
// or the pipeline stops accepting
func (h *WSHandler) readPump(conn *websocket.Conn, p *pipeline.Pipeline, logger *slog.Logger) {
	if h.config.PingInterval > 0 {
		deadline := 2 * h.config.PingInterval
		conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read ended", slog.String("error", err.Error()))
			}
			return
		}

		if h.config.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
		}

		if msgType != websocket.BinaryMessage {
			logger.Debug("Ignoring non-binary message", slog.Int("bytes", len(data)))
			continue
		}

		if err := p.Push(data); err != nil {
			if errors.Is(err, pipeline.ErrNotAccepting) {
				return
			}
			logger.Debug("Frame not queued", slog.String("error", err.Error()))
		}
	}
}

// writePump sends pipeline events to the client until the pipeline detaches,
// then closes the connection with a code reflecting why it ended
func (h *WSHandler) writePump(conn *websocket.Conn, p *pipeline.Pipeline, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	var ping <-chan time.Time
	if h.config.PingInterval > 0 {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	// After a write error events are still consumed so the pipeline can finish
	broken := false

	for {
		select {
		case event, ok := <-p.Events():
			if !ok {
				if !broken {
					code, reason := closeFor(p)
					h.writeClose(conn, code, reason)
				}
				conn.Close()
				return
			}
			if broken {
				continue
			}

			data, err := event.Encode()
			if err != nil {
				logger.Error("Failed to encode event", slog.String("error", err.Error()))
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				broken = true
				logger.Warn("Failed to write event, discarding the rest",
					slog.Int64("seq", event.Seq),
					slog.String("error", err.Error()),
				)
			}

		case <-ping:
			if broken {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				broken = true
			}
		}
	}
}

func (h *WSHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
}

// closeFor maps the pipeline's end to a close code
func closeFor(p *pipeline.Pipeline) (int, string) {
	if p.Err() != nil {
		return protocol.CloseEngineFailure, "recognizer failure"
	}

	switch p.Reason() {
	case pipeline.ReasonEvicted:
		return websocket.CloseNormalClosure, "session attached elsewhere"
	case pipeline.ReasonIdle:
		return websocket.CloseNormalClosure, "idle timeout"
	case pipeline.ReasonShutdown:
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

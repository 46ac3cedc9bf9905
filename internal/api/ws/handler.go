package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/vad"
)

// Controller is the part of the session controller the receiver drives.
type Controller interface {
	Start(id string, opts session.Options, sub session.Subscriber) (string, error)
	Ingest(f audio.Frame) error
	Stop(id string) error
	Detach(id string, sub session.Subscriber) error
	Resume(id string, sub session.Subscriber) (session.Info, error)
}

// Config tunes a connection.
type Config struct {
	MaxFrameBytes   int
	FramesPerSecond float64
	FrameBurst      int
	// OutboundQueueSize bounds encoded events waiting for the socket.
	OutboundQueueSize int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
}

// DefaultConfig returns connection defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:     64 * 1024,
		FramesPerSecond:   100,
		FrameBurst:        200,
		OutboundQueueSize: 256,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		PongWait:          60 * time.Second,
	}
}

// Handler upgrades HTTP requests to audio streaming connections.
type Handler struct {
	cfg      Config
	ctrl     Controller
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates a receiver bound to ctrl.
func NewHandler(cfg Config, ctrl Controller, m *metrics.Metrics) *Handler {
	def := DefaultConfig()
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = def.FramesPerSecond
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = def.FrameBurst
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = def.OutboundQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 3 * cfg.PingInterval
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{
		cfg:     cfg,
		ctrl:    ctrl,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser and native clients connect from arbitrary origins; access control
			// belongs to the fronting gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	c := &conn{
		h:       h,
		ws:      ws,
		id:      connID,
		log:     logging.WithConnection(connID, r.RemoteAddr),
		out:     make(chan outFrame, h.cfg.OutboundQueueSize),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.FramesPerSecond), h.cfg.FrameBurst),
	}
	h.metrics.RecordConnectionOpen()
	c.log.Info().Msg("Audio connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	reason := c.readLoop()

	close(c.closed)
	<-writerDone
	_ = ws.Close()
	if c.sessionID != "" {
		if err := h.ctrl.Detach(c.sessionID, c); err != nil && !errors.Is(err, session.ErrSessionNotFound) && !errors.Is(err, session.ErrSessionClosed) {
			c.log.Warn().Err(err).Str("sessionId", c.sessionID).Msg("Failed to detach session")
		}
	}
	h.metrics.RecordConnectionClose(reason)
	c.log.Info().Str("reason", reason).Str("sessionId", c.sessionID).Msg("Audio connection closed")
}

// conn is one client connection. Its read loop runs on the HTTP handler
// goroutine; a writer goroutine owns all socket writes.
type conn struct {
	h       *Handler
	ws      *websocket.Conn
	id      string
	log     zerolog.Logger // never reassigned; shared with the writer
	out     chan outFrame
	closed  chan struct{}
	limiter *rate.Limiter

	// read-loop owned
	sessionID string
}

// readLoop returns the close reason.
func (c *conn) readLoop() string {
	c.ws.SetReadLimit(int64(HeaderSize(255) + c.h.cfg.MaxFrameBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "client_closed"
			case errors.Is(err, websocket.ErrReadLimit):
				c.log.Warn().Msg("Message exceeds read limit")
				return "read_limit"
			default:
				c.log.Debug().Err(err).Msg("Read failed")
				return "read_error"
			}
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))

		switch mt {
		case websocket.TextMessage:
			c.handleControl(data)
		case websocket.BinaryMessage:
			c.handleAudio(data)
		}
	}
}

func (c *conn) handleControl(data []byte) {
	msg, err := DecodeControl(data)
	if err != nil {
		c.sendDecodeError(err)
		return
	}

	switch msg.Type {
	case MsgStart:
		if c.sessionID != "" {
			c.notice(models.EventWarning, "already_started", "connection is already bound to a session")
			return
		}
		opts := session.Options{
			TenantID:     msg.TenantID,
			LanguageCode: msg.Language,
			Format:       audio.Format{SampleRateHz: msg.SampleRateHz, Channels: msg.Channels},
		}
		if msg.Channels == 0 && msg.SampleRateHz != 0 {
			opts.Format.Channels = 1
		}
		if msg.Sensitivity != "" {
			s, err := vad.ParseSensitivity(msg.Sensitivity)
			if err != nil {
				c.notice(models.EventError, CodeBadControl, err.Error())
				return
			}
			opts.Sensitivity = s
		}
		id, err := c.h.ctrl.Start(msg.SessionID, opts, c)
		if err != nil {
			c.notice(models.EventError, startErrorCode(err), err.Error())
			return
		}
		c.sessionID = id
		c.log.Info().Str("sessionId", id).Str("tenantId", msg.TenantID).Msg("Session started on connection")
		c.enqueue(models.SessionState{
			EventType: models.EventSessionState,
			SessionID: id,
			TenantID:  msg.TenantID,
			Timestamp: time.Now().UnixMilli(),
			State:     session.StateIdle.String(),
			Reason:    "started",
		}, true)

	case MsgStop:
		if c.sessionID == "" {
			c.notice(models.EventWarning, "no_session", "stop before start")
			return
		}
		if err := c.h.ctrl.Stop(c.sessionID); err != nil {
			c.notice(models.EventError, "session_closed", err.Error())
		}

	case MsgResume:
		if c.sessionID != "" {
			c.notice(models.EventWarning, "already_started", "connection is already bound to a session")
			return
		}
		info, err := c.h.ctrl.Resume(msg.SessionID, c)
		if err != nil {
			code := "session_closed"
			if errors.Is(err, session.ErrSessionNotFound) {
				code = "session_not_found"
			}
			c.notice(models.EventError, code, err.Error())
			return
		}
		c.sessionID = msg.SessionID
		c.log.Info().Str("sessionId", msg.SessionID).Uint64("lastSequence", info.LastSequence).Msg("Session resumed on connection")
	}
}

func (c *conn) handleAudio(data []byte) {
	if c.sessionID == "" {
		c.h.metrics.RecordFrameRejected("no_session")
		c.notice(models.EventError, "no_session", "audio before start")
		return
	}
	if len(data) > HeaderSize(len(c.sessionID))+c.h.cfg.MaxFrameBytes {
		c.h.metrics.RecordFrameRejected("too_large")
		c.notice(models.EventWarning, "frame_too_large", "audio frame exceeds max size")
		return
	}
	if !c.limiter.Allow() {
		c.h.metrics.RecordFrameRejected("rate_limited")
		c.notice(models.EventWarning, "rate_limited", "inbound audio rate limit exceeded")
		return
	}

	f, err := DecodeFrame(data)
	if err != nil {
		c.h.metrics.RecordFrameRejected("decode")
		c.sendDecodeError(err)
		return
	}
	if f.SessionID != c.sessionID {
		c.h.metrics.RecordFrameRejected("session_mismatch")
		c.notice(models.EventError, "session_mismatch", "frame addressed to another session")
		return
	}

	switch err := c.h.ctrl.Ingest(f); {
	case err == nil:
	case errors.Is(err, session.ErrQueueFull):
		// the hole is recovered or marked by continuity tracking
		c.notice(models.EventWarning, "queue_full", "frame dropped under load")
	case errors.Is(err, session.ErrInvalidFrame):
		c.notice(models.EventError, "invalid_frame", err.Error())
	default:
		c.notice(models.EventError, "session_closed", err.Error())
	}
}

func (c *conn) sendDecodeError(err error) {
	code := CodeBadControl
	var de *DecodeError
	if errors.As(err, &de) {
		code = de.Code
	}
	c.log.Debug().Err(err).Msg("Rejected client message")
	c.notice(models.EventError, code, err.Error())
}

func (c *conn) notice(eventType, code, message string) {
	c.enqueue(models.Notice{
		EventType: eventType,
		SessionID: c.sessionID,
		Timestamp: time.Now().UnixMilli(),
		Code:      code,
		Message:   message,
	}, false)
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionExists):
		return "session_exists"
	case errors.Is(err, session.ErrTooManySessions):
		return "capacity"
	case errors.Is(err, session.ErrShuttingDown):
		return "shutting_down"
	default:
		return "bad_request"
	}
}

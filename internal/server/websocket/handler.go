package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxMessageSize is the largest client message the read loop accepts. Browser
// clients only ever send close and pong frames.
const maxMessageSize = 64 * 1024

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// SessionResolver extracts the session a request wants to watch. It reports
// false when the session does not exist.
type SessionResolver func(r *http.Request) (string, bool)

// Handler upgrades HTTP connections to WebSocket and streams the messages of
// one console session to the client.
//
// Cross-origin upgrades are refused: the Origin header, when present, must
// name the request's own host. The server pings every ping interval and drops
// a client that has not answered within two intervals.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	session  SessionResolver
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	pingInterval time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPingInterval sets how often the server pings each client. d ≤ 0 keeps
// the default of 30 seconds.
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// NewHandler creates a Handler backed by bc. writeTimeout ≤ 0 defaults to 10
// seconds.
func NewHandler(bc *Broadcaster, session SessionResolver, logger *slog.Logger, writeTimeout time.Duration, opts ...HandlerOption) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		bc:           bc,
		logger:       logger,
		session:      session,
		writeTimeout: writeTimeout,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Nil CheckOrigin applies the same-host rule.
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles the upgrade and drives the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.session(r)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Upgrade writes the error response itself.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID, sessionID)
	defer h.bc.Unregister(clientID)

	log := h.logger.With(
		slog.String("client_id", clientID),
		slog.String("session_id", sessionID),
	)
	log.Info("websocket: client connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("websocket: read loop panic recovered", slog.Any("recover", rec))
			}
		}()
		h.readLoop(conn, log)
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("websocket: client disconnected")
			return

		case msg, ok := <-client.Send():
			if !ok {
				// Unregistered: the session was closed or the server is
				// shutting down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(h.writeTimeout))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				log.Warn("websocket: set write deadline failed", slog.Any("error", err))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("websocket: write message failed", slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				log.Debug("websocket: ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop consumes client messages until the connection fails, the client
// closes it, a message exceeds maxMessageSize, or no pong arrives in time.
// The default handlers answer pings and echo close frames.
func (h *Handler) readLoop(conn *websocket.Conn, log *slog.Logger) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket: read failed", slog.Any("error", err))
			}
			return
		}
	}
}

// ABOUTME: WebSocket endpoint where remote agents dial in.
// ABOUTME: Runs the hello/welcome handshake and the per-connection dispatch loop.

package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds how long a fresh socket may sit without a hello.
const handshakeTimeout = 10 * time.Second

// maxFrameSize bounds a single envelope. Engine responses above this are
// expected to go through the streaming path.
const maxFrameSize = 32 << 20

// TokenValidator authenticates an agent's bearer token during the handshake.
type TokenValidator interface {
	// ValidateAgentToken returns the bound environment and token ids, or
	// ErrAuthenticationFailed-compatible error for bad/expired/revoked tokens.
	ValidateAgentToken(ctx context.Context, raw string) (environmentID, tokenID string, err error)
}

// EventSink receives out-of-band pushes (container events, metrics) for
// external collaborators such as the dashboard's notification layer.
type EventSink interface {
	ContainerEvent(environmentID string, ev *ContainerEvent)
	HostMetrics(environmentID string, m *Metrics)
}

// Handler upgrades agent connections and feeds frames to the registry.
type Handler struct {
	registry  *Registry
	validator TokenValidator
	events    EventSink
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewHandler creates the agent tunnel endpoint. events may be nil.
func NewHandler(registry *Registry, validator TokenValidator, events EventSink, logger *slog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		validator: validator,
		events:    events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Agents are not browsers; no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "tunnel_handler"),
	}
}

// ServeHTTP handles GET /agent/ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn, ok := h.handshake(r.Context(), ws)
	if !ok {
		ws.Close()
		return
	}

	h.registry.Register(conn)
	defer h.registry.Unregister(conn)

	h.readLoop(conn, ws)
}

// handshake reads and validates the hello frame. On failure an error frame is
// written and no registry entry is created.
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn) (*Connection, bool) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Warn("reading hello frame", "error", err)
		return nil, false
	}
	ws.SetReadDeadline(time.Time{})

	frame, err := DecodeFrame(data)
	if err != nil || frame.Type != TypeHello {
		h.logger.Warn("handshake rejected: first frame is not hello", "error", err)
		ws.WriteJSON(&ErrorFrame{Type: TypeError, Message: "expected hello"})
		return nil, false
	}
	hello := frame.Hello

	environmentID, tokenID, err := h.validator.ValidateAgentToken(ctx, hello.Token)
	if err != nil {
		// Do not echo token material; the raw value never reaches a log line.
		h.logger.Warn("handshake rejected: authentication failed",
			"agent_id", hello.AgentID,
			"agent_name", hello.AgentName,
		)
		ws.WriteJSON(&ErrorFrame{Type: TypeError, Message: "authentication failed"})
		return nil, false
	}

	identity := AgentIdentity{
		ID:            hello.AgentID,
		Name:          hello.AgentName,
		Version:       hello.Version,
		DockerVersion: hello.DockerVersion,
		Hostname:      hello.Hostname,
		Capabilities:  hello.Capabilities,
	}
	conn := NewConnection(environmentID, identity, ws, h.logger.With(
		"environment_id", environmentID,
		"agent_id", hello.AgentID,
	))

	if err := conn.Send(&Welcome{Type: TypeWelcome, EnvironmentID: environmentID}); err != nil {
		h.logger.Warn("sending welcome", "environment_id", environmentID, "error", err)
		return nil, false
	}

	h.logger.Debug("handshake complete",
		"environment_id", environmentID,
		"token_id", tokenID,
	)
	return conn, true
}

// readLoop dispatches inbound frames until the transport dies. Malformed or
// unknown frames are logged and dropped; they never desynchronize the
// connection.
func (h *Handler) readLoop(conn *Connection, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Info("agent transport closed",
				"environment_id", conn.EnvironmentID, "error", err)
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping malformed frame",
				"environment_id", conn.EnvironmentID, "error", err)
			continue
		}
		h.dispatch(conn, frame)
	}
}

func (h *Handler) dispatch(conn *Connection, frame *Frame) {
	switch frame.Type {
	case TypePing:
		conn.TouchHeartbeat()
		if err := conn.Send(&Pong{Type: TypePong, Timestamp: frame.Ping.Timestamp}); err != nil {
			h.logger.Debug("answering ping", "environment_id", conn.EnvironmentID, "error", err)
		}
	case TypePong:
		conn.TouchHeartbeat()
	case TypeResponse:
		conn.HandleResponse(frame.Response)
	case TypeStream:
		conn.HandleStream(frame.Stream)
	case TypeStreamEnd:
		conn.HandleStreamEnd(frame.StreamEnd)
	case TypeExecReady:
		h.registry.Exec().HandleReady(frame.ExecReady)
	case TypeExecOutput:
		h.registry.Exec().HandleOutput(frame.ExecOutput)
	case TypeExecEnd:
		h.registry.Exec().HandleEnd(frame.ExecEnd)
	case TypeContainerEvent:
		if h.events != nil {
			h.events.ContainerEvent(conn.EnvironmentID, frame.ContainerEvent)
		}
	case TypeMetrics:
		if h.events != nil {
			h.events.HostMetrics(conn.EnvironmentID, frame.Metrics)
		}
	case TypeHello:
		h.logger.Warn("duplicate hello after handshake",
			"environment_id", conn.EnvironmentID)
	default:
		// Server-to-agent frame types echoed back, or future additions.
		h.logger.Warn("dropping unexpected frame",
			"environment_id", conn.EnvironmentID, "type", string(frame.Type))
	}
}

// ABOUTME: Browser-facing WebSocket endpoint for interactive container shells.
// ABOUTME: Bridges a dashboard terminal to the exec bridge or a local daemon.

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/capstan-io/capstan/internal/store"
	"github.com/capstan-io/capstan/internal/tunnel"
)

// The terminal speaks the same JSON envelopes as the agent tunnel, so
// the dashboard only needs one frame vocabulary.

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The session token authenticates the upgrade; origin checks add
	// nothing for a token-bearing request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsExecClient adapts a browser WebSocket to the exec bridge's client
// interface. Writes are serialized; gorilla connections allow only one
// concurrent writer.
type wsExecClient struct {
	conn   *websocket.Conn
	execID string

	mu     sync.Mutex
	closed bool
}

func (c *wsExecClient) WriteOutput(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn.WriteJSON(&tunnel.ExecOutput{Type: tunnel.TypeExecOutput, ExecID: c.execID, Data: data})
}

func (c *wsExecClient) SessionClosed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteJSON(&tunnel.ExecEnd{Type: tunnel.TypeExecEnd, ExecID: c.execID, Reason: reason})
	_ = c.conn.Close()
}

// handleTerminal handles GET /api/terminal/{envID}?container=...&token=...
// Browsers cannot set headers on a WebSocket upgrade, so the session
// token travels as a query parameter and is checked here.
func (g *Gateway) handleTerminal(w http.ResponseWriter, r *http.Request) {
	envID := strings.TrimPrefix(r.URL.Path, "/api/terminal/")
	if envID == "" || strings.Contains(envID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "environment id required")
		return
	}

	if g.sessions != nil {
		if _, err := g.sessions.Verify(r.URL.Query().Get("token")); err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
	}

	env, ok := g.loadEnvironment(w, r, envID)
	if !ok {
		return
	}

	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "container is required")
		return
	}
	var cmd []string
	if raw := r.URL.Query().Get("cmd"); raw != "" {
		cmd = strings.Fields(raw)
	}
	user := r.URL.Query().Get("user")
	cols := parseDimension(r.URL.Query().Get("cols"), 80)
	rows := parseDimension(r.URL.Query().Get("rows"), 24)

	ws, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("terminal upgrade failed", "error", err)
		return
	}

	switch env.Kind {
	case store.EnvironmentTunnel:
		g.runTunnelTerminal(ws, envID, containerID, cmd, user, cols, rows)
	case store.EnvironmentLocal:
		g.runLocalTerminal(r, ws, env, containerID, cmd, user, cols, rows)
	default:
		closeTerminal(ws, "", "unknown environment kind")
	}
}

// runTunnelTerminal relays frames between the browser and the exec
// bridge for a tunnel-mode environment.
func (g *Gateway) runTunnelTerminal(ws *websocket.Conn, envID, containerID string, cmd []string, user string, cols, rows uint16) {
	client := &wsExecClient{conn: ws}
	bridge := g.registry.Exec()

	execID, err := bridge.OpenExec(envID, containerID, cmd, user, cols, rows, client)
	if err != nil {
		closeTerminal(ws, "", terminalOpenError(err))
		return
	}
	// The bridge may already be delivering output for this session, so
	// the id is assigned under the same lock WriteOutput reads it with.
	// Tell the browser its exec id so inbound frames can carry it.
	client.mu.Lock()
	client.execID = execID
	_ = ws.WriteJSON(&tunnel.ExecReady{Type: tunnel.TypeExecReady, ExecID: execID})
	client.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			bridge.CloseLocal(execID)
			return
		}
		frame, err := tunnel.DecodeFrame(data)
		if err != nil {
			g.logger.Debug("dropping undecodable terminal frame", "exec_id", execID, "error", err)
			continue
		}
		switch frame.Type {
		case tunnel.TypeExecInput:
			if err := bridge.SendInput(execID, frame.ExecInput.Data); err != nil {
				client.SessionClosed("agent connection lost")
				return
			}
		case tunnel.TypeExecResize:
			_ = bridge.Resize(execID, frame.ExecResize.Cols, frame.ExecResize.Rows)
		case tunnel.TypeExecEnd:
			bridge.CloseLocal(execID)
			_ = ws.Close()
			return
		default:
			g.logger.Debug("unexpected terminal frame", "exec_id", execID, "frame_type", frame.Type)
		}
	}
}

// runLocalTerminal attaches directly to the local daemon's exec API.
func (g *Gateway) runLocalTerminal(r *http.Request, ws *websocket.Conn, env *store.Environment, containerID string, cmd []string, user string, cols, rows uint16) {
	engine, err := g.localEngine(env)
	if err != nil {
		closeTerminal(ws, "", "failed to reach local daemon")
		return
	}

	// The exec session must outlive the upgrade request's context.
	term, err := engine.StartExec(r.Context(), containerID, cmd, user, cols, rows)
	if err != nil {
		closeTerminal(ws, "", "failed to start exec: "+err.Error())
		return
	}

	execID := uuid.NewString()
	client := &wsExecClient{conn: ws, execID: execID}

	client.mu.Lock()
	_ = ws.WriteJSON(&tunnel.ExecReady{Type: tunnel.TypeExecReady, ExecID: execID})
	client.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := term.Read(buf)
			if n > 0 {
				if werr := client.WriteOutput(append([]byte(nil), buf[:n]...)); werr != nil {
					_ = term.Close()
					return
				}
			}
			if err != nil {
				client.SessionClosed("exited")
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = term.Close()
			return
		}
		frame, err := tunnel.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case tunnel.TypeExecInput:
			if _, err := term.Write(frame.ExecInput.Data); err != nil {
				client.SessionClosed("exited")
				_ = term.Close()
				return
			}
		case tunnel.TypeExecResize:
			_ = term.Resize(r.Context(), frame.ExecResize.Cols, frame.ExecResize.Rows)
		case tunnel.TypeExecEnd:
			_ = term.Close()
			_ = ws.Close()
			return
		}
	}
}

func terminalOpenError(err error) string {
	if errors.Is(err, tunnel.ErrAgentNotConnected) {
		return "agent not connected"
	}
	return "failed to open exec session"
}

// closeTerminal reports a pre-session failure over an already upgraded
// socket, where HTTP status codes are no longer available.
func closeTerminal(ws *websocket.Conn, execID, reason string) {
	_ = ws.WriteJSON(&tunnel.ExecEnd{Type: tunnel.TypeExecEnd, ExecID: execID, Reason: reason})
	_ = ws.Close()
}

func parseDimension(raw string, fallback uint16) uint16 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return fallback
	}
	return uint16(n)
}

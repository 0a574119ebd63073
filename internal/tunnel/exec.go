// ABOUTME: Exec/terminal bridge relaying interactive sessions over a tunnel.
// ABOUTME: Keyed by exec id, a namespace independent of request ids.

package tunnel

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ExecClient is the local side of a terminal session, typically a browser
// WebSocket. The bridge never consults the unary/stream pending maps.
type ExecClient interface {
	// WriteOutput forwards decoded terminal output verbatim to the client.
	WriteOutput(data []byte) error
	// SessionClosed tells the client the remote side ended the session.
	SessionClosed(reason string)
}

type execSession struct {
	id     string
	conn   *Connection
	client ExecClient
}

// ExecBridge tracks live exec sessions and relays frames in both directions.
type ExecBridge struct {
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*execSession
	logger   *slog.Logger
}

func newExecBridge(registry *Registry, logger *slog.Logger) *ExecBridge {
	return &ExecBridge{
		registry: registry,
		sessions: make(map[string]*execSession),
		logger:   logger.With("component", "exec"),
	}
}

// OpenExec starts an interactive shell inside a container on a tunnel-mode
// environment. It returns after dispatching exec_start; output arrives
// asynchronously on the client once the agent sends exec_ready.
func (b *ExecBridge) OpenExec(environmentID, containerID string, cmd []string, user string, cols, rows uint16, client ExecClient) (string, error) {
	conn, ok := b.registry.get(environmentID)
	if !ok {
		return "", ErrAgentNotConnected
	}

	execID := uuid.New().String()
	b.mu.Lock()
	b.sessions[execID] = &execSession{id: execID, conn: conn, client: client}
	b.mu.Unlock()

	start := &ExecStart{
		Type:        TypeExecStart,
		ExecID:      execID,
		ContainerID: containerID,
		Cmd:         cmd,
		User:        user,
		Cols:        cols,
		Rows:        rows,
	}
	if err := conn.Send(start); err != nil {
		b.take(execID)
		return "", err
	}

	b.logger.Info("exec session opened",
		"exec_id", execID,
		"environment_id", environmentID,
		"container_id", containerID,
	)
	return execID, nil
}

// SendInput forwards client keystrokes to the remote PTY.
func (b *ExecBridge) SendInput(execID string, data []byte) error {
	s := b.lookup(execID)
	if s == nil {
		return ErrExecSessionNotFound
	}
	return s.conn.Send(&ExecInput{Type: TypeExecInput, ExecID: execID, Data: data})
}

// Resize propagates a terminal geometry change to the remote PTY.
func (b *ExecBridge) Resize(execID string, cols, rows uint16) error {
	s := b.lookup(execID)
	if s == nil {
		return ErrExecSessionNotFound
	}
	return s.conn.Send(&ExecResize{Type: TypeExecResize, ExecID: execID, Cols: cols, Rows: rows})
}

// CloseLocal tears down a session because the local client went away.
// The agent is told with exec_end{reason:"user_closed"}. Idempotent.
func (b *ExecBridge) CloseLocal(execID string) {
	s := b.take(execID)
	if s == nil {
		return
	}
	if err := s.conn.Send(&ExecEnd{Type: TypeExecEnd, ExecID: execID, Reason: "user_closed"}); err != nil {
		b.logger.Debug("sending exec end", "exec_id", execID, "error", err)
	}
	b.logger.Info("exec session closed by client", "exec_id", execID)
}

// HandleReady logs PTY allocation. Output may start arriving immediately after.
func (b *ExecBridge) HandleReady(ready *ExecReady) {
	if b.lookup(ready.ExecID) == nil {
		b.logger.Warn("exec ready for unknown session", "exec_id", ready.ExecID)
		return
	}
	b.logger.Debug("exec session ready", "exec_id", ready.ExecID)
}

// HandleOutput forwards decoded terminal output to the local client.
// Output for a session that no longer exists is dropped without error.
func (b *ExecBridge) HandleOutput(out *ExecOutput) {
	s := b.lookup(out.ExecID)
	if s == nil {
		b.logger.Debug("exec output for unknown session", "exec_id", out.ExecID)
		return
	}
	if err := s.client.WriteOutput(out.Data); err != nil {
		b.logger.Warn("writing exec output to client", "exec_id", out.ExecID, "error", err)
		b.CloseLocal(out.ExecID)
	}
}

// HandleEnd tears down a session because the agent side ended it.
func (b *ExecBridge) HandleEnd(end *ExecEnd) {
	s := b.take(end.ExecID)
	if s == nil {
		return
	}
	s.client.SessionClosed(end.Reason)
	b.logger.Info("exec session ended by agent", "exec_id", end.ExecID, "reason", end.Reason)
}

// dropSessionsForConnection closes every session riding on a connection that
// was replaced or closed.
func (b *ExecBridge) dropSessionsForConnection(conn *Connection) {
	b.mu.Lock()
	var dropped []*execSession
	for id, s := range b.sessions {
		if s.conn == conn {
			delete(b.sessions, id)
			dropped = append(dropped, s)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.client.SessionClosed("Connection closed")
		b.logger.Info("exec session dropped with connection", "exec_id", s.id)
	}
}

func (b *ExecBridge) lookup(execID string) *execSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[execID]
}

func (b *ExecBridge) take(execID string) *execSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[execID]
	if !ok {
		return nil
	}
	delete(b.sessions, execID)
	return s
}

// ABOUTME: One live tunnel session on the agent side.
// ABOUTME: Dispatches server frames to the local daemon and pushes telemetry.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capstan-io/capstan/internal/docker"
	"github.com/capstan-io/capstan/internal/tunnel"
)

// ExecSession is the per-session terminal surface the dispatcher needs.
// Satisfied by *docker.ExecSession.
type ExecSession interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(ctx context.Context, cols, rows uint16) error
	Close() error
}

type execState struct {
	term   ExecSession
	cancel context.CancelFunc
}

// session is one live connection to the server. It owns the dispatch
// loop and the registries of in-flight streams and exec sessions; all
// of them die with the connection.
type session struct {
	agent  *Agent
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes; gorilla connections allow only
	// one concurrent writer. writeClosed is guarded by it, not by mu,
	// so sendFrame never reads state that teardown mutates elsewhere.
	writeMu     sync.Mutex
	writeClosed bool

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	execs   map[string]*execState
	closed  bool
}

func newSession(ctx context.Context, agent *Agent, conn *websocket.Conn) *session {
	sessCtx, cancel := context.WithCancel(ctx)
	return &session{
		agent:   agent,
		conn:    conn,
		ctx:     sessCtx,
		cancel:  cancel,
		streams: make(map[string]context.CancelFunc),
		execs:   make(map[string]*execState),
	}
}

func (s *session) sendFrame(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeClosed {
		return fmt.Errorf("session closed")
	}
	return s.conn.WriteJSON(v)
}

// handshake sends the hello and waits for the server's verdict. It
// returns the environment id the server bound this connection to.
func (s *session) handshake() (string, error) {
	infoCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	info, err := s.agent.engine.Info(infoCtx)
	if err != nil {
		return "", fmt.Errorf("querying local daemon: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	s.conn.SetReadDeadline(deadline)
	s.conn.SetWriteDeadline(deadline)

	hello := tunnel.Hello{
		Type:          tunnel.TypeHello,
		Token:         s.agent.opts.Token,
		AgentID:       s.agent.agentID,
		AgentName:     s.agent.opts.Name,
		Version:       s.agent.opts.Version,
		DockerVersion: info.DockerVersion,
		Hostname:      info.Hostname,
		Capabilities:  []string{"proxy", "logs", "exec", "events", "metrics"},
	}
	if err := s.sendFrame(hello); err != nil {
		return "", fmt.Errorf("sending hello: %w", err)
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("awaiting handshake reply: %w", err)
	}
	frame, err := tunnel.DecodeFrame(data)
	if err != nil {
		return "", fmt.Errorf("decoding handshake reply: %w", err)
	}

	switch frame.Type {
	case tunnel.TypeWelcome:
		s.conn.SetWriteDeadline(time.Time{})
		return frame.Welcome.EnvironmentID, nil
	case tunnel.TypeError:
		return "", fmt.Errorf("%w: %s", ErrRejected, frame.Error.Message)
	default:
		return "", fmt.Errorf("unexpected handshake reply %q", frame.Type)
	}
}

// readLoop pumps frames until the connection dies. Each read refreshes
// the idle deadline; server pings keep a healthy link well inside it.
func (s *session) readLoop() error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.agent.opts.IdleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("tunnel read: %w", err)
		}

		frame, err := tunnel.DecodeFrame(data)
		if err != nil {
			s.agent.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		s.dispatch(frame)
	}
}

func (s *session) dispatch(f *tunnel.Frame) {
	switch f.Type {
	case tunnel.TypePing:
		if err := s.sendFrame(tunnel.Pong{Type: tunnel.TypePong, Timestamp: f.Ping.Timestamp}); err != nil {
			s.agent.logger.Warn("failed to answer ping", "error", err)
		}
	case tunnel.TypePong:
		// We never ping the server; a stray pong is harmless.
	case tunnel.TypeRequest:
		if f.Request.Stream {
			go s.serveStream(f.Request)
		} else {
			go s.serveUnary(f.Request)
		}
	case tunnel.TypeStreamCancel:
		s.cancelStream(f.StreamCancel.RequestID)
	case tunnel.TypeExecStart:
		go s.serveExec(f.ExecStart)
	case tunnel.TypeExecInput:
		s.handleExecInput(f.ExecInput)
	case tunnel.TypeExecResize:
		s.handleExecResize(f.ExecResize)
	case tunnel.TypeExecEnd:
		s.handleExecEnd(f.ExecEnd)
	default:
		s.agent.logger.Warn("dropping unexpected frame", "type", f.Type)
	}
}

// serveUnary forwards one engine call and sends back exactly one
// response. Transport failures toward the daemon surface as a 502 so
// the server side can keep its error taxonomy in one place.
func (s *session) serveUnary(req *tunnel.Request) {
	ctx, cancel := context.WithTimeout(s.ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := s.agent.proxy.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		s.agent.logger.Warn("engine request failed",
			"request_id", req.RequestID,
			"method", req.Method,
			"path", req.Path,
			"error", err)
		body, _ := json.Marshal(map[string]string{"message": err.Error()})
		resp = &tunnel.EngineResponse{
			StatusCode: 502,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       body,
		}
	}

	out := tunnel.Response{
		Type:       tunnel.TypeResponse,
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		IsBinary:   resp.IsBinary,
	}
	if err := s.sendFrame(out); err != nil {
		s.agent.logger.Warn("failed to send response", "request_id", req.RequestID, "error", err)
	}
}

// serveStream forwards a streaming engine call, relaying chunks until
// the stream ends, errors, or the server cancels it.
func (s *session) serveStream(req *tunnel.Request) {
	streamCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.streams[req.RequestID] = cancel
	s.mu.Unlock()

	finish := func(reason string) {
		s.mu.Lock()
		_, active := s.streams[req.RequestID]
		delete(s.streams, req.RequestID)
		s.mu.Unlock()
		cancel()
		if !active {
			return
		}
		end := tunnel.StreamEnd{Type: tunnel.TypeStreamEnd, RequestID: req.RequestID, Reason: reason}
		if err := s.sendFrame(end); err != nil {
			s.agent.logger.Warn("failed to send stream end", "request_id", req.RequestID, "error", err)
		}
	}

	cb := tunnel.StreamCallbacks{
		OnData: func(data []byte, stdStream string) {
			chunk := tunnel.Stream{
				Type:      tunnel.TypeStream,
				RequestID: req.RequestID,
				Data:      data,
				StdStream: stdStream,
			}
			if err := s.sendFrame(chunk); err != nil {
				cancel()
			}
		},
		OnEnd:   finish,
		OnError: func(err error) { finish(err.Error()) },
	}

	if _, err := s.agent.proxy.DoStream(streamCtx, req.Method, req.Path, req.Headers, req.Body, cb); err != nil {
		finish(err.Error())
	}
}

// cancelStream aborts an in-flight stream. The abort propagates through
// the proxy callbacks, which emit the terminal stream_end.
func (s *session) cancelStream(requestID string) {
	s.mu.Lock()
	cancel, ok := s.streams[requestID]
	s.mu.Unlock()
	if !ok {
		s.agent.logger.Warn("cancel for unknown stream", "request_id", requestID)
		return
	}
	cancel()
}

// serveExec opens an interactive exec against the daemon and relays the
// terminal both ways until either side closes it.
func (s *session) serveExec(start *tunnel.ExecStart) {
	execCtx, cancel := context.WithCancel(s.ctx)

	term, err := s.agent.engine.StartExec(execCtx, start.ContainerID, start.Cmd, start.User, start.Cols, start.Rows)
	if err != nil {
		cancel()
		s.agent.logger.Warn("exec start failed",
			"exec_id", start.ExecID,
			"container_id", start.ContainerID,
			"error", err)
		s.sendFrame(tunnel.ExecEnd{Type: tunnel.TypeExecEnd, ExecID: start.ExecID, Reason: "failed: " + err.Error()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		term.Close()
		cancel()
		return
	}
	s.execs[start.ExecID] = &execState{term: term, cancel: cancel}
	s.mu.Unlock()

	if err := s.sendFrame(tunnel.ExecReady{Type: tunnel.TypeExecReady, ExecID: start.ExecID}); err != nil {
		s.dropExec(start.ExecID)
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out := tunnel.ExecOutput{Type: tunnel.TypeExecOutput, ExecID: start.ExecID, Data: data}
			if sendErr := s.sendFrame(out); sendErr != nil {
				s.dropExec(start.ExecID)
				return
			}
		}
		if err != nil {
			// EOF means the process exited; anything else means the
			// attach died. Either way the session is over.
			if st := s.dropExec(start.ExecID); st != nil {
				s.sendFrame(tunnel.ExecEnd{Type: tunnel.TypeExecEnd, ExecID: start.ExecID, Reason: "exited"})
			}
			return
		}
	}
}

// dropExec removes and closes an exec session, returning the state if
// this call was the one that removed it.
func (s *session) dropExec(execID string) *execState {
	s.mu.Lock()
	st := s.execs[execID]
	delete(s.execs, execID)
	s.mu.Unlock()
	if st != nil {
		st.term.Close()
		st.cancel()
	}
	return st
}

func (s *session) handleExecInput(in *tunnel.ExecInput) {
	s.mu.Lock()
	st := s.execs[in.ExecID]
	s.mu.Unlock()
	if st == nil {
		s.agent.logger.Warn("input for unknown exec", "exec_id", in.ExecID)
		return
	}
	if _, err := st.term.Write(in.Data); err != nil {
		s.agent.logger.Warn("exec input write failed", "exec_id", in.ExecID, "error", err)
	}
}

func (s *session) handleExecResize(rs *tunnel.ExecResize) {
	s.mu.Lock()
	st := s.execs[rs.ExecID]
	s.mu.Unlock()
	if st == nil {
		s.agent.logger.Warn("resize for unknown exec", "exec_id", rs.ExecID)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := st.term.Resize(ctx, rs.Cols, rs.Rows); err != nil {
		s.agent.logger.Warn("exec resize failed", "exec_id", rs.ExecID, "error", err)
	}
}

// handleExecEnd closes a session on the server's request. No exec_end
// is echoed back; the server already tore down its side.
func (s *session) handleExecEnd(end *tunnel.ExecEnd) {
	if s.dropExec(end.ExecID) == nil {
		s.agent.logger.Warn("end for unknown exec", "exec_id", end.ExecID)
	}
}

// startPushers launches the out-of-band telemetry goroutines. Both stop
// with the session context.
func (s *session) startPushers() {
	go s.pushEvents()
	go s.pushMetrics()
}

func (s *session) pushEvents() {
	for {
		err := s.agent.engine.WatchEvents(s.ctx, func(ev docker.ContainerEvent) {
			frame := tunnel.ContainerEvent{
				Type:        tunnel.TypeContainerEvent,
				ContainerID: ev.ContainerID,
				Action:      ev.Action,
				Image:       ev.Image,
				Timestamp:   ev.Timestamp,
			}
			if sendErr := s.sendFrame(frame); sendErr != nil {
				s.agent.logger.Warn("failed to push container event", "error", sendErr)
			}
		})
		if s.ctx.Err() != nil {
			return
		}
		// The daemon event stream can drop independently of the tunnel;
		// resubscribe after a short pause.
		s.agent.logger.Warn("event stream interrupted, resubscribing", "error", err)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *session) pushMetrics() {
	ticker := time.NewTicker(s.agent.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			snap, err := s.agent.engine.Snapshot(ctx)
			cancel()
			if err != nil {
				s.agent.logger.Warn("metrics snapshot failed", "error", err)
				continue
			}
			m := tunnel.Metrics{
				Type:              tunnel.TypeMetrics,
				ContainersRunning: snap.ContainersRunning,
				ContainersTotal:   snap.ContainersTotal,
				Images:            snap.Images,
				Timestamp:         snap.TakenAt.Unix(),
			}
			if err := s.sendFrame(m); err != nil {
				return
			}
		}
	}
}

// teardown closes the connection and everything multiplexed over it.
func (s *session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	execs := s.execs
	s.streams = make(map[string]context.CancelFunc)
	s.execs = make(map[string]*execState)
	s.mu.Unlock()

	s.writeMu.Lock()
	s.writeClosed = true
	s.writeMu.Unlock()

	s.cancel()
	for _, cancel := range streams {
		cancel()
	}
	for _, st := range execs {
		st.term.Close()
		st.cancel()
	}
	s.conn.Close()
}

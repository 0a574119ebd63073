// ABOUTME: Represents a single connected agent and its persistent transport.
// ABOUTME: Owns the pending unary/stream maps and correlates replies by request ID.

package tunnel

import (
	"log/slog"
	"sync"
	"time"
)

// Transport is the write half of the bidirectional channel to one agent.
// *websocket.Conn satisfies it. Writes are serialized by Connection.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// AgentIdentity is the metadata an agent reports in its hello frame.
type AgentIdentity struct {
	ID            string
	Name          string
	Version       string
	DockerVersion string
	Hostname      string
	Capabilities  []string
}

// ConnState tracks where a connection is in its lifecycle.
// Replaced and Closed are terminal for the instance.
type ConnState int

const (
	StateActive ConnState = iota
	StateReplaced
	StateClosed
)

// StreamCallbacks receives the chunks and terminator of one streaming call.
type StreamCallbacks struct {
	// OnData is invoked once per chunk, in arrival order. StdStream carries
	// the engine sub-stream tag ("stdout"/"stderr") when present.
	OnData func(data []byte, stdStream string)
	// OnEnd is invoked exactly once with a human-readable reason.
	OnEnd func(reason string)
	// OnError is invoked instead of OnEnd when the call fails to start or the
	// connection dies. At most one of OnEnd/OnError fires.
	OnError func(err error)
}

type unaryResult struct {
	resp *Response
	err  error
}

type pendingUnary struct {
	done  chan unaryResult
	timer *time.Timer
}

type pendingStream struct {
	cb StreamCallbacks
}

// Connection is one live agent tunnel. All pending-map mutation is serialized
// through mu so a timeout firing and a response arriving for the same request
// id cannot both win.
type Connection struct {
	EnvironmentID string
	Agent         AgentIdentity
	ConnectedAt   time.Time

	transport Transport
	writeMu   sync.Mutex

	mu            sync.Mutex
	state         ConnState
	pendingUnary  map[string]*pendingUnary
	pendingStream map[string]*pendingStream
	lastHeartbeat time.Time

	stopHeartbeat chan struct{}
	logger        *slog.Logger
}

// NewConnection wraps an authenticated transport for the given environment.
func NewConnection(environmentID string, identity AgentIdentity, transport Transport, logger *slog.Logger) *Connection {
	return &Connection{
		EnvironmentID: environmentID,
		Agent:         identity,
		ConnectedAt:   time.Now(),
		transport:     transport,
		pendingUnary:  make(map[string]*pendingUnary),
		pendingStream: make(map[string]*pendingStream),
		lastHeartbeat: time.Now(),
		stopHeartbeat: make(chan struct{}),
		logger:        logger,
	}
}

// Send marshals one envelope onto the transport. Safe for concurrent use.
func (c *Connection) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns the time of the most recent ping/pong from the agent.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// TouchHeartbeat records agent liveness. Any ping or pong counts.
func (c *Connection) TouchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// PendingCounts reports the sizes of the pending maps. Used by liveness
// logging and by tests asserting the no-leak invariant.
func (c *Connection) PendingCounts() (unary, stream int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingUnary), len(c.pendingStream)
}

// newUnary registers a pending unary request with a timeout. Returns nil if
// the connection is already terminal.
func (c *Connection) newUnary(requestID string, timeout time.Duration) <-chan unaryResult {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	p := &pendingUnary{done: make(chan unaryResult, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		if c.finishUnary(requestID, nil, ErrRequestTimeout) {
			c.logger.Warn("request timed out", "request_id", requestID)
		}
	})
	c.pendingUnary[requestID] = p
	c.mu.Unlock()
	return p.done
}

// finishUnary delivers the terminal outcome for a pending unary request.
// Exactly one caller wins; later calls for the same id are no-ops.
func (c *Connection) finishUnary(requestID string, resp *Response, err error) bool {
	c.mu.Lock()
	p, ok := c.pendingUnary[requestID]
	if ok {
		delete(c.pendingUnary, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- unaryResult{resp: resp, err: err}
	return true
}

// HandleResponse routes a response frame to its pending request.
// A response for an unknown id indicates a race with completion; warn and drop.
func (c *Connection) HandleResponse(resp *Response) {
	if !c.finishUnary(resp.RequestID, resp, nil) {
		c.logger.Warn("response for unknown request",
			"request_id", resp.RequestID,
			"environment_id", c.EnvironmentID,
		)
	}
}

// newStream registers a pending streaming request. Returns false if the
// connection is already terminal.
func (c *Connection) newStream(requestID string, cb StreamCallbacks) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	c.pendingStream[requestID] = &pendingStream{cb: cb}
	return true
}

// takeStream removes and returns a pending stream entry, or nil. Removal under
// the lock is what makes cancel() and stream_end delivery race-safe: whichever
// caller takes the entry owns the single OnEnd invocation.
func (c *Connection) takeStream(requestID string) *pendingStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pendingStream[requestID]
	if !ok {
		return nil
	}
	delete(c.pendingStream, requestID)
	return p
}

// HandleStream routes one chunk to its pending stream's OnData.
func (c *Connection) HandleStream(s *Stream) {
	c.mu.Lock()
	p, ok := c.pendingStream[s.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("stream chunk for unknown request",
			"request_id", s.RequestID,
			"environment_id", c.EnvironmentID,
		)
		return
	}
	if p.cb.OnData != nil {
		p.cb.OnData(s.Data, s.StdStream)
	}
}

// HandleStreamEnd terminates a pending stream with the agent's reason.
func (c *Connection) HandleStreamEnd(end *StreamEnd) {
	p := c.takeStream(end.RequestID)
	if p == nil {
		c.logger.Warn("stream end for unknown request",
			"request_id", end.RequestID,
			"environment_id", c.EnvironmentID,
		)
		return
	}
	if p.cb.OnEnd != nil {
		p.cb.OnEnd(end.Reason)
	}
}

// teardown moves the connection to a terminal state and fails every pending
// entry with the supplied error and stream reason. Idempotent; the transport
// is closed on the first call.
func (c *Connection) teardown(state ConnState, err error, streamReason string) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = state
	unary := c.pendingUnary
	streams := c.pendingStream
	c.pendingUnary = make(map[string]*pendingUnary)
	c.pendingStream = make(map[string]*pendingStream)
	c.mu.Unlock()

	close(c.stopHeartbeat)

	for id, p := range unary {
		p.timer.Stop()
		p.done <- unaryResult{err: err}
		c.logger.Debug("pending request failed", "request_id", id, "error", err)
	}
	for id, p := range streams {
		if p.cb.OnEnd != nil {
			p.cb.OnEnd(streamReason)
		}
		c.logger.Debug("pending stream ended", "request_id", id, "reason", streamReason)
	}

	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("closing transport", "error", cerr)
	}
}

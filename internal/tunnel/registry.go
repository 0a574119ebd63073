// ABOUTME: Connection registry and lifecycle manager for agent tunnels.
// ABOUTME: Enforces at most one live connection per environment and runs heartbeats.

package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default timing. Heartbeats keep intermediating proxies from reaping the
// idle connection; the liveness timeout force-closes connections whose agent
// has gone silent even when the transport never reports a close.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
)

// StatusListener is notified when an environment's tunnel comes or goes.
type StatusListener interface {
	EnvironmentConnected(environmentID string, identity AgentIdentity)
	EnvironmentDisconnected(environmentID string)
}

// LastSeenStore persists agent identity and last-seen bookkeeping.
// Failures are non-fatal; the tunnel keeps working without persistence.
type LastSeenStore interface {
	TouchEnvironment(ctx context.Context, environmentID string, identity AgentIdentity, seenAt time.Time) error
}

// Options configures a Registry. Zero values fall back to the defaults above.
type Options struct {
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return o
}

// ConnectionInfo is the public view of one live tunnel.
type ConnectionInfo struct {
	EnvironmentID string    `json:"environment_id"`
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name"`
	Version       string    `json:"version"`
	DockerVersion string    `json:"docker_version"`
	Hostname      string    `json:"hostname"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// EngineResponse is the result of one unary engine-API call through a tunnel.
type EngineResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	IsBinary   bool
}

// StreamHandle controls one in-flight streaming call.
type StreamHandle struct {
	cancel func()
}

// Cancel stops local delivery and tells the agent to stop producing data.
// Idempotent: calling it twice, or after the stream already ended, is a no-op.
func (h *StreamHandle) Cancel() {
	h.cancel()
}

// Registry is the single process-wide table of live agent connections.
// Construct one with NewRegistry and inject it into callers; it is safe for
// concurrent use by any number of goroutines.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	opts      Options
	store     LastSeenStore
	listeners []StatusListener
	exec      *ExecBridge
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(opts Options, store LastSeenStore, logger *slog.Logger) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		opts:   opts.withDefaults(),
		store:  store,
		logger: logger.With("component", "tunnel"),
	}
	r.exec = newExecBridge(r, r.logger)
	return r
}

// AddStatusListener registers a listener for connect/disconnect notifications.
// Must be called before connections start arriving.
func (r *Registry) AddStatusListener(l StatusListener) {
	r.listeners = append(r.listeners, l)
}

// Exec returns the terminal bridge for this registry.
func (r *Registry) Exec() *ExecBridge {
	return r.exec
}

// Register installs conn as the sole connection for its environment.
// Any prior connection for the same environment is torn down first: its
// heartbeat stops, every pending unary request fails with
// ErrConnectionReplaced, every pending stream ends, and its transport closes.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	old := r.conns[conn.EnvironmentID]
	r.conns[conn.EnvironmentID] = conn
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing agent connection",
			"environment_id", conn.EnvironmentID,
			"old_agent", old.Agent.ID,
			"new_agent", conn.Agent.ID,
		)
		old.teardown(StateReplaced, ErrConnectionReplaced, "Connection replaced by new agent")
		r.exec.dropSessionsForConnection(old)
	}

	go r.heartbeatLoop(conn)

	r.logger.Info("agent connected",
		"environment_id", conn.EnvironmentID,
		"agent_id", conn.Agent.ID,
		"agent_name", conn.Agent.Name,
		"version", conn.Agent.Version,
		"docker_version", conn.Agent.DockerVersion,
	)
	for _, l := range r.listeners {
		l.EnvironmentConnected(conn.EnvironmentID, conn.Agent)
	}
	r.persistLastSeen(conn)
}

// Unregister removes conn after its transport closed. Pending unary requests
// fail with ErrConnectionClosed; pending streams end with "Connection closed".
// A no-op if conn was already replaced by a newer connection.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	current := r.conns[conn.EnvironmentID] == conn
	if current {
		delete(r.conns, conn.EnvironmentID)
	}
	r.mu.Unlock()

	conn.teardown(StateClosed, ErrConnectionClosed, "Connection closed")
	r.exec.dropSessionsForConnection(conn)

	if !current {
		return
	}

	r.logger.Info("agent disconnected",
		"environment_id", conn.EnvironmentID,
		"agent_id", conn.Agent.ID,
	)
	for _, l := range r.listeners {
		l.EnvironmentDisconnected(conn.EnvironmentID)
	}
	r.persistLastSeen(conn)
}

// CloseConnection force-disconnects an environment's tunnel, e.g. when the
// environment is deleted. Returns ErrAgentNotConnected if none is live.
func (r *Registry) CloseConnection(environmentID string) error {
	conn, ok := r.get(environmentID)
	if !ok {
		return ErrAgentNotConnected
	}
	r.Unregister(conn)
	return nil
}

// IsConnected reports whether a live connection exists for the environment.
func (r *Registry) IsConnected(environmentID string) bool {
	_, ok := r.get(environmentID)
	return ok
}

// ListConnections returns the public view of every live tunnel.
func (r *Registry) ListConnections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, ConnectionInfo{
			EnvironmentID: c.EnvironmentID,
			AgentID:       c.Agent.ID,
			AgentName:     c.Agent.Name,
			Version:       c.Agent.Version,
			DockerVersion: c.Agent.DockerVersion,
			Hostname:      c.Agent.Hostname,
			Capabilities:  c.Agent.Capabilities,
			ConnectedAt:   c.ConnectedAt,
			LastHeartbeat: c.LastHeartbeat(),
		})
	}
	return infos
}

// Send issues one unary engine-API call over the environment's tunnel and
// blocks until the response, the timeout, or connection teardown.
func (r *Registry) Send(ctx context.Context, environmentID, method, path string, headers map[string]string, body []byte) (*EngineResponse, error) {
	conn, ok := r.get(environmentID)
	if !ok {
		return nil, ErrAgentNotConnected
	}

	requestID := uuid.New().String()
	done := conn.newUnary(requestID, r.opts.RequestTimeout)
	if done == nil {
		return nil, ErrConnectionClosed
	}

	req := &Request{
		Type:      TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	}
	if err := conn.Send(req); err != nil {
		conn.finishUnary(requestID, nil, err)
		<-done
		return nil, err
	}

	select {
	case <-ctx.Done():
		if conn.finishUnary(requestID, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		// Lost the race to a real outcome; use it.
		res := <-done
		if res.err != nil {
			return nil, res.err
		}
		return engineResponse(res.resp), nil
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return engineResponse(res.resp), nil
	}
}

// SendStreaming issues one streaming engine-API call. Chunks arrive on
// cb.OnData in order; cb.OnEnd fires exactly once. The returned handle's
// Cancel stops delivery and notifies the agent with a stream_cancel frame.
func (r *Registry) SendStreaming(environmentID, method, path string, cb StreamCallbacks, body []byte, extraHeaders map[string]string) (*StreamHandle, error) {
	conn, ok := r.get(environmentID)
	if !ok {
		return nil, ErrAgentNotConnected
	}

	requestID := uuid.New().String()
	if !conn.newStream(requestID, cb) {
		return nil, ErrConnectionClosed
	}

	req := &Request{
		Type:      TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   extraHeaders,
		Body:      body,
		Stream:    true,
	}
	if err := conn.Send(req); err != nil {
		conn.takeStream(requestID)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}

	handle := &StreamHandle{cancel: func() {
		p := conn.takeStream(requestID)
		if p == nil {
			return
		}
		if err := conn.Send(&StreamCancel{Type: TypeStreamCancel, RequestID: requestID}); err != nil {
			r.logger.Debug("sending stream cancel", "request_id", requestID, "error", err)
		}
		if p.cb.OnEnd != nil {
			p.cb.OnEnd("stream canceled")
		}
	}}
	return handle, nil
}

// get is the concurrent read path; it never blocks writers for other
// environment ids longer than the map lookup itself.
func (r *Registry) get(environmentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[environmentID]
	return c, ok
}

// heartbeatLoop pings the agent on a fixed interval and evicts the connection
// once lastHeartbeat falls further behind than the configured timeout.
func (r *Registry) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopHeartbeat:
			return
		case <-ticker.C:
			if err := conn.Send(&Ping{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				r.logger.Debug("heartbeat send failed",
					"environment_id", conn.EnvironmentID, "error", err)
				r.Unregister(conn)
				return
			}
			if age := time.Since(conn.LastHeartbeat()); age > r.opts.HeartbeatTimeout {
				r.logger.Warn("agent missed heartbeats, closing connection",
					"environment_id", conn.EnvironmentID,
					"last_heartbeat_age", age.String(),
				)
				r.Unregister(conn)
				return
			}
		}
	}
}

func (r *Registry) persistLastSeen(conn *Connection) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.TouchEnvironment(ctx, conn.EnvironmentID, conn.Agent, time.Now()); err != nil {
		r.logger.Warn("persisting last-seen failed",
			"environment_id", conn.EnvironmentID, "error", err)
	}
}

func engineResponse(resp *Response) *EngineResponse {
	return &EngineResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		IsBinary:   resp.IsBinary,
	}
}

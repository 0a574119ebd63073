// ABOUTME: Remote agent that dials out to the capstan server over WebSocket.
// ABOUTME: Serves engine requests, streams, and exec sessions over one tunnel.

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/capstan-io/capstan/internal/docker"
	"github.com/capstan-io/capstan/internal/tunnel"
)

const (
	defaultReconnectMin   = 1 * time.Second
	defaultReconnectMax   = 60 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	defaultMetricsEvery   = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// ErrRejected indicates the server refused the handshake. The agent does
// not retry after a rejection: the token is wrong and backing off will
// not fix it.
var ErrRejected = errors.New("server rejected handshake")

// EngineAPI is the typed Docker surface the agent needs. Satisfied by
// *docker.Engine through engineAdapter.
type EngineAPI interface {
	Info(ctx context.Context) (*docker.HostInfo, error)
	Snapshot(ctx context.Context) (*docker.Snapshot, error)
	WatchEvents(ctx context.Context, fn func(docker.ContainerEvent)) error
	StartExec(ctx context.Context, containerID string, cmd []string, user string, cols, rows uint16) (ExecSession, error)
}

// engineAdapter narrows *docker.Engine's exec return type to the
// ExecSession interface.
type engineAdapter struct {
	*docker.Engine
}

func (e engineAdapter) StartExec(ctx context.Context, containerID string, cmd []string, user string, cols, rows uint16) (ExecSession, error) {
	return e.Engine.StartExec(ctx, containerID, cmd, user, cols, rows)
}

// ProxyAPI is the raw engine forwarding surface. Satisfied by *docker.Proxy.
type ProxyAPI interface {
	Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*tunnel.EngineResponse, error)
	DoStream(ctx context.Context, method, path string, headers map[string]string, body []byte, cb tunnel.StreamCallbacks) (func(), error)
}

// Options configures a remote agent.
type Options struct {
	// ServerURL is the capstan server base URL, http(s) or ws(s).
	ServerURL string
	// Token is the agent credential issued for one environment.
	Token string
	// Name is the display name reported in the handshake.
	Name string
	// Version is the agent build version reported in the handshake.
	Version string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IdleTimeout bounds how long the agent waits without hearing from
	// the server before it drops the connection and redials. Server
	// pings normally keep the link well inside this.
	IdleTimeout time.Duration
	// MetricsInterval is how often host snapshots are pushed.
	MetricsInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = defaultReconnectMin
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = defaultMetricsEvery
	}
}

// Agent maintains the tunnel to the server and serves everything that
// arrives over it against the local Docker daemon.
type Agent struct {
	opts    Options
	agentID string
	engine  EngineAPI
	proxy   ProxyAPI
	logger  *slog.Logger
}

// New creates an agent talking to the daemon at dockerHost. An empty
// dockerHost uses the default local socket.
func New(opts Options, dockerHost string, logger *slog.Logger) (*Agent, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("agent token is required")
	}

	engine, err := docker.NewEngine(dockerHost)
	if err != nil {
		return nil, err
	}
	proxy, err := docker.NewProxy(dockerHost)
	if err != nil {
		return nil, err
	}
	return NewWithBackends(opts, engineAdapter{engine}, proxy, logger), nil
}

// NewWithBackends creates an agent with explicit Docker backends.
func NewWithBackends(opts Options, engine EngineAPI, proxy ProxyAPI, logger *slog.Logger) *Agent {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		opts:    opts,
		agentID: uuid.NewString(),
		engine:  engine,
		proxy:   proxy,
		logger:  logger,
	}
}

// Run connects to the server and serves the tunnel until the context is
// canceled, reconnecting with exponential backoff on failures. A
// handshake rejection ends the loop with ErrRejected.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.opts.ReconnectMin
	for {
		established, err := a.runOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrRejected):
			return err
		}
		if established {
			// The last attempt got through the handshake, so the next
			// failure starts a fresh backoff run.
			backoff = a.opts.ReconnectMin
		}

		a.logger.Warn("tunnel disconnected, reconnecting",
			"error", err,
			"backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > a.opts.ReconnectMax {
			backoff = a.opts.ReconnectMax
		}
	}
}

// tunnelURL converts the configured server URL into the agent WebSocket
// endpoint.
func (a *Agent) tunnelURL() string {
	u := a.opts.ServerURL
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.TrimSuffix(u, "/") + "/agent/ws"
}

// runOnce performs one full connection lifecycle: dial, handshake,
// serve, teardown. The bool reports whether the handshake completed.
func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, a.tunnelURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return false, fmt.Errorf("dialing server: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dialing server: %w", err)
	}

	sess := newSession(ctx, a, conn)
	defer sess.teardown()

	envID, err := sess.handshake()
	if err != nil {
		return false, err
	}

	a.logger.Info("tunnel established",
		"environment_id", envID,
		"server", a.opts.ServerURL)

	sess.startPushers()
	return true, sess.readLoop()
}

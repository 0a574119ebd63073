// ABOUTME: Gateway orchestrator that coordinates the HTTP server and agent tunnel.
// ABOUTME: Manages store, auth, connection registry, and health endpoint lifecycle.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/capstan-io/capstan/internal/auth"
	"github.com/capstan-io/capstan/internal/config"
	"github.com/capstan-io/capstan/internal/docker"
	"github.com/capstan-io/capstan/internal/store"
	"github.com/capstan-io/capstan/internal/tunnel"
)

// Gateway orchestrates the capstan server components: the persistent
// store, the agent tunnel registry, the auth layer, and the HTTP API
// the dashboard talks to.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *tunnel.Registry
	authority  *auth.Authority
	sessions   *auth.JWTSessions
	events     *eventHub
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// localMu guards the lazily built per-environment engine clients
	// for local (directly dialed) environments.
	localMu      sync.Mutex
	localProxies map[string]*docker.Proxy
	localEngines map[string]*docker.Engine
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CAPSTAN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// lastSeenAdapter bridges the tunnel registry's bookkeeping interface
// onto the store without the store importing tunnel types.
type lastSeenAdapter struct {
	store store.Store
}

func (a *lastSeenAdapter) TouchEnvironment(ctx context.Context, environmentID string, identity tunnel.AgentIdentity, seenAt time.Time) error {
	return a.store.RecordAgentSighting(ctx, environmentID, store.AgentSighting{
		AgentID:       identity.ID,
		AgentName:     identity.Name,
		AgentVersion:  identity.Version,
		DockerVersion: identity.DockerVersion,
		Hostname:      identity.Hostname,
		Capabilities:  identity.Capabilities,
	}, seenAt)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, s, logger)
}

// NewWithStore creates a Gateway on an existing store. Tests use this
// to inject the mock store.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	registry := tunnel.NewRegistry(tunnel.Options{
		RequestTimeout:    cfg.Tunnel.RequestTimeout,
		HeartbeatInterval: cfg.Tunnel.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Tunnel.HeartbeatTimeout,
	}, &lastSeenAdapter{store: s}, logger.With("component", "tunnel"))

	gw := &Gateway{
		config:       cfg,
		store:        s,
		registry:     registry,
		authority:    auth.NewAuthority(s, logger.With("component", "auth")),
		events:       newEventHub(logger.With("component", "events")),
		logger:       logger.With("component", "gateway"),
		serverID:     generateServerID(),
		localProxies: make(map[string]*docker.Proxy),
		localEngines: make(map[string]*docker.Engine),
	}
	registry.AddStatusListener(gw.events)

	if cfg.Auth.JWTSecret != "" {
		gw.sessions = auth.NewJWTSessions([]byte(cfg.Auth.JWTSecret))
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Agent tunnel endpoint - agents authenticate with their own tokens
	tunnelHandler := tunnel.NewHandler(registry, gw.authority, gw.events, logger)
	mux.Handle("/agent/ws", tunnelHandler)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// sessionMiddleware wraps API handlers with JWT session auth when a
// secret is configured.
func (g *Gateway) sessionMiddleware() func(http.Handler) http.Handler {
	if g.sessions != nil {
		return auth.RequireSession(g.sessions)
	}
	g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	return func(next http.Handler) http.Handler { return next }
}

// registerAPIRoutes wires the dashboard API onto the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	protect := g.sessionMiddleware()

	mux.Handle("/api/environments", protect(http.HandlerFunc(g.handleEnvironments)))
	mux.Handle("/api/environments/", protect(http.HandlerFunc(g.handleEnvironmentRoutes)))
	mux.Handle("/api/connections", protect(http.HandlerFunc(g.handleListConnections)))
	mux.Handle("/api/audit", protect(http.HandlerFunc(g.handleAuditLog)))

	// The terminal endpoint authenticates inside the handler: browsers
	// cannot set Authorization headers on WebSocket upgrades.
	mux.HandleFunc("/api/terminal/", g.handleTerminal)
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.localMu.Lock()
	for id, engine := range g.localEngines {
		if err := engine.Close(); err != nil {
			g.logger.Warn("closing local engine", "environment_id", id, "error", err)
		}
	}
	g.localEngines = make(map[string]*docker.Engine)
	g.localProxies = make(map[string]*docker.Proxy)
	g.localMu.Unlock()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Handler exposes the gateway's HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries. Connected
// agents are not required: a fleet with every environment offline is
// still a servable dashboard.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListEnvironments(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	conns := g.registry.ListConnections()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected)", len(conns))
}

// localProxy returns the raw engine proxy for a local environment,
// building and caching it on first use.
func (g *Gateway) localProxy(env *store.Environment) (*docker.Proxy, error) {
	g.localMu.Lock()
	defer g.localMu.Unlock()
	if p, ok := g.localProxies[env.ID]; ok {
		return p, nil
	}
	p, err := docker.NewProxy(env.DockerHost)
	if err != nil {
		return nil, err
	}
	g.localProxies[env.ID] = p
	return p, nil
}

// localEngine returns the typed SDK client for a local environment,
// building and caching it on first use.
func (g *Gateway) localEngine(env *store.Environment) (*docker.Engine, error) {
	g.localMu.Lock()
	defer g.localMu.Unlock()
	if e, ok := g.localEngines[env.ID]; ok {
		return e, nil
	}
	e, err := docker.NewEngine(env.DockerHost)
	if err != nil {
		return nil, err
	}
	g.localEngines[env.ID] = e
	return e, nil
}

// dropLocalClients forgets cached engine clients after an environment
// is updated or deleted.
func (g *Gateway) dropLocalClients(environmentID string) {
	g.localMu.Lock()
	defer g.localMu.Unlock()
	if e, ok := g.localEngines[environmentID]; ok {
		_ = e.Close()
		delete(g.localEngines, environmentID)
	}
	delete(g.localProxies, environmentID)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("capstan-%d", time.Now().UnixNano()%1000000)
}

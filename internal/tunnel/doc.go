// Package tunnel multiplexes engine-API traffic to remote agents over a
// single persistent WebSocket per environment.
//
// # Overview
//
// A remote host that cannot be dialed directly runs capstan-agent, which
// dials out to the server and holds one bidirectional connection. The server
// multiplexes everything over it: unary engine calls, open-ended streams
// (log tailing, event feeds, pull progress), and interactive terminals.
//
// # Registry
//
// The Registry is the single process-wide table of live connections, at most
// one per environment:
//
//	reg := tunnel.NewRegistry(tunnel.Options{}, store, logger)
//
// Key operations:
//
//   - Register(conn): install a connection, replacing any prior one
//   - Unregister(conn): tear down after transport close
//   - Send(ctx, envID, method, path, headers, body): one unary call
//   - SendStreaming(envID, method, path, callbacks, body, headers): stream
//   - IsConnected(envID) / ListConnections(): concurrent reads
//   - CloseConnection(envID): administrative force-disconnect
//
// # Request Correlation
//
// Every call carries a fresh uuid request id. The Connection keeps two
// pending maps, one for unary requests and one for streams; a mutex
// serializes all mutation, so a timeout firing and a response arriving for
// the same id resolve to exactly one terminal outcome. Frames for ids not in
// the maps are logged and dropped.
//
// # Connection Replacement
//
// A new hello for an already-connected environment supersedes the old
// connection deterministically: its heartbeat stops, pending unary requests
// fail with ErrConnectionReplaced, pending streams end with "Connection
// replaced by new agent", and its transport closes. The new connection is
// live before the old one finishes draining.
//
// # Exec Bridge
//
// Interactive terminals are keyed by exec id, a namespace independent of
// request ids, and relay input/output/resize between a local client and the
// remote PTY. Either side closing propagates to the other.
//
// # Heartbeats
//
// The server pings every connection on a fixed interval (default 5s) to keep
// intermediating proxies from reaping idle connections. Any ping or pong from
// the agent advances lastHeartbeat; a connection silent for longer than the
// heartbeat timeout (default 60s) is force-closed through the normal
// unregister path.
package tunnel

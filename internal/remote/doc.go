// ABOUTME: Package documentation for the remote package.
// ABOUTME: Describes the agent's connection lifecycle and dispatch model.

// Package remote implements the capstan agent: the process installed
// next to a Docker daemon that the capstan server cannot reach
// directly. The agent dials out to the server over a single WebSocket,
// authenticates with its environment token, and then serves everything
// the dashboard needs over that one connection.
//
// # Connection Lifecycle
//
// Run dials the server's /agent/ws endpoint and performs the handshake:
// a hello frame carrying the token and the local daemon's identity,
// answered by either a welcome (bound to one environment) or an error.
// Rejections are terminal; network failures trigger reconnection with
// exponential backoff, reset after any successful handshake.
//
// # Dispatch
//
// Each inbound frame is handled according to its type: unary requests
// and streaming requests are forwarded to the daemon through the raw
// API proxy, exec frames drive interactive terminal sessions over
// hijacked connections, stream_cancel aborts an in-flight stream, and
// pings are answered immediately from the read loop. Undecodable or
// unexpected frames are logged and dropped.
//
// The agent also pushes telemetry the server never asks for: container
// lifecycle events as they happen and periodic host metric snapshots.
// All in-flight work is scoped to the connection and torn down with it.
package remote

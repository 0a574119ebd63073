// ABOUTME: Package documentation for the capstan server core.
// ABOUTME: Describes the HTTP surface and how requests reach daemons.

// Package gateway wires the HTTP API, the agent tunnel, and the store
// into the capstan server.
//
// The server exposes three kinds of surface:
//
//   - A JSON API under /api for environments, agent tokens, live
//     connections, and the audit log.
//   - Streaming endpoints: SSE for container logs and per-environment
//     event feeds, and a WebSocket at /api/terminal/{id} for
//     interactive shells.
//   - The agent endpoint at /agent/ws where remote agents dial in and
//     hold their persistent tunnel.
//
// Engine API calls are routed by environment kind. Local environments
// talk straight to a daemon socket through internal/docker; tunnel
// environments go through the connection registry, which correlates
// requests and responses over the agent's WebSocket. Both paths produce
// the same response shape, so handlers never care which one served them.
package gateway

// ABOUTME: Package documentation for the docker package.
// ABOUTME: Describes the raw proxy and typed SDK access layers.

// Package docker provides capstan's access to Docker Engine daemons.
//
// Two layers coexist here on purpose:
//
//   - Proxy speaks raw HTTP against the daemon socket and forwards
//     arbitrary Engine API requests unchanged. The dashboard exposes
//     the full API surface per environment, so the forwarding path
//     must not be limited to the endpoints the SDK wraps. Streaming
//     responses (logs with follow, events, stats) are delivered chunk
//     by chunk, with stdcopy framing split into tagged stdout and
//     stderr data.
//
//   - Engine wraps the official SDK client for the typed operations
//     that need structured results: daemon identity for the agent
//     handshake, the container event firehose, periodic host metric
//     snapshots, and interactive exec sessions over hijacked
//     connections.
//
// Both layers accept Docker host URLs in the daemon's own syntax
// ("unix:///var/run/docker.sock", "tcp://host:2375") and default to
// the local socket. They serve the local environment path on the
// server and the daemon-facing side of the remote agent alike.
package docker

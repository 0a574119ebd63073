// ABOUTME: Sentinel errors for tunnel callers.
// ABOUTME: Callers map these onto HTTP status codes at the API boundary.

package tunnel

import "errors"

var (
	// ErrAgentNotConnected indicates no live connection for the environment.
	// Returned synchronously; no pending entry is created.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrRequestTimeout indicates no response arrived within the budget.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionReplaced indicates a newer agent handshake superseded the
	// connection while the request was in flight.
	ErrConnectionReplaced = errors.New("connection replaced")

	// ErrConnectionClosed indicates the transport closed while the request
	// was in flight.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAuthenticationFailed indicates a bad, expired, or revoked agent token.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrExecSessionNotFound indicates the exec id has no live session.
	ErrExecSessionNotFound = errors.New("exec session not found")
)

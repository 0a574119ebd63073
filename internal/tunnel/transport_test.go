// ABOUTME: Shared test doubles for the tunnel package.
// ABOUTME: Provides an in-memory Transport and ExecClient capturing frames.

package tunnel

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
)

// mockTransport records every envelope written to it.
type mockTransport struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (m *mockTransport) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("transport closed")
	}
	m.frames = append(m.frames, v)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) sent() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.frames))
	copy(out, m.frames)
	return out
}

// lastRequest returns the most recent Request frame written to the transport.
func (m *mockTransport) lastRequest(t *testing.T) *Request {
	t.Helper()
	for _, f := range m.sent() {
		if req, ok := f.(*Request); ok {
			return req
		}
	}
	t.Fatal("no request frame written to transport")
	return nil
}

func (m *mockTransport) countType(typ EnvelopeType) int {
	n := 0
	for _, f := range m.sent() {
		switch v := f.(type) {
		case *Ping:
			if v.Type == typ {
				n++
			}
		case *Pong:
			if v.Type == typ {
				n++
			}
		case *StreamCancel:
			if v.Type == typ {
				n++
			}
		case *ExecEnd:
			if v.Type == typ {
				n++
			}
		}
	}
	return n
}

// mockExecClient records terminal output and close notifications.
type mockExecClient struct {
	mu      sync.Mutex
	output  [][]byte
	closed  bool
	reasons []string
}

func (m *mockExecClient) WriteOutput(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = append(m.output, data)
	return nil
}

func (m *mockExecClient) SessionClosed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reasons = append(m.reasons, reason)
}

func (m *mockExecClient) outputCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.output)
}

func (m *mockExecClient) closeReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.reasons))
	copy(out, m.reasons)
	return out
}

func testConn(envID, agentID string, transport Transport) *Connection {
	return NewConnection(envID, AgentIdentity{ID: agentID, Name: agentID}, transport, slog.Default())
}

func testRegistry(opts Options) *Registry {
	return NewRegistry(opts, nil, slog.Default())
}

// ABOUTME: Tests for the remote agent's handshake, dispatch, and exec paths.
// ABOUTME: Runs a scripted WebSocket server against stubbed Docker backends.

package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capstan-io/capstan/internal/docker"
	"github.com/capstan-io/capstan/internal/tunnel"
)

type fakeEngine struct {
	mu        sync.Mutex
	execTerm  *fakeTerm
	execErr   error
	execStart *tunnel.ExecStart
}

func (f *fakeEngine) Info(ctx context.Context) (*docker.HostInfo, error) {
	return &docker.HostInfo{DockerVersion: "25.0.6", Hostname: "build-box"}, nil
}

func (f *fakeEngine) Snapshot(ctx context.Context) (*docker.Snapshot, error) {
	return &docker.Snapshot{ContainersRunning: 2, ContainersTotal: 5, Images: 9, TakenAt: time.Now()}, nil
}

func (f *fakeEngine) WatchEvents(ctx context.Context, fn func(docker.ContainerEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeEngine) StartExec(ctx context.Context, containerID string, cmd []string, user string, cols, rows uint16) (ExecSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execStart = &tunnel.ExecStart{ContainerID: containerID, Cmd: cmd, User: user, Cols: cols, Rows: rows}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execTerm, nil
}

// fakeTerm simulates an attached TTY with channel-fed output.
type fakeTerm struct {
	mu     sync.Mutex
	input  []byte
	output chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTerm() *fakeTerm {
	return &fakeTerm{output: make(chan []byte, 8), closed: make(chan struct{})}
}

func (t *fakeTerm) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input = append(t.input, p...)
	return len(p), nil
}

func (t *fakeTerm) Read(p []byte) (int, error) {
	select {
	case data := <-t.output:
		return copy(p, data), nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *fakeTerm) Resize(ctx context.Context, cols, rows uint16) error { return nil }

func (t *fakeTerm) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTerm) written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.input)
}

type fakeProxy struct {
	resp      *tunnel.EngineResponse
	err       error
	chunks    []string
	holdOpen  bool
	lastReq   *tunnel.Request
	lastReqMu sync.Mutex
}

func (f *fakeProxy) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*tunnel.EngineResponse, error) {
	f.lastReqMu.Lock()
	f.lastReq = &tunnel.Request{Method: method, Path: path, Headers: headers, Body: body}
	f.lastReqMu.Unlock()
	return f.resp, f.err
}

func (f *fakeProxy) DoStream(ctx context.Context, method, path string, headers map[string]string, body []byte, cb tunnel.StreamCallbacks) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	go func() {
		for _, chunk := range f.chunks {
			cb.OnData([]byte(chunk), "stdout")
		}
		if f.holdOpen {
			<-ctx.Done()
			cb.OnEnd("stream canceled")
			return
		}
		cb.OnEnd("stream ended")
	}()
	return func() {}, nil
}

// harness runs one scripted server-side connection.
type harness struct {
	t      *testing.T
	conn   *websocket.Conn
	agent  *Agent
	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, engine EngineAPI, proxy ProxyAPI) *harness {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	agent := NewWithBackends(Options{
		ServerURL:   srv.URL,
		Token:       "cap_test_token",
		Name:        "test-agent",
		Version:     "dev",
		IdleTimeout: 5 * time.Second,
		// High enough that pushers stay quiet during tests.
		MetricsInterval: time.Hour,
	}, engine, proxy, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never dialed in")
	}
	t.Cleanup(func() { conn.Close() })

	return &harness{t: t, conn: conn, agent: agent, cancel: cancel, runErr: runErr}
}

func (h *harness) readFrame() *tunnel.Frame {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := h.conn.ReadMessage()
	if err != nil {
		h.t.Fatalf("reading frame: %v", err)
	}
	frame, err := tunnel.DecodeFrame(data)
	if err != nil {
		h.t.Fatalf("decoding frame: %v", err)
	}
	return frame
}

func (h *harness) send(v any) {
	h.t.Helper()
	if err := h.conn.WriteJSON(v); err != nil {
		h.t.Fatalf("writing frame: %v", err)
	}
}

// welcome completes the handshake and returns the hello the agent sent.
func (h *harness) welcome() *tunnel.Hello {
	h.t.Helper()
	frame := h.readFrame()
	if frame.Type != tunnel.TypeHello {
		h.t.Fatalf("first frame = %q, want hello", frame.Type)
	}
	h.send(tunnel.Welcome{Type: tunnel.TypeWelcome, EnvironmentID: "env-1"})
	return frame.Hello
}

func TestHandshakeSendsDaemonIdentity(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{})
	hello := h.welcome()

	if hello.Token != "cap_test_token" {
		t.Errorf("hello token = %q", hello.Token)
	}
	if hello.AgentName != "test-agent" {
		t.Errorf("hello agent name = %q", hello.AgentName)
	}
	if hello.DockerVersion != "25.0.6" {
		t.Errorf("hello docker version = %q", hello.DockerVersion)
	}
	if hello.Hostname != "build-box" {
		t.Errorf("hello hostname = %q", hello.Hostname)
	}
	if hello.AgentID == "" {
		t.Error("hello agent id is empty")
	}
}

func TestHandshakeRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeHello {
		t.Fatalf("first frame = %q, want hello", frame.Type)
	}
	h.send(tunnel.ErrorFrame{Type: tunnel.TypeError, Message: "authentication failed"})

	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrRejected) {
			t.Errorf("Run() error = %v, want ErrRejected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after rejection")
	}
}

func TestUnaryRequestRoundTrip(t *testing.T) {
	proxy := &fakeProxy{resp: &tunnel.EngineResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`[]`),
	}}
	h := newHarness(t, &fakeEngine{}, proxy)
	h.welcome()

	h.send(tunnel.Request{
		Type:      tunnel.TypeRequest,
		RequestID: "req-1",
		Method:    http.MethodGet,
		Path:      "/v1.44/containers/json",
	})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeResponse {
		t.Fatalf("frame type = %q, want response", frame.Type)
	}
	if frame.Response.RequestID != "req-1" {
		t.Errorf("response request id = %q", frame.Response.RequestID)
	}
	if frame.Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", frame.Response.StatusCode)
	}
	if string(frame.Response.Body) != `[]` {
		t.Errorf("body = %q", frame.Response.Body)
	}

	proxy.lastReqMu.Lock()
	defer proxy.lastReqMu.Unlock()
	if proxy.lastReq.Path != "/v1.44/containers/json" {
		t.Errorf("proxy saw path %q", proxy.lastReq.Path)
	}
}

func TestUnaryDaemonFailureBecomes502(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{err: errors.New("daemon unreachable")})
	h.welcome()

	h.send(tunnel.Request{Type: tunnel.TypeRequest, RequestID: "req-2", Method: http.MethodGet, Path: "/v1.44/info"})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeResponse {
		t.Fatalf("frame type = %q, want response", frame.Type)
	}
	if frame.Response.StatusCode != 502 {
		t.Errorf("status = %d, want 502", frame.Response.StatusCode)
	}
}

func TestStreamingRequestDeliversChunksThenEnd(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{chunks: []string{"one\n", "two\n"}})
	h.welcome()

	h.send(tunnel.Request{
		Type:      tunnel.TypeRequest,
		RequestID: "stream-1",
		Method:    http.MethodGet,
		Path:      "/v1.44/containers/abc/logs?follow=1",
		Stream:    true,
	})

	var got []string
	for {
		frame := h.readFrame()
		switch frame.Type {
		case tunnel.TypeStream:
			if frame.Stream.RequestID != "stream-1" {
				t.Errorf("chunk request id = %q", frame.Stream.RequestID)
			}
			got = append(got, string(frame.Stream.Data))
			continue
		case tunnel.TypeStreamEnd:
			if frame.StreamEnd.Reason != "stream ended" {
				t.Errorf("end reason = %q", frame.StreamEnd.Reason)
			}
		default:
			t.Fatalf("unexpected frame %q", frame.Type)
		}
		break
	}

	if len(got) != 2 || got[0] != "one\n" || got[1] != "two\n" {
		t.Errorf("chunks = %v", got)
	}
}

func TestStreamCancelStopsStream(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{chunks: []string{"tick\n"}, holdOpen: true})
	h.welcome()

	h.send(tunnel.Request{Type: tunnel.TypeRequest, RequestID: "stream-2", Method: http.MethodGet, Path: "/v1.44/events", Stream: true})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeStream {
		t.Fatalf("frame type = %q, want stream", frame.Type)
	}

	h.send(tunnel.StreamCancel{Type: tunnel.TypeStreamCancel, RequestID: "stream-2"})

	frame = h.readFrame()
	if frame.Type != tunnel.TypeStreamEnd {
		t.Fatalf("frame type = %q, want stream_end", frame.Type)
	}
	if frame.StreamEnd.Reason != "stream canceled" {
		t.Errorf("end reason = %q", frame.StreamEnd.Reason)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeProxy{})
	h.welcome()

	h.send(tunnel.Ping{Type: tunnel.TypePing, Timestamp: 12345})

	frame := h.readFrame()
	if frame.Type != tunnel.TypePong {
		t.Fatalf("frame type = %q, want pong", frame.Type)
	}
	if frame.Pong.Timestamp != 12345 {
		t.Errorf("pong timestamp = %d, want 12345", frame.Pong.Timestamp)
	}
}

func TestExecSessionLifecycle(t *testing.T) {
	term := newFakeTerm()
	engine := &fakeEngine{execTerm: term}
	h := newHarness(t, engine, &fakeProxy{})
	h.welcome()

	h.send(tunnel.ExecStart{
		Type:        tunnel.TypeExecStart,
		ExecID:      "exec-1",
		ContainerID: "abc123",
		Cmd:         []string{"/bin/bash"},
		Cols:        120,
		Rows:        40,
	})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeExecReady {
		t.Fatalf("frame type = %q, want exec_ready", frame.Type)
	}
	if frame.ExecReady.ExecID != "exec-1" {
		t.Errorf("ready exec id = %q", frame.ExecReady.ExecID)
	}

	engine.mu.Lock()
	if engine.execStart.ContainerID != "abc123" || engine.execStart.Cols != 120 {
		t.Errorf("exec started with %+v", engine.execStart)
	}
	engine.mu.Unlock()

	h.send(tunnel.ExecInput{Type: tunnel.TypeExecInput, ExecID: "exec-1", Data: []byte("ls\n")})
	term.output <- []byte("README.md\n")

	frame = h.readFrame()
	if frame.Type != tunnel.TypeExecOutput {
		t.Fatalf("frame type = %q, want exec_output", frame.Type)
	}
	if string(frame.ExecOutput.Data) != "README.md\n" {
		t.Errorf("output = %q", frame.ExecOutput.Data)
	}

	// Input can land after output; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for term.written() != "ls\n" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if term.written() != "ls\n" {
		t.Errorf("terminal received input %q, want %q", term.written(), "ls\n")
	}
}

func TestExecExitSendsEnd(t *testing.T) {
	term := newFakeTerm()
	h := newHarness(t, &fakeEngine{execTerm: term}, &fakeProxy{})
	h.welcome()

	h.send(tunnel.ExecStart{Type: tunnel.TypeExecStart, ExecID: "exec-2", ContainerID: "abc", Cmd: []string{"true"}})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeExecReady {
		t.Fatalf("frame type = %q, want exec_ready", frame.Type)
	}

	// Closing the terminal simulates process exit.
	term.Close()

	frame = h.readFrame()
	if frame.Type != tunnel.TypeExecEnd {
		t.Fatalf("frame type = %q, want exec_end", frame.Type)
	}
	if frame.ExecEnd.Reason != "exited" {
		t.Errorf("end reason = %q", frame.ExecEnd.Reason)
	}
}

func TestExecStartFailureReportsEnd(t *testing.T) {
	h := newHarness(t, &fakeEngine{execErr: errors.New("no such container")}, &fakeProxy{})
	h.welcome()

	h.send(tunnel.ExecStart{Type: tunnel.TypeExecStart, ExecID: "exec-3", ContainerID: "missing", Cmd: []string{"sh"}})

	frame := h.readFrame()
	if frame.Type != tunnel.TypeExecEnd {
		t.Fatalf("frame type = %q, want exec_end", frame.Type)
	}
	if frame.ExecEnd.ExecID != "exec-3" {
		t.Errorf("end exec id = %q", frame.ExecEnd.ExecID)
	}
}

// dialSession opens a raw websocket pair and wraps the client side in a
// session, draining the server side so writes never back up.
func dialSession(t *testing.T) *session {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return newSession(context.Background(), nil, conn)
}

func TestTeardownDuringConcurrentWrites(t *testing.T) {
	sess := dialSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := sess.sendFrame(&tunnel.Pong{Type: tunnel.TypePong, Timestamp: int64(i)}); err != nil {
				return
			}
		}
	}()

	sess.teardown()
	<-done

	if err := sess.sendFrame(&tunnel.Pong{Type: tunnel.TypePong}); err == nil {
		t.Error("sendFrame after teardown returned nil error")
	}
	// A second teardown must be a no-op.
	sess.teardown()
}

// ABOUTME: Tests for the raw Docker Engine API proxy.
// ABOUTME: Uses an httptest server standing in for the daemon socket.

package docker

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capstan-io/capstan/internal/tunnel"
)

func testProxy(t *testing.T, handler http.Handler) *Proxy {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host := "tcp://" + strings.TrimPrefix(srv.URL, "http://")
	p, err := NewProxy(host)
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}
	return p
}

// collectCallbacks gathers stream callback invocations for assertions.
type collectCallbacks struct {
	mu     sync.Mutex
	chunks []string
	tags   []string
	ends   []string
	errs   []error
	done   chan struct{}
}

func newCollectCallbacks() *collectCallbacks {
	return &collectCallbacks{done: make(chan struct{})}
}

func (c *collectCallbacks) callbacks() tunnel.StreamCallbacks {
	return tunnel.StreamCallbacks{
		OnData: func(data []byte, stdStream string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.chunks = append(c.chunks, string(data))
			c.tags = append(c.tags, stdStream)
		},
		OnEnd: func(reason string) {
			c.mu.Lock()
			c.ends = append(c.ends, reason)
			c.mu.Unlock()
			close(c.done)
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			close(c.done)
		},
	}
}

func (c *collectCallbacks) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to finish")
	}
}

func TestProxyDo(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"Id":"abc123"}]`))
	}))

	resp, err := p.Do(context.Background(), http.MethodGet, "/v1.44/containers/json?all=1", nil, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if gotMethod != http.MethodGet {
		t.Errorf("method = %q, want GET", gotMethod)
	}
	if gotPath != "/v1.44/containers/json" {
		t.Errorf("path = %q, want /v1.44/containers/json", gotPath)
	}
	if gotQuery != "all=1" {
		t.Errorf("query = %q, want all=1", gotQuery)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `[{"Id":"abc123"}]` {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.IsBinary {
		t.Error("IsBinary = true for JSON response")
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type header = %q", resp.Headers["Content-Type"])
	}
}

func TestProxyDoForwardsBodyAndHeaders(t *testing.T) {
	var gotBody string
	var gotHeader string
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		gotHeader = r.Header.Get("X-Registry-Auth")
		w.WriteHeader(http.StatusCreated)
	}))

	headers := map[string]string{"X-Registry-Auth": "token"}
	resp, err := p.Do(context.Background(), http.MethodPost, "/v1.44/containers/create", headers, []byte(`{"Image":"nginx"}`))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if gotBody != `{"Image":"nginx"}` {
		t.Errorf("daemon saw body %q", gotBody)
	}
	if gotHeader != "token" {
		t.Errorf("daemon saw X-Registry-Auth %q, want token", gotHeader)
	}
}

func TestProxyDoBinaryDetection(t *testing.T) {
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write([]byte{0x1f, 0x8b})
	}))

	resp, err := p.Do(context.Background(), http.MethodGet, "/v1.44/containers/abc/export", nil, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.IsBinary {
		t.Error("IsBinary = false for tar response")
	}
}

func TestProxyDoStreamRaw(t *testing.T) {
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.raw-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("line one\n"))
		flusher.Flush()
		w.Write([]byte("line two\n"))
		flusher.Flush()
	}))

	cc := newCollectCallbacks()
	cancel, err := p.DoStream(context.Background(), http.MethodGet, "/v1.44/containers/abc/logs?follow=1", nil, nil, cc.callbacks())
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer cancel()
	cc.wait(t)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if got := strings.Join(cc.chunks, ""); got != "line one\nline two\n" {
		t.Errorf("chunks = %q", got)
	}
	for _, tag := range cc.tags {
		if tag != "raw" {
			t.Errorf("tag = %q, want raw", tag)
		}
	}
	if len(cc.ends) != 1 || cc.ends[0] != "stream ended" {
		t.Errorf("ends = %v, want one %q", cc.ends, "stream ended")
	}
	if len(cc.errs) != 0 {
		t.Errorf("unexpected errors: %v", cc.errs)
	}
}

// stdcopyFrame builds one stdcopy-framed chunk as the daemon writes it
// for non-TTY streams.
func stdcopyFrame(stream byte, payload string) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = stream
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

func TestProxyDoStreamMultiplexed(t *testing.T) {
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.multiplexed-stream")
		w.Write(stdcopyFrame(1, "out line\n"))
		w.Write(stdcopyFrame(2, "err line\n"))
	}))

	cc := newCollectCallbacks()
	cancel, err := p.DoStream(context.Background(), http.MethodGet, "/v1.44/containers/abc/logs", nil, nil, cc.callbacks())
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer cancel()
	cc.wait(t)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %v", len(cc.chunks), cc.chunks)
	}
	if cc.chunks[0] != "out line\n" || cc.tags[0] != "stdout" {
		t.Errorf("first chunk = %q tag %q", cc.chunks[0], cc.tags[0])
	}
	if cc.chunks[1] != "err line\n" || cc.tags[1] != "stderr" {
		t.Errorf("second chunk = %q tag %q", cc.chunks[1], cc.tags[1])
	}
}

func TestProxyDoStreamCancel(t *testing.T) {
	release := make(chan struct{})
	p := testProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.raw-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer close(release)

	cc := newCollectCallbacks()
	cancel, err := p.DoStream(context.Background(), http.MethodGet, "/v1.44/events", nil, nil, cc.callbacks())
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}

	cancel()
	cc.wait(t)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.ends) != 1 || cc.ends[0] != "stream canceled" {
		t.Errorf("ends = %v, want one %q", cc.ends, "stream canceled")
	}
	if len(cc.errs) != 0 {
		t.Errorf("unexpected errors: %v", cc.errs)
	}
}

func TestNewProxyBadHost(t *testing.T) {
	if _, err := NewProxy("not a url"); err == nil {
		t.Fatal("NewProxy() expected error for malformed host")
	}
}

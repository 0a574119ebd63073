// ABOUTME: Raw Docker Engine API proxy over a configurable daemon socket.
// ABOUTME: Forwards arbitrary API requests and demultiplexes streaming replies.

package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/sockets"

	"github.com/capstan-io/capstan/internal/tunnel"
)

// dummyHost is the hostname used for requests over non-TCP transports.
// The unix and npipe dialers ignore it entirely.
const dummyHost = "docker"

// Proxy forwards raw Docker Engine API requests to a daemon. It speaks
// plain HTTP against the daemon socket so it can pass any API path
// through unchanged, which keeps the dashboard decoupled from the set
// of endpoints the SDK happens to wrap.
type Proxy struct {
	httpClient *http.Client
	scheme     string

	// hostOverride holds the real host for TCP daemons; unix and npipe
	// transports dial the socket regardless of the request host.
	hostOverride string
}

// NewProxy creates a proxy for the daemon at the given host. The host
// uses Docker's URL syntax, for example "unix:///var/run/docker.sock"
// or "tcp://10.0.0.5:2375". An empty host falls back to the default
// local socket.
func NewProxy(host string) (*Proxy, error) {
	if host == "" {
		host = client.DefaultDockerHost
	}

	hostURL, err := client.ParseHostURL(host)
	if err != nil {
		return nil, fmt.Errorf("parsing docker host %q: %w", host, err)
	}

	transport := &http.Transport{}
	if err := sockets.ConfigureTransport(transport, hostURL.Scheme, hostURL.Host); err != nil {
		return nil, fmt.Errorf("configuring docker transport: %w", err)
	}

	scheme := "http"
	p := &Proxy{
		httpClient: &http.Client{Transport: transport},
		scheme:     scheme,
	}
	if hostURL.Scheme == "tcp" {
		p.hostOverride = hostURL.Host
	}
	return p, nil
}

func (p *Proxy) requestURL(path string) string {
	host := dummyHost
	if p.hostOverride != "" {
		host = p.hostOverride
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return p.scheme + "://" + host + path
}

// Do performs a single request against the Docker Engine API and
// returns the buffered response. The path includes any query string,
// for example "/v1.44/containers/json?all=1".
func (p *Proxy) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*tunnel.EngineResponse, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.requestURL(path), reqBody)
	if err != nil {
		return nil, fmt.Errorf("building engine request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading engine response: %w", err)
	}

	return &tunnel.EngineResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       respBody,
		IsBinary:   isBinaryContentType(resp.Header.Get("Content-Type")),
	}, nil
}

// DoStream performs a streaming request (logs with follow, events,
// stats) and delivers chunks through the callbacks. It returns a
// cancel function that aborts the underlying request; the callbacks
// receive exactly one terminal OnEnd or OnError either way.
func (p *Proxy) DoStream(ctx context.Context, method, path string, headers map[string]string, body []byte, cb tunnel.StreamCallbacks) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(streamCtx, method, p.requestURL(path), reqBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building engine request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine request failed: %w", err)
	}

	go func() {
		defer resp.Body.Close()
		defer cancel()

		var copyErr error
		if isMultiplexedStream(resp.Header.Get("Content-Type")) {
			// Non-TTY container streams carry stdcopy framing; split it
			// back into tagged stdout and stderr chunks.
			stdout := &callbackWriter{cb: cb, stdStream: "stdout"}
			stderr := &callbackWriter{cb: cb, stdStream: "stderr"}
			_, copyErr = stdcopy.StdCopy(stdout, stderr, resp.Body)
		} else {
			copyErr = copyRaw(resp.Body, cb)
		}

		switch {
		case copyErr == nil:
			cb.OnEnd("stream ended")
		case streamCtx.Err() != nil:
			cb.OnEnd("stream canceled")
		default:
			cb.OnError(copyErr)
		}
	}()

	return cancel, nil
}

func copyRaw(r io.Reader, cb tunnel.StreamCallbacks) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb.OnData(chunk, "raw")
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// callbackWriter adapts StreamCallbacks to io.Writer for stdcopy.
type callbackWriter struct {
	cb        tunnel.StreamCallbacks
	stdStream string
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.cb.OnData(chunk, w.stdStream)
	return len(p), nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func isBinaryContentType(ct string) bool {
	switch {
	case ct == "":
		return false
	case strings.HasPrefix(ct, "application/json"),
		strings.HasPrefix(ct, "text/"):
		return false
	default:
		return true
	}
}

// isMultiplexedStream reports whether the body carries stdcopy framing.
// TTY streams use application/vnd.docker.raw-stream and are unframed.
func isMultiplexedStream(ct string) bool {
	return strings.HasPrefix(ct, "application/vnd.docker.multiplexed-stream")
}

// ABOUTME: Engine API proxying for both local sockets and tunnelled agents.
// ABOUTME: Unary passthrough plus SSE streaming for logs and events.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/capstan-io/capstan/internal/docker"
	"github.com/capstan-io/capstan/internal/store"
	"github.com/capstan-io/capstan/internal/tunnel"
)

// maxProxyBodyBytes bounds how much request body the proxy will buffer.
// Engine API request bodies (create configs, commit options) are small.
const maxProxyBodyBytes = 8 << 20

// handleDockerProxy forwards one unary Engine API call to the
// environment's daemon, over the tunnel or the local socket.
func (g *Gateway) handleDockerProxy(w http.ResponseWriter, r *http.Request, envID, enginePath string) {
	env, ok := g.loadEnvironment(w, r, envID)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if r.URL.RawQuery != "" {
		enginePath += "?" + r.URL.RawQuery
	}
	headers := map[string]string{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}

	var resp *tunnel.EngineResponse
	switch env.Kind {
	case store.EnvironmentTunnel:
		resp, err = g.registry.Send(r.Context(), envID, r.Method, enginePath, headers, body)
	case store.EnvironmentLocal:
		proxy, perr := g.localProxy(env)
		if perr != nil {
			g.sendJSONError(w, http.StatusBadGateway, "failed to reach local daemon")
			return
		}
		resp, err = proxy.Do(r.Context(), r.Method, enginePath, headers, body)
	default:
		g.sendJSONError(w, http.StatusInternalServerError, "unknown environment kind")
		return
	}
	if err != nil {
		g.sendProxyError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		g.logger.Debug("failed to write proxy response", "error", err)
	}
}

// sendProxyError maps tunnel failures onto gateway status codes so the
// dashboard can tell an offline agent from a slow one.
func (g *Gateway) sendProxyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tunnel.ErrAgentNotConnected):
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent not connected")
	case errors.Is(err, tunnel.ErrRequestTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, "agent did not respond in time")
	case errors.Is(err, tunnel.ErrConnectionReplaced), errors.Is(err, tunnel.ErrConnectionClosed):
		g.sendJSONError(w, http.StatusBadGateway, "agent connection lost")
	default:
		g.logger.Error("proxy request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleContainerLogs streams container logs as SSE. Each chunk becomes
// one event named after its origin stream (stdout, stderr, raw).
func (g *Gateway) handleContainerLogs(w http.ResponseWriter, r *http.Request, envID, containerID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	env, ok := g.loadEnvironment(w, r, envID)
	if !ok {
		return
	}

	tail := r.URL.Query().Get("tail")
	if tail == "" {
		tail = "200"
	}
	follow := r.URL.Query().Get("follow") != "false"
	enginePath := fmt.Sprintf("/containers/%s/logs?stdout=1&stderr=1&tail=%s&follow=%t",
		containerID, tail, follow)

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	// The callbacks run on a tunnel or daemon read loop; the writer is
	// not safe for concurrent use with our own shutdown path. A chunk
	// already past the pending-stream lookup when the request context
	// dies could still land after this handler returns, so every write
	// checks finished under the same lock that flips it.
	var writeMu sync.Mutex
	finished := false
	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	cb := tunnel.StreamCallbacks{
		OnData: func(data []byte, stdStream string) {
			writeMu.Lock()
			if !finished {
				writeSSEEvent(w, flusher, stdStream, map[string]string{"data": string(data)})
			}
			writeMu.Unlock()
		},
		OnEnd: func(reason string) {
			writeMu.Lock()
			if !finished {
				writeSSEEvent(w, flusher, "end", map[string]string{"reason": reason})
			}
			writeMu.Unlock()
			finish()
		},
		OnError: func(err error) {
			writeMu.Lock()
			if !finished {
				writeSSEEvent(w, flusher, "end", map[string]string{"reason": err.Error()})
			}
			writeMu.Unlock()
			finish()
		},
	}

	switch env.Kind {
	case store.EnvironmentTunnel:
		handle, err := g.registry.SendStreaming(envID, http.MethodGet, enginePath, cb, nil, nil)
		if err != nil {
			g.sendProxyError(w, err)
			return
		}
		defer handle.Cancel()
	case store.EnvironmentLocal:
		proxy, err := g.localProxy(env)
		if err != nil {
			g.sendJSONError(w, http.StatusBadGateway, "failed to reach local daemon")
			return
		}
		cancel, err := proxy.DoStream(r.Context(), http.MethodGet, enginePath, nil, nil, cb)
		if err != nil {
			g.sendJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		defer cancel()
	default:
		g.sendJSONError(w, http.StatusInternalServerError, "unknown environment kind")
		return
	}

	select {
	case <-r.Context().Done():
	case <-done:
	}
	writeMu.Lock()
	finished = true
	writeMu.Unlock()
}

// handleEventStream streams container events, metrics, and agent status
// changes for one environment as SSE.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request, envID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	env, ok := g.loadEnvironment(w, r, envID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	if env.Kind == store.EnvironmentLocal {
		engine, err := g.localEngine(env)
		if err != nil {
			g.sendJSONError(w, http.StatusBadGateway, "failed to reach local daemon")
			return
		}
		_ = engine.WatchEvents(r.Context(), func(ev docker.ContainerEvent) {
			writeSSEEvent(w, flusher, "container", map[string]any{
				"container_id": ev.ContainerID,
				"action":       ev.Action,
				"image":        ev.Image,
				"timestamp":    ev.Timestamp,
			})
		})
		return
	}

	ch, cancel := g.events.Subscribe(envID)
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSEEvent(w, flusher, ev.Event, ev.Data)
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one Server-Sent Event with a JSON data payload.
func writeSSEEvent(w io.Writer, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// ABOUTME: Fan-out hub for agent-pushed events and connection status changes.
// ABOUTME: Bridges tunnel callbacks to per-environment SSE subscribers.

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/capstan-io/capstan/internal/tunnel"
)

// sseEvent is one dashboard-facing event: Event names the SSE event
// type, Data is JSON-encoded into the data field.
type sseEvent struct {
	Event string
	Data  any
}

// subscriberBuffer bounds how far a slow SSE client may fall behind
// before events are dropped for it.
const subscriberBuffer = 64

// eventHub receives tunnel callbacks and fans them out to SSE
// subscribers keyed by environment.
type eventHub struct {
	mu     sync.Mutex
	subs   map[string]map[chan sseEvent]struct{}
	logger *slog.Logger
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		subs:   make(map[string]map[chan sseEvent]struct{}),
		logger: logger,
	}
}

// Subscribe registers an SSE subscriber for one environment. The
// returned cancel func must be called when the client goes away.
func (h *eventHub) Subscribe(environmentID string) (<-chan sseEvent, func()) {
	ch := make(chan sseEvent, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[environmentID]
	if !ok {
		set = make(map[chan sseEvent]struct{})
		h.subs[environmentID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[environmentID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, environmentID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers one event to every subscriber of an environment.
// Slow subscribers lose events rather than block the tunnel read loop.
func (h *eventHub) publish(environmentID string, ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[environmentID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				"environment_id", environmentID, "event", ev.Event)
		}
	}
}

// ContainerEvent implements tunnel.EventSink.
func (h *eventHub) ContainerEvent(environmentID string, ev *tunnel.ContainerEvent) {
	h.publish(environmentID, sseEvent{
		Event: "container",
		Data: map[string]any{
			"container_id": ev.ContainerID,
			"action":       ev.Action,
			"image":        ev.Image,
			"timestamp":    ev.Timestamp,
		},
	})
}

// HostMetrics implements tunnel.EventSink.
func (h *eventHub) HostMetrics(environmentID string, m *tunnel.Metrics) {
	h.publish(environmentID, sseEvent{
		Event: "metrics",
		Data: map[string]any{
			"containers_running": m.ContainersRunning,
			"containers_total":   m.ContainersTotal,
			"images":             m.Images,
			"timestamp":          m.Timestamp,
		},
	})
}

// EnvironmentConnected implements tunnel.StatusListener.
func (h *eventHub) EnvironmentConnected(environmentID string, identity tunnel.AgentIdentity) {
	h.publish(environmentID, sseEvent{
		Event: "status",
		Data: map[string]any{
			"connected":  true,
			"agent_name": identity.Name,
			"timestamp":  time.Now().Unix(),
		},
	})
}

// EnvironmentDisconnected implements tunnel.StatusListener.
func (h *eventHub) EnvironmentDisconnected(environmentID string) {
	h.publish(environmentID, sseEvent{
		Event: "status",
		Data: map[string]any{
			"connected": false,
			"timestamp": time.Now().Unix(),
		},
	})
}

// ABOUTME: Typed Docker SDK wrapper for daemon identity, events, and metrics.
// ABOUTME: Backs the agent handshake and the periodic telemetry pushes.

package docker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
)

// Engine wraps the Docker SDK client for the typed operations capstan
// needs outside the raw API proxy: daemon identity, the event firehose,
// and periodic host snapshots.
type Engine struct {
	cli *client.Client
}

// NewEngine creates an Engine for the daemon at the given host. An
// empty host uses the standard environment variables and the default
// local socket.
func NewEngine(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the underlying client transport.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// HostInfo describes the daemon a connection speaks for.
type HostInfo struct {
	DockerVersion string
	APIVersion    string
	Hostname      string
	OS            string
	Architecture  string
}

// Info queries the daemon for its version and the host identity.
func (e *Engine) Info(ctx context.Context) (*HostInfo, error) {
	version, err := e.cli.ServerVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying docker version: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &HostInfo{
		DockerVersion: version.Version,
		APIVersion:    version.APIVersion,
		Hostname:      hostname,
		OS:            version.Os,
		Architecture:  version.Arch,
	}, nil
}

// Snapshot holds the counters reported in periodic metrics pushes.
type Snapshot struct {
	ContainersRunning int
	ContainersTotal   int
	Images            int
	TakenAt           time.Time
}

// Snapshot queries the daemon for current container and image counts.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	info, err := e.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying docker info: %w", err)
	}
	return &Snapshot{
		ContainersRunning: info.ContainersRunning,
		ContainersTotal:   info.Containers,
		Images:            info.Images,
		TakenAt:           time.Now(),
	}, nil
}

// ContainerEvent is a lifecycle event observed on the daemon.
type ContainerEvent struct {
	ContainerID string
	Action      string
	Image       string
	Timestamp   int64
}

// WatchEvents subscribes to container lifecycle events and invokes fn
// for each one until the context is canceled or the daemon stream
// fails. It blocks; run it in its own goroutine.
func (e *Engine) WatchEvents(ctx context.Context, fn func(ContainerEvent)) error {
	msgs, errs := e.cli.Events(ctx, types.EventsOptions{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err != nil {
				return fmt.Errorf("docker event stream: %w", err)
			}
			return nil
		case msg := <-msgs:
			if msg.Type != events.ContainerEventType {
				continue
			}
			fn(ContainerEvent{
				ContainerID: msg.Actor.ID,
				Action:      string(msg.Action),
				Image:       msg.Actor.Attributes["image"],
				Timestamp:   msg.Time,
			})
		}
	}
}

// ABOUTME: Interactive exec sessions against the Docker daemon.
// ABOUTME: Creates, attaches, resizes, and tears down TTY exec instances.

package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// ExecSession is one attached interactive exec instance. Input goes to
// the hijacked connection; output arrives on the reader until the
// process exits or the session is closed.
type ExecSession struct {
	engine *Engine
	execID string
	resp   types.HijackedResponse
}

// StartExec creates an exec instance in the container, attaches to it
// with a TTY, and resizes it to the requested dimensions. An empty cmd
// defaults to /bin/sh.
func (e *Engine) StartExec(ctx context.Context, containerID string, cmd []string, user string, cols, rows uint16) (*ExecSession, error) {
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}

	created, err := e.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		User:         user,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", containerID, err)
	}

	attached, err := e.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attaching exec %s: %w", created.ID, err)
	}

	sess := &ExecSession{engine: e, execID: created.ID, resp: attached}
	if cols > 0 && rows > 0 {
		// Best effort; the shell renders fine at the default size until
		// the first explicit resize arrives.
		_ = sess.Resize(ctx, cols, rows)
	}
	return sess, nil
}

// Write sends input bytes to the exec's stdin.
func (s *ExecSession) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

// Read reads output bytes from the exec's combined TTY stream.
func (s *ExecSession) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

// Resize changes the TTY dimensions of the running exec.
func (s *ExecSession) Resize(ctx context.Context, cols, rows uint16) error {
	return s.engine.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// ExitCode inspects the exec instance and returns its exit code. Only
// meaningful once the output stream has hit EOF.
func (s *ExecSession) ExitCode(ctx context.Context) (int, error) {
	inspect, err := s.engine.cli.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		return 0, fmt.Errorf("inspecting exec %s: %w", s.execID, err)
	}
	return inspect.ExitCode, nil
}

// Close tears down the hijacked connection, which signals EOF to the
// attached process's stdin.
func (s *ExecSession) Close() error {
	s.resp.Close()
	return nil
}

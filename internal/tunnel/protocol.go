// ABOUTME: Wire envelope types for the agent tunnel protocol.
// ABOUTME: Every frame is flat JSON with a single "type" discriminator field.

package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType discriminates the frames exchanged over a tunnel connection.
type EnvelopeType string

// Envelope types. The set is closed: decoding an unlisted type yields
// ErrUnknownEnvelope and the frame is dropped by the dispatcher.
const (
	TypeHello          EnvelopeType = "hello"
	TypeWelcome        EnvelopeType = "welcome"
	TypeError          EnvelopeType = "error"
	TypePing           EnvelopeType = "ping"
	TypePong           EnvelopeType = "pong"
	TypeRequest        EnvelopeType = "request"
	TypeResponse       EnvelopeType = "response"
	TypeStream         EnvelopeType = "stream"
	TypeStreamEnd      EnvelopeType = "stream_end"
	TypeStreamCancel   EnvelopeType = "stream_cancel"
	TypeExecStart      EnvelopeType = "exec_start"
	TypeExecReady      EnvelopeType = "exec_ready"
	TypeExecOutput     EnvelopeType = "exec_output"
	TypeExecInput      EnvelopeType = "exec_input"
	TypeExecResize     EnvelopeType = "exec_resize"
	TypeExecEnd        EnvelopeType = "exec_end"
	TypeContainerEvent EnvelopeType = "container_event"
	TypeMetrics        EnvelopeType = "metrics"
)

// ErrUnknownEnvelope indicates a frame with a type outside the closed set.
var ErrUnknownEnvelope = errors.New("unknown envelope type")

// Hello is the first frame an agent sends after dialing in.
type Hello struct {
	Type          EnvelopeType `json:"type"`
	Token         string       `json:"token"`
	AgentID       string       `json:"agentId"`
	AgentName     string       `json:"agentName"`
	Version       string       `json:"version"`
	DockerVersion string       `json:"dockerVersion"`
	Hostname      string       `json:"hostname"`
	Capabilities  []string     `json:"capabilities,omitempty"`
}

// Welcome acknowledges a successful handshake.
type Welcome struct {
	Type          EnvelopeType `json:"type"`
	EnvironmentID string       `json:"environmentId"`
}

// ErrorFrame rejects a handshake or reports a fatal protocol error before close.
type ErrorFrame struct {
	Type    EnvelopeType `json:"type"`
	Message string       `json:"message"`
}

// Ping is the periodic liveness probe; sent by the server, echoed back by agents.
type Ping struct {
	Type      EnvelopeType `json:"type"`
	Timestamp int64        `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Type      EnvelopeType `json:"type"`
	Timestamp int64        `json:"timestamp"`
}

// Request carries one engine-API call to the agent. Stream marks calls whose
// reply is an open-ended sequence of Stream frames instead of one Response.
type Request struct {
	Type      EnvelopeType      `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
}

// Response is the single reply to a unary Request, correlated by RequestID.
type Response struct {
	Type       EnvelopeType      `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	IsBinary   bool              `json:"isBinary,omitempty"`
}

// Stream carries one chunk of a streaming reply. StdStream distinguishes
// multiplexed engine streams (stdout/stderr) where the engine provides one.
type Stream struct {
	Type      EnvelopeType `json:"type"`
	RequestID string       `json:"requestId"`
	Data      []byte       `json:"data"`
	StdStream string       `json:"stream,omitempty"`
}

// StreamEnd terminates a streaming reply with a human-readable reason.
type StreamEnd struct {
	Type      EnvelopeType `json:"type"`
	RequestID string       `json:"requestId"`
	Reason    string       `json:"reason"`
}

// StreamCancel tells the agent to stop producing data for a streaming request.
type StreamCancel struct {
	Type      EnvelopeType `json:"type"`
	RequestID string       `json:"requestId"`
}

// ExecStart opens an interactive exec session inside a container.
// ExecID lives in its own namespace, independent of request ids.
type ExecStart struct {
	Type        EnvelopeType `json:"type"`
	ExecID      string       `json:"execId"`
	ContainerID string       `json:"containerId"`
	Cmd         []string     `json:"cmd"`
	User        string       `json:"user,omitempty"`
	Cols        uint16       `json:"cols"`
	Rows        uint16       `json:"rows"`
}

// ExecReady confirms the agent allocated a PTY for the session.
type ExecReady struct {
	Type   EnvelopeType `json:"type"`
	ExecID string       `json:"execId"`
}

// ExecOutput carries terminal output. Data is base64-framed by encoding/json,
// which keeps arbitrary binary safe on the wire.
type ExecOutput struct {
	Type   EnvelopeType `json:"type"`
	ExecID string       `json:"execId"`
	Data   []byte       `json:"data"`
}

// ExecInput carries keystrokes from the local client to the remote PTY.
type ExecInput struct {
	Type   EnvelopeType `json:"type"`
	ExecID string       `json:"execId"`
	Data   []byte       `json:"data"`
}

// ExecResize propagates a terminal geometry change.
type ExecResize struct {
	Type   EnvelopeType `json:"type"`
	ExecID string       `json:"execId"`
	Cols   uint16       `json:"cols"`
	Rows   uint16       `json:"rows"`
}

// ExecEnd closes an exec session from either side.
type ExecEnd struct {
	Type   EnvelopeType `json:"type"`
	ExecID string       `json:"execId"`
	Reason string       `json:"reason,omitempty"`
}

// ContainerEvent is an out-of-band engine event pushed by the agent.
type ContainerEvent struct {
	Type        EnvelopeType `json:"type"`
	ContainerID string       `json:"containerId"`
	Action      string       `json:"action"`
	Image       string       `json:"image,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Metrics is a periodic host snapshot pushed by the agent.
type Metrics struct {
	Type              EnvelopeType `json:"type"`
	ContainersRunning int          `json:"containersRunning"`
	ContainersTotal   int          `json:"containersTotal"`
	Images            int          `json:"images"`
	Timestamp         int64        `json:"timestamp"`
}

// Frame is the decoded form of one inbound envelope: exactly one of the
// pointer fields is set, matching Type.
type Frame struct {
	Type EnvelopeType

	Hello          *Hello
	Welcome        *Welcome
	Error          *ErrorFrame
	Ping           *Ping
	Pong           *Pong
	Request        *Request
	Response       *Response
	Stream         *Stream
	StreamEnd      *StreamEnd
	StreamCancel   *StreamCancel
	ExecStart      *ExecStart
	ExecReady      *ExecReady
	ExecOutput     *ExecOutput
	ExecInput      *ExecInput
	ExecResize     *ExecResize
	ExecEnd        *ExecEnd
	ContainerEvent *ContainerEvent
	Metrics        *Metrics
}

// DecodeFrame parses one wire envelope into its tagged variant.
// Malformed JSON or an unlisted type returns an error; callers log and drop.
func DecodeFrame(data []byte) (*Frame, error) {
	var probe struct {
		Type EnvelopeType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	f := &Frame{Type: probe.Type}
	var dst any
	switch probe.Type {
	case TypeHello:
		f.Hello = &Hello{}
		dst = f.Hello
	case TypeWelcome:
		f.Welcome = &Welcome{}
		dst = f.Welcome
	case TypeError:
		f.Error = &ErrorFrame{}
		dst = f.Error
	case TypePing:
		f.Ping = &Ping{}
		dst = f.Ping
	case TypePong:
		f.Pong = &Pong{}
		dst = f.Pong
	case TypeRequest:
		f.Request = &Request{}
		dst = f.Request
	case TypeResponse:
		f.Response = &Response{}
		dst = f.Response
	case TypeStream:
		f.Stream = &Stream{}
		dst = f.Stream
	case TypeStreamEnd:
		f.StreamEnd = &StreamEnd{}
		dst = f.StreamEnd
	case TypeStreamCancel:
		f.StreamCancel = &StreamCancel{}
		dst = f.StreamCancel
	case TypeExecStart:
		f.ExecStart = &ExecStart{}
		dst = f.ExecStart
	case TypeExecReady:
		f.ExecReady = &ExecReady{}
		dst = f.ExecReady
	case TypeExecOutput:
		f.ExecOutput = &ExecOutput{}
		dst = f.ExecOutput
	case TypeExecInput:
		f.ExecInput = &ExecInput{}
		dst = f.ExecInput
	case TypeExecResize:
		f.ExecResize = &ExecResize{}
		dst = f.ExecResize
	case TypeExecEnd:
		f.ExecEnd = &ExecEnd{}
		dst = f.ExecEnd
	case TypeContainerEvent:
		f.ContainerEvent = &ContainerEvent{}
		dst = f.ContainerEvent
	case TypeMetrics:
		f.Metrics = &Metrics{}
		dst = f.Metrics
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, probe.Type)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("decoding %s envelope: %w", probe.Type, err)
	}
	return f, nil
}

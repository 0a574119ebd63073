// ABOUTME: Tests for wire envelope decoding.
// ABOUTME: Covers tagged-variant dispatch, unknown types, and malformed frames.

package tunnel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameVariants(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, f *Frame)
	}{
		{
			name: "hello",
			raw:  `{"type":"hello","token":"cap_x_y","agentId":"a1","agentName":"edge","version":"1.2.0","dockerVersion":"27.0.1","hostname":"host1","capabilities":["exec","events"]}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Hello)
				assert.Equal(t, "a1", f.Hello.AgentID)
				assert.Equal(t, "27.0.1", f.Hello.DockerVersion)
				assert.Equal(t, []string{"exec", "events"}, f.Hello.Capabilities)
			},
		},
		{
			name: "response",
			raw:  `{"type":"response","requestId":"r1","statusCode":404,"body":"bm90IGZvdW5k"}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Response)
				assert.Equal(t, 404, f.Response.StatusCode)
				assert.Equal(t, "not found", string(f.Response.Body))
			},
		},
		{
			name: "stream with sub-stream tag",
			raw:  `{"type":"stream","requestId":"r2","data":"aGk=","stream":"stderr"}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Stream)
				assert.Equal(t, "hi", string(f.Stream.Data))
				assert.Equal(t, "stderr", f.Stream.StdStream)
			},
		},
		{
			name: "stream end",
			raw:  `{"type":"stream_end","requestId":"r2","reason":"stream ended"}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.StreamEnd)
				assert.Equal(t, "stream ended", f.StreamEnd.Reason)
			},
		},
		{
			name: "exec output is binary safe",
			raw:  `{"type":"exec_output","execId":"e1","data":"AAEC"}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.ExecOutput)
				assert.Equal(t, []byte{0, 1, 2}, f.ExecOutput.Data)
			},
		},
		{
			name: "ping",
			raw:  `{"type":"ping","timestamp":1735689600000}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.Ping)
				assert.Equal(t, int64(1735689600000), f.Ping.Timestamp)
			},
		},
		{
			name: "container event",
			raw:  `{"type":"container_event","containerId":"c1","action":"die","timestamp":1}`,
			check: func(t *testing.T, f *Frame) {
				require.NotNil(t, f.ContainerEvent)
				assert.Equal(t, "die", f.ContainerEvent.Action)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw))
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"totally_new","requestId":"r1"}`))
	require.ErrorIs(t, err, ErrUnknownEnvelope)
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `[]`, `"ping"`, `{"type":42}`} {
		_, err := DecodeFrame([]byte(raw))
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Type:      TypeRequest,
		RequestID: "r1",
		Method:    "POST",
		Path:      "/containers/abc/start",
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      []byte(`{}`),
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, f.Request)
	assert.Equal(t, req.Method, f.Request.Method)
	assert.Equal(t, req.Path, f.Request.Path)
	assert.False(t, f.Request.Stream)
}

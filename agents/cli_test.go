package agents

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHook struct {
	bytes.Buffer
}

func (*nopHook) Close() error { return nil }

func newTestAgent(t *testing.T, baseURL string) (*CLIAgent, *nopHook) {
	t.Helper()
	hook := new(nopHook)
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)
	return &CLIAgent{
		logger:  shared.NewNopLogger(),
		printer: printer,
		opts:    CLIOptions{BaseURL: baseURL},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, hook
}

func TestResolveSignalingURL(t *testing.T) {
	tests := []struct {
		base      string
		signaling string
		want      string
	}{
		{"http://localhost:8000", "/sessions/abc/signaling", "ws://localhost:8000/sessions/abc/signaling"},
		{"https://relay.example.com/", "/sessions/abc/signaling", "wss://relay.example.com/sessions/abc/signaling"},
		{"http://localhost:8000", "wss://public.example.com/sessions/abc/signaling", "wss://public.example.com/sessions/abc/signaling"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			a, _ := newTestAgent(t, tt.base)
			got, err := a.resolveSignalingURL(tt.signaling)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleEventWritesAudioAndSignalsReady(t *testing.T) {
	a, hook := newTestAgent(t, "http://localhost:8000")
	path := filepath.Join(t.TempDir(), "out.pcm")
	f, err := os.Create(path)
	require.NoError(t, err)
	a.f = f
	a.out = bufio.NewWriter(f)

	a.handleEvent([]byte(`{"type":"xai.ready"}`))
	a.handleEvent([]byte(`{"type":"xai.ready"}`))
	select {
	case <-a.ready:
	default:
		t.Fatal("ready not signalled")
	}

	delta := tools.EncodePCM16([]float32{0, 1, -1})
	a.handleEvent([]byte(`{"type":"response.output_audio.delta","response_id":"r","item_id":"i","delta":"` + delta + `"}`))
	a.handleEvent([]byte(`{"type":"response.done"}`))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	samples := make([]int16, len(data)/2)
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, samples))
	assert.Equal(t, []int16{0, 32767, -32768}, samples)
	assert.Contains(t, hook.String(), "Response done")
}

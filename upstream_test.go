package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeXAI is a minimal realtime endpoint. It records every frame it receives
// and acknowledges session.update unless ack is false.
type fakeXAI struct {
	t        *testing.T
	ack      bool
	received chan []byte
	conns    chan *websocket.Conn
	authz    atomic.Value
}

func newFakeXAI(t *testing.T, ack bool) (*fakeXAI, *httptest.Server) {
	f := &fakeXAI{t: t, ack: ack, received: make(chan []byte, 64), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.authz.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.received <- data
			env, err := ParseEnvelope(data)
			if err == nil && env.Type == ClientEventTypeSessionUpdate {
				if !f.ack {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"))
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated","session":{}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeXAI) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.received:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestXAIClient(t *testing.T, url string) *XAIClient {
	t.Helper()
	c, err := NewXAIClient(shared.NewNopLogger(), UpstreamOptions{
		URL:            url,
		APIKey:         "xai-key",
		Voice:          "Ara",
		Instructions:   "be brief",
		SampleRate:     16000,
		Tools:          []map[string]any{{"type": "function", "name": "generate_random_number"}},
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestXAIClientConnectSendsConfigurationFirst(t *testing.T) {
	f, srv := newFakeXAI(t, true)
	c := newTestXAIClient(t, wsURL(srv))

	var readyCalls atomic.Int32
	c.SetReadyHandler(func() { readyCalls.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Ready())
	assert.Equal(t, int32(1), readyCalls.Load())
	assert.Equal(t, "Bearer xai-key", f.authz.Load())

	var first map[string]any
	require.NoError(t, sonic.Unmarshal(f.next(t), &first))
	assert.Equal(t, "session.update", first["type"])
	session := first["session"].(map[string]any)
	assert.Equal(t, "Ara", session["voice"])
	assert.Equal(t, "be brief", session["instructions"])
	format := session["audio"].(map[string]any)["input"].(map[string]any)["format"].(map[string]any)
	assert.Equal(t, "audio/pcm", format["type"])
	assert.EqualValues(t, 16000, format["rate"])
	assert.Len(t, session["tools"], 1)

	c.SendMessage([]byte(`{"type":"input_audio_buffer.commit"}`))
	assert.JSONEq(t, `{"type":"input_audio_buffer.commit"}`, string(f.next(t)))

	c.SendMessage(map[string]any{"type": "response.create"})
	assert.JSONEq(t, `{"type":"response.create"}`, string(f.next(t)))
}

func TestXAIClientDropsMessagesBeforeReady(t *testing.T) {
	_, srv := newFakeXAI(t, true)
	c := newTestXAIClient(t, wsURL(srv))

	assert.NotPanics(t, func() { c.SendMessage([]byte(`{"type":"response.create"}`)) })
	assert.False(t, c.Ready())
}

func TestXAIClientConnectFailsWhenUpstreamRejects(t *testing.T) {
	_, srv := newFakeXAI(t, false)
	c := newTestXAIClient(t, wsURL(srv))

	var readyCalls atomic.Int32
	c.SetReadyHandler(func() { readyCalls.Add(1) })

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrUpstreamClosed)
	assert.False(t, c.Ready())
	assert.Zero(t, readyCalls.Load())
}

func TestXAIClientConnectFailsOnDialError(t *testing.T) {
	c := newTestXAIClient(t, "ws://127.0.0.1:1/realtime")
	require.Error(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrUpstreamClosed)
}

func TestXAIClientForwardsMessagesInOrder(t *testing.T) {
	f, srv := newFakeXAI(t, true)
	c := newTestXAIClient(t, wsURL(srv))

	got := make(chan string, 8)
	var replaced atomic.Bool
	c.OnMessage(func(data []byte) { replaced.Store(true) })
	c.OnMessage(func(data []byte) {
		env, err := ParseEnvelope(data)
		if err == nil {
			got <- string(env.Type)
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "session.updated", <-got)

	conn := <-f.conns
	for _, typ := range []string{"m1", "m2", "m3"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"`+typ+`"}`)))
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case typ := <-got:
			assert.Equal(t, want, typ)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for relayed message")
		}
	}
	assert.False(t, replaced.Load(), "replaced handler must not run")
}

func TestXAIClientReportsRemoteClose(t *testing.T) {
	f, srv := newFakeXAI(t, true)
	c := newTestXAIClient(t, wsURL(srv))

	closed := make(chan int, 1)
	c.OnClose(func(code int, reason string) { closed <- code })
	require.NoError(t, c.Connect(context.Background()))

	conn := <-f.conns
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
	assert.False(t, c.Ready())
}

func TestXAIClientCloseIsIdempotent(t *testing.T) {
	_, srv := newFakeXAI(t, true)
	c := newTestXAIClient(t, wsURL(srv))

	closeCalls := atomic.Int32{}
	c.OnClose(func(int, string) { closeCalls.Add(1) })
	require.NoError(t, c.Connect(context.Background()))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Ready())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, closeCalls.Load(), "local close must not be reported as a remote close")
}

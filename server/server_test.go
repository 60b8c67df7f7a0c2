package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	relay "github.com/bt-bridge/voice-relay"
	"github.com/bt-bridge/voice-relay/metrics"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestServer(t *testing.T, publicURL string) (*Server, *relay.Hub) {
	t.Helper()
	cfg := shared.DefaultConfig()
	cfg.Server.PublicURL = publicURL
	m := metrics.New("relay")
	hub, err := relay.NewHub(shared.NewNopLogger(), relay.HubOptions{
		Config: cfg,
		Upstream: func(relay.Session, shared.LoggerAdapter) (relay.Upstream, error) {
			return nil, errors.New("no upstream in tests")
		},
		Metrics: m,
	})
	require.NoError(t, err)
	s, err := New(shared.NewNopLogger(), hub, cfg.Server, m)
	require.NoError(t, err)
	return s, hub
}

func do(h fasthttp.RequestHandler, method, uri, body string) *fasthttp.RequestCtx {
	ctx := new(fasthttp.RequestCtx)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	h(ctx)
	return ctx
}

func decode[T any](t *testing.T, ctx *fasthttp.RequestCtx) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(ctx.Response.Body(), &v))
	return v
}

func TestCreateSession(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()

	tests := []struct {
		name string
		body string
		rate int
	}{
		{"default rate", "", 24000},
		{"supported rate", `{"sample_rate":16000}`, 16000},
		{"snapped rate", `{"sample_rate":22000}`, 21050},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := do(h, fasthttp.MethodPost, "/sessions", tt.body)
			require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
			resp := decode[createSessionResponse](t, ctx)
			assert.NotEmpty(t, resp.SessionID)
			assert.Equal(t, tt.rate, resp.SampleRate)
			assert.Equal(t, "/sessions/"+resp.SessionID+"/signaling", resp.SignalingURL)
			assert.False(t, resp.CreatedAt.IsZero())
		})
	}
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	s, hub := newTestServer(t, "")

	ctx := do(s.Handler(), fasthttp.MethodPost, "/sessions", `{"sample_rate":`)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Empty(t, hub.ListSessions())
}

func TestSignalingURLUsesPublicURL(t *testing.T) {
	s, _ := newTestServer(t, "wss://relay.example.com/")

	ctx := do(s.Handler(), fasthttp.MethodPost, "/sessions", "")
	resp := decode[createSessionResponse](t, ctx)

	assert.Equal(t, "wss://relay.example.com/sessions/"+resp.SessionID+"/signaling", resp.SignalingURL)
}

func TestSessionLifecycle(t *testing.T) {
	s, hub := newTestServer(t, "")
	h := s.Handler()
	session := hub.CreateSession(24000)

	ctx := do(h, fasthttp.MethodGet, "/sessions", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	list := decode[[]map[string]any](t, ctx)
	require.Len(t, list, 1)
	assert.Equal(t, session.ID, list[0]["id"])
	assert.Equal(t, "created", list[0]["status"])
	assert.Contains(t, list[0], "webrtc_stats")

	ctx = do(h, fasthttp.MethodGet, "/sessions/"+session.ID, "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = do(h, fasthttp.MethodGet, "/sessions/"+session.ID+"/stats", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = do(h, fasthttp.MethodDelete, "/sessions/"+session.ID, "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	del := decode[deleteSessionResponse](t, ctx)
	assert.Equal(t, session.ID, del.SessionID)
	assert.NotEmpty(t, del.Message)

	for _, uri := range []string{"/sessions/" + session.ID, "/sessions/" + session.ID + "/stats"} {
		ctx = do(h, fasthttp.MethodGet, uri, "")
		assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode(), uri)
		assert.NotEmpty(t, decode[errorResponse](t, ctx).Error)
	}
	ctx = do(h, fasthttp.MethodDelete, "/sessions/"+session.ID, "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = do(h, fasthttp.MethodGet, "/sessions", "")
	assert.Empty(t, decode[[]map[string]any](t, ctx))
}

func TestHealthAndMetrics(t *testing.T) {
	s, hub := newTestServer(t, "")
	h := s.Handler()
	hub.CreateSession(8000)

	ctx := do(h, fasthttp.MethodGet, "/health", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	health := decode[healthResponse](t, ctx)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
	assert.Zero(t, health.Bridges)

	ctx = do(h, fasthttp.MethodGet, "/metrics", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "relay_sessions_created_total 1")
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, "")

	ctx := do(s.Handler(), fasthttp.MethodGet, "/nope", "")

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestSignalingUnknownSessionCloses(t *testing.T) {
	s, hub := newTestServer(t, "")
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return ln.Dial()
		},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("ws://relay.test/sessions/missing/signaling", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, relay.CloseSessionNotFound, closeErr.Code)
	assert.Contains(t, closeErr.Text, "not found")
	assert.Empty(t, hub.ListSessions())
	assert.Zero(t, hub.ActiveBridges())
}

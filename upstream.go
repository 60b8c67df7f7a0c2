package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Upstream is one persistent connection to the realtime voice API. Handler
// setters are single-slot: the last registration wins.
type Upstream interface {
	// Connect dials, sends the session configuration and blocks until the
	// upstream acknowledges it.
	Connect(ctx context.Context) error
	// SendMessage writes msg upstream. Before readiness, or after close, the
	// message is logged and dropped. []byte is sent verbatim.
	SendMessage(msg any)
	Ready() bool
	OnMessage(handler func(data []byte))
	OnError(handler func(err error))
	OnClose(handler func(code int, reason string))
	// SetReadyHandler fires at most once, when the configuration is acknowledged.
	SetReadyHandler(handler func())
	Close() error
}

// UpstreamFactory builds the upstream client for a session.
type UpstreamFactory func(session Session, logger shared.LoggerAdapter) (Upstream, error)

// NewXAIUpstreamFactory returns a factory dialing the configured realtime
// endpoint at each session's sample rate, advertising tools.
func NewXAIUpstreamFactory(cfg shared.UpstreamConfig, tools []map[string]any) UpstreamFactory {
	return func(session Session, logger shared.LoggerAdapter) (Upstream, error) {
		return NewXAIClient(logger, UpstreamOptions{
			URL:            cfg.URL,
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			Voice:          cfg.Voice,
			Instructions:   cfg.Instructions,
			SampleRate:     session.SampleRate,
			Tools:          tools,
			ConnectTimeout: cfg.ConnectTimeout,
			WriteTimeout:   cfg.WriteTimeout,
		})
	}
}

type UpstreamOptions struct {
	URL            string
	APIKey         string
	Model          string
	Voice          string
	Instructions   string
	SampleRate     int
	Tools          []map[string]any
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
}

type upstreamState int32

const (
	upstreamStateNew upstreamState = iota
	upstreamStateConnecting
	upstreamStateOpen
	upstreamStateReady
	upstreamStateClosed
)

type XAIClient struct {
	logger shared.LoggerAdapter
	opts   UpstreamOptions

	state   atomic.Int32
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func(data []byte)
	onError   func(err error)
	onClose   func(code int, reason string)
	onReady   func()

	readyOnce   sync.Once
	ready       chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
	localClose  atomic.Bool
}

var _ Upstream = (*XAIClient)(nil)

func NewXAIClient(logger shared.LoggerAdapter, opts UpstreamOptions) (*XAIClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if opts.URL == "" {
		return nil, errors.New("upstream url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &XAIClient{
		logger: logger.With(zap.String("component", "upstream")),
		opts:   opts,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

func (c *XAIClient) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(upstreamStateNew), int32(upstreamStateConnecting)) {
		if upstreamState(c.state.Load()) == upstreamStateClosed {
			return shared.ErrUpstreamClosed
		}
		return shared.ErrUpstreamAlreadyOpen
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	target, err := c.endpoint()
	if err != nil {
		c.finish(websocket.CloseAbnormalClosure, err.Error())
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.APIKey)

	c.logger.Info("connecting upstream", zap.String("url", target))
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, header)
	if err != nil {
		c.finish(websocket.CloseAbnormalClosure, err.Error())
		if resp != nil {
			return fmt.Errorf("dialing upstream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing upstream: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(upstreamStateConnecting), int32(upstreamStateOpen)) {
		// closed while dialing
		_ = conn.Close()
		return shared.ErrUpstreamClosed
	}
	go c.readLoop(conn)

	cfg, err := sonic.Marshal(c.sessionUpdate())
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("marshaling session configuration: %w", err)
	}
	if err := c.write(cfg); err != nil {
		_ = c.Close()
		return fmt.Errorf("sending session configuration: %w", err)
	}
	c.logger.Debug("session configuration sent", zap.Int("sample_rate", c.opts.SampleRate))

	select {
	case <-c.ready:
		c.logger.Info("upstream ready")
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: %s", shared.ErrUpstreamClosed, c.closeReason)
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("waiting for upstream configuration: %w", ctx.Err())
	}
}

func (c *XAIClient) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parsing upstream url: %w", err)
	}
	if c.opts.Model != "" {
		q := u.Query()
		q.Set("model", c.opts.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *XAIClient) sessionUpdate() map[string]any {
	format := map[string]any{
		"type": "audio/pcm",
		"rate": c.opts.SampleRate,
	}
	session := map[string]any{
		"voice":          c.opts.Voice,
		"instructions":   c.opts.Instructions,
		"turn_detection": map[string]any{"type": "server_vad"},
		"audio": map[string]any{
			"input":  map[string]any{"format": format},
			"output": map[string]any{"format": format},
		},
	}
	if len(c.opts.Tools) > 0 {
		session["tools"] = c.opts.Tools
	}
	return map[string]any{
		"type":    string(ClientEventTypeSessionUpdate),
		"session": session,
	}
}

func (c *XAIClient) readLoop(conn *websocket.Conn) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		local := c.localClose.Load()
		c.finish(code, reason)
		if local {
			return
		}
		if h := c.closeHandler(); h != nil {
			h(code, reason)
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.localClose.Load() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
				if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
					c.logger.Info("upstream closed", zap.Int("code", code), zap.String("reason", reason))
					return
				}
			} else {
				code, reason = websocket.CloseAbnormalClosure, err.Error()
			}
			c.logger.Error("reading upstream", err)
			if h := c.errorHandler(); h != nil {
				h(err)
			}
			return
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("skipping malformed upstream message", zap.Error(err))
			continue
		}
		switch env.Type {
		case ServerEventTypeSessionUpdated:
			c.markReady()
		case ServerEventTypeError:
			p := new(ErrorParam)
			if err := env.Decode(p); err == nil {
				c.logger.Warn("upstream reported error", zap.String("code", p.Code), zap.String("message", p.Message))
			}
		}
		if h := c.messageHandler(); h != nil {
			h(data)
		}
	}
}

func (c *XAIClient) markReady() {
	c.readyOnce.Do(func() {
		c.state.CompareAndSwap(int32(upstreamStateOpen), int32(upstreamStateReady))
		close(c.ready)
		c.mu.Lock()
		h := c.onReady
		c.mu.Unlock()
		if h != nil {
			h()
		}
	})
}

func (c *XAIClient) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(upstreamStateClosed))
		c.closeReason = fmt.Sprintf("code=%d reason=%s", code, reason)
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *XAIClient) Ready() bool {
	return upstreamState(c.state.Load()) == upstreamStateReady
}

func (c *XAIClient) SendMessage(msg any) {
	if !c.Ready() {
		c.logger.Warn("upstream not ready, dropping message")
		return
	}
	var data []byte
	switch m := msg.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		var err error
		if data, err = sonic.Marshal(m); err != nil {
			c.logger.Error("marshaling upstream message", err)
			return
		}
	}
	if err := c.write(data); err != nil {
		c.logger.Error("writing upstream message", err)
	}
}

func (c *XAIClient) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return shared.ErrUpstreamNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *XAIClient) OnMessage(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *XAIClient) OnError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

func (c *XAIClient) OnClose(handler func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *XAIClient) SetReadyHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = handler
}

func (c *XAIClient) messageHandler() func([]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage
}

func (c *XAIClient) errorHandler() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onError
}

func (c *XAIClient) closeHandler() func(int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onClose
}

// Close sends a close frame when possible and releases the socket. Calling it
// again is a no-op.
func (c *XAIClient) Close() error {
	if !c.localClose.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("sending upstream close frame", zap.Error(err))
		}
	}
	c.finish(websocket.CloseNormalClosure, "closed locally")
	return nil
}

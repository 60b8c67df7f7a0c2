// Package server exposes the hub over HTTP: the session API, the signaling
// websocket and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	relay "github.com/bt-bridge/voice-relay"
	"github.com/bt-bridge/voice-relay/metrics"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/fasthttp/router"
	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

type Server struct {
	logger   shared.LoggerAdapter
	hub      *relay.Hub
	cfg      shared.ServerConfig
	metrics  *metrics.Collector
	upgrader websocket.FastHTTPUpgrader
	srv      *fasthttp.Server

	// ctx outlives requests; signaling sessions run under it
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger shared.LoggerAdapter, hub *relay.Hub, cfg shared.ServerConfig, m *metrics.Collector) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:  logger.With(zap.String("component", "http")),
		hub:     hub,
		cfg:     cfg,
		metrics: m,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "voice-relay",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the routed request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.route(r, fasthttp.MethodPost, "/sessions", s.createSession)
	s.route(r, fasthttp.MethodGet, "/sessions", s.listSessions)
	s.route(r, fasthttp.MethodGet, "/sessions/{id}", s.getSession)
	s.route(r, fasthttp.MethodDelete, "/sessions/{id}", s.deleteSession)
	s.route(r, fasthttp.MethodGet, "/sessions/{id}/stats", s.sessionStats)
	s.route(r, fasthttp.MethodGet, "/sessions/{id}/signaling", s.signaling)
	s.route(r, fasthttp.MethodGet, "/health", s.health)
	s.route(r, fasthttp.MethodGet, "/metrics",
		fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})))
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusNotFound, "route not found")
	}
	return r.Handler
}

// route registers h behind panic recovery and request logging.
func (s *Server) route(r *router.Router, method, path string, h fasthttp.RequestHandler) {
	r.Handle(method, path, s.recovery(s.observe(path, h)))
}

func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", fmt.Errorf("%v", rec), zap.ByteString("path", ctx.Path()))
				writeError(ctx, fasthttp.StatusInternalServerError, "internal server error")
			}
		}()
		next(ctx)
	}
}

func (s *Server) observe(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		d := time.Since(start)
		status := ctx.Response.StatusCode()
		s.metrics.HTTPRequest(string(ctx.Method()), route, status, d)
		s.logger.Debug("request",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Int("status", status),
			zap.Duration("duration", d),
			zap.String("remote_addr", ctx.RemoteAddr().String()),
		)
	}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Shutdown closes every bridge, which ends their signaling sockets, and then
// stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.Shutdown()
	return s.srv.ShutdownWithContext(ctx)
}

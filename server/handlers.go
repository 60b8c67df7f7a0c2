package server

import (
	"errors"
	"strings"
	"time"

	relay "github.com/bt-bridge/voice-relay"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	SampleRate *int `json:"sample_rate"`
}

type createSessionResponse struct {
	SessionID    string    `json:"session_id"`
	SignalingURL string    `json:"signaling_url"`
	CreatedAt    time.Time `json:"created_at"`
	SampleRate   int       `json:"sample_rate"`
}

type deleteSessionResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Bridges  int    `json:"bridges"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		ctx.Error(`{"error":"encoding response"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, errorResponse{Error: msg})
}

// writeLookupError maps hub lookup errors onto status codes.
func writeLookupError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, shared.ErrSessionNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "session not found")
	case errors.Is(err, shared.ErrBridgeNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "no active bridge for session")
	default:
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
	}
}

func sessionID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

func (s *Server) signalingURL(id string) string {
	path := "/sessions/" + id + "/signaling"
	if s.cfg.PublicURL == "" {
		return path
	}
	return strings.TrimRight(s.cfg.PublicURL, "/") + path
}

func (s *Server) createSession(ctx *fasthttp.RequestCtx) {
	var req createSessionRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid request body")
			return
		}
	}
	rate := 0
	if req.SampleRate != nil {
		rate = *req.SampleRate
	}
	session := s.hub.CreateSession(rate)
	writeJSON(ctx, fasthttp.StatusCreated, createSessionResponse{
		SessionID:    session.ID,
		SignalingURL: s.signalingURL(session.ID),
		CreatedAt:    session.CreatedAt,
		SampleRate:   session.SampleRate,
	})
}

func (s *Server) listSessions(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.hub.ListSessions())
}

func (s *Server) getSession(ctx *fasthttp.RequestCtx) {
	session, err := s.hub.GetSession(sessionID(ctx))
	if err != nil {
		writeLookupError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, session)
}

func (s *Server) deleteSession(ctx *fasthttp.RequestCtx) {
	id := sessionID(ctx)
	if err := s.hub.DeleteSession(id); err != nil {
		writeLookupError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, deleteSessionResponse{
		Message:   "Session deleted",
		SessionID: id,
	})
}

func (s *Server) sessionStats(ctx *fasthttp.RequestCtx) {
	stats, err := s.hub.SessionStats(sessionID(ctx))
	if err != nil {
		writeLookupError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, stats)
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, healthResponse{
		Status:   "ok",
		Version:  shared.Version,
		Sessions: len(s.hub.ListSessions()),
		Bridges:  s.hub.ActiveBridges(),
	})
}

// signaling upgrades the request and hands the socket to the hub. Unknown
// sessions are still upgraded so the client sees the close code.
func (s *Server) signaling(ctx *fasthttp.RequestCtx) {
	id := sessionID(ctx)
	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		if err := s.hub.ServeSignaling(s.ctx, id, conn); err != nil {
			s.logger.Warn("signaling ended with error", zap.String("session_id", id), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("upgrading signaling connection", err, zap.String("session_id", id))
	}
}

var _ relay.SignalConn = (*websocket.Conn)(nil)

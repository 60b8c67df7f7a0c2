package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeReady        SignalType = "ready"
	SignalTypeICECandidate SignalType = "ice-candidate"
	SignalTypeError        SignalType = "error"
)

// Close codes sent on the signaling socket.
const (
	CloseNormal              = websocket.CloseNormalClosure
	CloseSessionNotFound     = 4004
	CloseNegotiationFailed   = 4400
	CloseUpstreamUnavailable = 4502
)

// SignalMessage is every frame of the signaling protocol. Only the fields
// that belong to Type are set.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// SignalConn is the websocket the signaling handler runs on. Both
// fasthttp/websocket and gorilla/websocket connections satisfy it.
type SignalConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// setupError carries the close code a failed setup step ends the socket with.
type setupError struct {
	code int
	err  error
}

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

func closeCodeFor(err error) int {
	var se *setupError
	if errors.As(err, &se) {
		return se.code
	}
	if errors.Is(err, shared.ErrUpstreamClosed) {
		return CloseUpstreamUnavailable
	}
	return CloseNegotiationFailed
}

// signalSession is the server end of one signaling connection.
type signalSession struct {
	id      string
	conn    SignalConn
	logger  shared.LoggerAdapter
	cfg     shared.SignalingConfig
	limiter *rate.Limiter

	writeMu sync.Mutex

	// mu orders local candidates after the offer.
	mu        sync.Mutex
	offerSent bool
	pending   []webrtc.ICECandidateInit

	abortOnce sync.Once
	closeOnce sync.Once
}

func newSignalSession(id string, conn SignalConn, cfg shared.SignalingConfig, logger shared.LoggerAdapter) *signalSession {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	return &signalSession{
		id:      id,
		conn:    conn,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
	}
}

func (s *signalSession) send(msg SignalMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", msg.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type, err)
	}
	return nil
}

// sendOffer writes the offer and then any candidates gathered meanwhile.
func (s *signalSession) sendOffer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.send(SignalMessage{Type: SignalTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	s.offerSent = true
	pending := s.pending
	s.pending = nil
	for i := range pending {
		if err := s.send(SignalMessage{Type: SignalTypeICECandidate, Candidate: &pending[i]}); err != nil {
			s.logger.Warn("sending ICE candidate", zap.Error(err))
		}
	}
	return nil
}

func (s *signalSession) sendCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.offerSent {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.send(SignalMessage{Type: SignalTypeICECandidate, Candidate: &c}); err != nil {
		s.logger.Warn("sending ICE candidate", zap.Error(err))
	}
}

// close sends a close frame with code and drops the connection. Only the
// first call has any effect.
func (s *signalSession) close(code int, reason string) {
	// control frame payloads are capped at 125 bytes, two of them the code
	if len(reason) > 123 {
		reason = reason[:123]
	}
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("sending signaling close frame", zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing signaling socket", zap.Error(err))
		}
	})
}

// abort reports err to the client and ends the connection. Later calls are
// ignored.
func (s *signalSession) abort(code int, err error) {
	s.abortOnce.Do(func() {
		s.logger.Error("signaling aborted", err, zap.Int("close_code", code))
		if sendErr := s.send(SignalMessage{Type: SignalTypeError, Message: err.Error()}); sendErr != nil {
			s.logger.Debug("sending signaling error", zap.Error(sendErr))
		}
		s.close(code, err.Error())
	})
}

// negotiate runs upstream initialisation and offer creation side by side.
func (s *signalSession) negotiate(ctx context.Context, bridge *Bridge) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bridge.InitializeUpstream(gctx); err != nil {
			return &setupError{code: CloseUpstreamUnavailable, err: err}
		}
		return nil
	})
	g.Go(func() error {
		sdp, err := bridge.CreateOffer()
		if err != nil {
			return &setupError{code: CloseNegotiationFailed, err: err}
		}
		if err := s.sendOffer(sdp); err != nil {
			return &setupError{code: CloseNegotiationFailed, err: err}
		}
		s.logger.Debug("offer sent")
		return nil
	})
	return g.Wait()
}

// readLoop handles client frames until the socket fails or ctx ends.
func (s *signalSession) readLoop(ctx context.Context, bridge *Bridge) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("signaling read ended", zap.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			s.logger.Warn("signaling rate exceeded, dropping message")
			continue
		}
		var msg SignalMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed signaling message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case SignalTypeAnswer:
			if err := bridge.HandleAnswer(msg.SDP); err != nil {
				s.abort(CloseNegotiationFailed, fmt.Errorf("applying answer: %w", err))
				return
			}
			if err := s.send(SignalMessage{Type: SignalTypeReady}); err != nil {
				s.logger.Warn("sending ready", zap.Error(err))
			}
		case SignalTypeICECandidate:
			if msg.Candidate == nil {
				s.logger.Warn("ice-candidate without candidate")
				continue
			}
			if err := bridge.HandleIceCandidate(*msg.Candidate); err != nil {
				s.logger.Warn("remote ICE candidate rejected", zap.Error(err))
			}
		default:
			s.logger.Warn("unknown signaling message", zap.String("type", string(msg.Type)))
		}
	}
}

// pollStats pushes bridge stats into the registry until ctx ends.
func (s *signalSession) pollStats(ctx context.Context, interval time.Duration, bridge *Bridge, registry *Registry) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := bridge.RefreshStats()
			if err != nil {
				s.logger.Debug("skipping stats poll", zap.Error(err))
				continue
			}
			if err := registry.UpdateStats(s.id, stats); err != nil {
				s.logger.Debug("storing stats", zap.Error(err))
			}
		}
	}
}

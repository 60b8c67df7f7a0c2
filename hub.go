package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-relay/metrics"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type HubOptions struct {
	Config     shared.Config
	Upstream   UpstreamFactory
	Dispatcher *tools.Dispatcher
	Metrics    *metrics.Collector
	// API overrides the pion API bridges are built with.
	API *webrtc.API
}

type bridgeEntry struct {
	bridge *Bridge
	cancel context.CancelFunc
}

// Hub owns the session registry and the table of live bridges. Every HTTP
// and signaling handler works through it.
type Hub struct {
	logger     shared.LoggerAdapter
	cfg        shared.Config
	registry   *Registry
	upstream   UpstreamFactory
	dispatcher *tools.Dispatcher
	metrics    *metrics.Collector
	api        *webrtc.API

	mu      sync.Mutex
	bridges map[string]*bridgeEntry
}

func NewHub(logger shared.LoggerAdapter, opts HubOptions) (*Hub, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Upstream == nil {
		return nil, errors.New("upstream factory is required")
	}
	return &Hub{
		logger:     logger.With(zap.String("component", "hub")),
		cfg:        opts.Config,
		registry:   NewRegistry(),
		upstream:   opts.Upstream,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		api:        opts.API,
		bridges:    make(map[string]*bridgeEntry),
	}, nil
}

// CreateSession registers a session. A zero sampleRate selects the
// configured default.
func (h *Hub) CreateSession(sampleRate int) Session {
	if sampleRate <= 0 {
		sampleRate = h.cfg.Upstream.DefaultSampleRate
	}
	s := h.registry.Create(sampleRate)
	h.metrics.SessionCreated()
	h.logger.Info("session created", zap.String("session_id", s.ID), zap.Int("sample_rate", s.SampleRate))
	return s
}

func (h *Hub) ListSessions() []Session {
	return h.registry.List()
}

func (h *Hub) GetSession(id string) (Session, error) {
	s, ok := h.registry.Get(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	return s, nil
}

// DeleteSession removes the session and closes its bridge, if any.
func (h *Hub) DeleteSession(id string) error {
	if !h.registry.Delete(id) {
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	h.dropBridge(id)
	h.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// SessionStats returns the live stats of the session's bridge.
func (h *Hub) SessionStats(id string) (WebRTCStats, error) {
	if _, ok := h.registry.Get(id); !ok {
		return WebRTCStats{}, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	b, ok := h.Bridge(id)
	if !ok {
		return WebRTCStats{}, fmt.Errorf("%w: %s", shared.ErrBridgeNotFound, id)
	}
	return b.Stats(), nil
}

func (h *Hub) Bridge(id string) (*Bridge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.bridges[id]
	if !ok {
		return nil, false
	}
	return e.bridge, true
}

// ActiveBridges reports the number of live bridges.
func (h *Hub) ActiveBridges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// install makes b the session's bridge, releasing any predecessor.
func (h *Hub) install(id string, b *Bridge, cancel context.CancelFunc) {
	h.mu.Lock()
	prev := h.bridges[id]
	h.bridges[id] = &bridgeEntry{bridge: b, cancel: cancel}
	h.mu.Unlock()
	if prev != nil {
		h.logger.Info("replacing bridge", zap.String("session_id", id))
		prev.cancel()
		_ = prev.bridge.Close()
	}
}

// release removes b from the table if it is still the session's bridge and
// reports whether it was.
func (h *Hub) release(id string, b *Bridge) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.bridges[id]
	if !ok || e.bridge != b {
		return false
	}
	delete(h.bridges, id)
	return true
}

func (h *Hub) dropBridge(id string) {
	h.mu.Lock()
	e, ok := h.bridges[id]
	delete(h.bridges, id)
	h.mu.Unlock()
	if ok {
		e.cancel()
		_ = e.bridge.Close()
	}
}

// Shutdown closes every live bridge. Their signaling connections end with
// them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	entries := h.bridges
	h.bridges = make(map[string]*bridgeEntry)
	h.mu.Unlock()
	for id, e := range entries {
		h.logger.Debug("closing bridge on shutdown", zap.String("session_id", id))
		e.cancel()
		_ = e.bridge.Close()
	}
}

// ServeSignaling runs the signaling protocol for session id on conn and
// returns once the connection is finished and its bridge released.
func (h *Hub) ServeSignaling(ctx context.Context, id string, conn SignalConn) error {
	logger := h.logger.With(zap.String("component", "signaling"), zap.String("session_id", id))
	s := newSignalSession(id, conn, h.cfg.Signaling, logger)

	session, ok := h.registry.Get(id)
	if !ok {
		logger.Warn("signaling requested for unknown session")
		s.close(CloseSessionNotFound, "session not found")
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	if err := h.registry.UpdateStatus(id, StatusActive); err != nil {
		s.close(CloseSessionNotFound, "session not found")
		return err
	}
	h.metrics.SessionActivated()
	defer h.metrics.SessionDeactivated()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge, err := h.newBridge(session, logger)
	if err != nil {
		s.abort(CloseNegotiationFailed, err)
		h.markClosed(id, logger)
		return err
	}
	h.install(id, bridge, cancel)
	// a delete that landed before install had no bridge to close
	if _, ok := h.registry.Get(id); !ok {
		logger.Warn("session deleted during signaling setup")
		h.release(id, bridge)
		_ = bridge.Close()
		s.close(CloseSessionNotFound, "session not found")
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	defer h.teardown(id, bridge, logger)

	bridge.OnLocalCandidate(s.sendCandidate)
	bridge.OnFatal(func(err error) {
		go s.abort(closeCodeFor(err), err)
	})
	go func() {
		<-ctx.Done()
		s.close(CloseNormal, "session closed")
	}()
	go func() {
		if err := s.negotiate(ctx, bridge); err != nil {
			if ctx.Err() == nil {
				s.abort(closeCodeFor(err), err)
			}
			return
		}
		logger.Info("signaling setup complete")
		s.pollStats(ctx, h.cfg.WebRTC.StatsInterval, bridge, h.registry)
	}()

	s.readLoop(ctx, bridge)
	cancel()
	return nil
}

func (h *Hub) newBridge(session Session, logger shared.LoggerAdapter) (*Bridge, error) {
	up, err := h.upstream(session, logger)
	if err != nil {
		return nil, fmt.Errorf("building upstream client: %w", err)
	}
	b, err := NewBridge(session.ID, up, logger, BridgeOptions{
		ICEServers: h.cfg.WebRTC.ICEServers,
		API:        h.api,
		Dispatcher: h.dispatcher,
		Metrics:    h.metrics,
	})
	if err != nil {
		_ = up.Close()
		return nil, err
	}
	return b, nil
}

func (h *Hub) teardown(id string, b *Bridge, logger shared.LoggerAdapter) {
	current := h.release(id, b)
	_ = b.Close()
	// a replacement connection owns the session status now
	if current {
		h.markClosed(id, logger)
	}
	logger.Info("signaling closed")
}

func (h *Hub) markClosed(id string, logger shared.LoggerAdapter) {
	if err := h.registry.UpdateStatus(id, StatusClosed); err != nil && !errors.Is(err, shared.ErrSessionNotFound) {
		logger.Warn("marking session closed", zap.Error(err))
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/metrics"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DataChannelLabel is the label of the channel the relay offers.
const DataChannelLabel = "xai"

type BridgeState int

const (
	BridgeStateNew BridgeState = iota
	BridgeStateHaveLocalOffer
	BridgeStateNegotiating
	BridgeStateConnected
	BridgeStateClosed
)

func (s BridgeState) String() string {
	switch s {
	case BridgeStateNew:
		return "new"
	case BridgeStateHaveLocalOffer:
		return "have-local-offer"
	case BridgeStateNegotiating:
		return "negotiating"
	case BridgeStateConnected:
		return "connected"
	case BridgeStateClosed:
		return "closed"
	}
	return fmt.Sprintf("BridgeState(%d)", int(s))
}

// dataChannel is the part of *webrtc.DataChannel the bridge relies on.
type dataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	Close() error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
}

var _ dataChannel = (*webrtc.DataChannel)(nil)

type BridgeOptions struct {
	ICEServers []string
	// API overrides the pion API used to build the peer connection.
	API        *webrtc.API
	Dispatcher *tools.Dispatcher
	Metrics    *metrics.Collector
}

// Bridge owns one peer connection, its data channel and the session's
// upstream client, and relays envelopes between the two transports.
type Bridge struct {
	sessionID  string
	logger     shared.LoggerAdapter
	pc         *webrtc.PeerConnection
	upstream   Upstream
	dispatcher *tools.Dispatcher
	metrics    *metrics.Collector
	stats      *statsTracker

	// negMu serialises offer/answer/candidate handling; pion calls are made
	// while holding it, never while holding mu.
	negMu             sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit

	mu        sync.Mutex
	state     BridgeState
	dc        dataChannel
	readySent bool
	onLocal   func(webrtc.ICECandidateInit)
	onFatal   func(error)

	fatalOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewBridge(sessionID string, upstream Upstream, logger shared.LoggerAdapter, opts BridgeOptions) (*Bridge, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if opts.API != nil {
		pc, err = opts.API.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	b := newBridge(sessionID, pc, upstream, logger, opts)

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	b.attachDataChannel(dc, "local")

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		b.attachDataChannel(dc, "remote")
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			b.logger.Debug("local ICE gathering complete")
			return
		}
		b.mu.Lock()
		h := b.onLocal
		b.mu.Unlock()
		if h != nil {
			h(c.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		b.logger.Info("ICE connection state changed", zap.String("ice_state", s.String()))
		b.stats.setICEConnectionState(s)
	})
	pc.OnConnectionStateChange(b.handleConnectionState)
	return b, nil
}

func newBridge(sessionID string, pc *webrtc.PeerConnection, upstream Upstream, logger shared.LoggerAdapter, opts BridgeOptions) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	opts.Metrics.BridgeOpened()
	return &Bridge{
		sessionID:  sessionID,
		logger:     logger.With(zap.String("component", "bridge"), zap.String("session_id", sessionID)),
		pc:         pc,
		upstream:   upstream,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		stats:      newStatsTracker(time.Now),
		state:      BridgeStateNew,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *Bridge) SessionID() string {
	return b.sessionID
}

func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the bridge has been closed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// OnLocalCandidate registers the sink for locally gathered ICE candidates.
func (b *Bridge) OnLocalCandidate(handler func(webrtc.ICECandidateInit)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLocal = handler
}

// OnFatal registers the handler told when the bridge can no longer serve the
// session. It runs at most once and must not block.
func (b *Bridge) OnFatal(handler func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFatal = handler
}

func (b *Bridge) fail(err error) {
	b.fatalOnce.Do(func() {
		b.logger.Error("bridge failed", err)
		b.mu.Lock()
		h := b.onFatal
		b.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

func (b *Bridge) setState(s BridgeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BridgeStateClosed {
		return
	}
	b.logger.Trace("bridge state changed", zap.Stringer("prev", b.state), zap.Stringer("new", s))
	b.state = s
}

func (b *Bridge) handleConnectionState(s webrtc.PeerConnectionState) {
	b.logger.Info("peer connection state changed", zap.String("state", s.String()))
	b.stats.setConnectionState(s)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		b.setState(BridgeStateConnected)
	case webrtc.PeerConnectionStateFailed:
		b.fail(errors.New("peer connection failed"))
	}
}

// CreateOffer creates and applies the local offer and returns its SDP.
func (b *Bridge) CreateOffer() (string, error) {
	b.negMu.Lock()
	defer b.negMu.Unlock()
	switch b.State() {
	case BridgeStateNew:
	case BridgeStateClosed:
		return "", shared.ErrBridgeClosed
	default:
		return "", shared.ErrOfferAlreadyCreated
	}
	offer, err := b.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := b.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	b.setState(BridgeStateHaveLocalOffer)
	return offer.SDP, nil
}

// HandleAnswer applies the remote answer. It fails with
// shared.ErrAnswerBeforeOffer when no local offer exists yet.
func (b *Bridge) HandleAnswer(sdp string) error {
	b.negMu.Lock()
	defer b.negMu.Unlock()
	switch b.State() {
	case BridgeStateHaveLocalOffer:
	case BridgeStateNew:
		return shared.ErrAnswerBeforeOffer
	case BridgeStateClosed:
		return shared.ErrBridgeClosed
	default:
		return errors.New("answer already applied")
	}
	err := b.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	// the connection may already have come up
	b.mu.Lock()
	if b.state == BridgeStateHaveLocalOffer {
		b.state = BridgeStateNegotiating
	}
	b.mu.Unlock()

	pending := b.pendingCandidates
	b.pendingCandidates = nil
	for _, c := range pending {
		if err := b.pc.AddICECandidate(c); err != nil {
			b.logger.Warn("dropping buffered ICE candidate", zap.Error(err), zap.String("candidate", c.Candidate))
		}
	}
	return nil
}

// HandleIceCandidate adds a remote candidate, holding it until the answer
// is applied if necessary. Rejected candidates are not fatal.
func (b *Bridge) HandleIceCandidate(c webrtc.ICECandidateInit) error {
	b.negMu.Lock()
	defer b.negMu.Unlock()
	if b.State() == BridgeStateClosed {
		return shared.ErrBridgeClosed
	}
	if b.pc.RemoteDescription() == nil {
		b.pendingCandidates = append(b.pendingCandidates, c)
		return nil
	}
	if err := b.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// InitializeUpstream wires the upstream callbacks and connects. It returns
// once the upstream has acknowledged the session configuration.
func (b *Bridge) InitializeUpstream(ctx context.Context) error {
	b.upstream.OnMessage(b.handleUpstreamMessage)
	b.upstream.OnError(func(err error) {
		b.logger.Error("upstream error", err)
	})
	b.upstream.OnClose(func(code int, reason string) {
		b.fail(fmt.Errorf("%w: code=%d reason=%s", shared.ErrUpstreamClosed, code, reason))
	})
	b.upstream.SetReadyHandler(b.notifyReady)
	if err := b.upstream.Connect(ctx); err != nil {
		b.metrics.UpstreamFailed()
		return fmt.Errorf("connecting upstream: %w", err)
	}
	return nil
}

func (b *Bridge) attachDataChannel(dc dataChannel, origin string) {
	logger := b.logger.With(zap.String("label", dc.Label()), zap.String("origin", origin))
	b.mu.Lock()
	if b.state == BridgeStateClosed {
		b.mu.Unlock()
		_ = dc.Close()
		return
	}
	if b.dc != nil && b.dc.ReadyState() != webrtc.DataChannelStateClosed {
		b.mu.Unlock()
		logger.Info("ignoring additional data channel")
		_ = dc.Close()
		return
	}
	b.dc = dc
	b.mu.Unlock()

	// Handlers are set before returning from OnDataChannel, so pion cannot
	// deliver a message to a channel that has none.
	dc.OnOpen(func() {
		logger.Info("data channel open")
		b.notifyReady()
	})
	dc.OnClose(func() {
		logger.Info("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		b.handlePeerMessage(msg)
	})
	logger.Debug("data channel attached")
}

// openChannel returns the data channel if it can carry messages right now.
func (b *Bridge) openChannel() dataChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BridgeStateClosed || b.dc == nil || b.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return b.dc
}

// notifyReady tells the peer the upstream is configured, once both the
// channel is open and the upstream is ready, whichever happens last.
func (b *Bridge) notifyReady() {
	if !b.upstream.Ready() {
		return
	}
	dc := b.openChannel()
	if dc == nil {
		return
	}
	b.mu.Lock()
	if b.readySent {
		b.mu.Unlock()
		return
	}
	b.readySent = true
	b.mu.Unlock()
	if err := dc.SendText(`{"type":"` + string(EventTypeUpstreamReady) + `"}`); err != nil {
		b.logger.Error("sending upstream ready notice", err)
		return
	}
	b.logger.Info("peer notified of upstream readiness")
}

// handlePeerMessage relays one data-channel message upstream, unchanged.
func (b *Bridge) handlePeerMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		b.logger.Warn("dropping binary data channel message", zap.Int("bytes", len(msg.Data)))
		b.metrics.Dropped(metrics.DirectionToUpstream, "binary")
		return
	}
	env, err := ParseEnvelope(msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed data channel message", zap.Error(err))
		b.metrics.Dropped(metrics.DirectionToUpstream, "malformed")
		return
	}
	if env.Type == ClientEventTypeInputAudioBufferAppend {
		p := new(InputAudioBufferAppendParam)
		if err := env.Decode(p); err == nil {
			b.stats.addInbound(p.Audio)
		}
	}
	if !b.upstream.Ready() {
		b.logger.Debug("upstream not ready, dropping peer message", zap.String("type", string(env.Type)))
		b.metrics.Dropped(metrics.DirectionToUpstream, "upstream_not_ready")
		return
	}
	b.upstream.SendMessage(env.Raw)
	b.metrics.Relayed(metrics.DirectionToUpstream)
}

// handleUpstreamMessage relays one upstream message to the peer, or drops it
// when the channel is not open. Tool calls are dispatched after relaying.
func (b *Bridge) handleUpstreamMessage(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		b.logger.Warn("dropping malformed upstream message", zap.Error(err))
		b.metrics.Dropped(metrics.DirectionToPeer, "malformed")
		return
	}
	if env.Type == ServerEventTypeResponseOutputAudioDelta {
		p := new(ResponseOutputAudioDeltaParam)
		if err := env.Decode(p); err == nil {
			b.stats.addOutbound(p.Delta)
		}
	}

	if dc := b.openChannel(); dc != nil {
		if err := dc.SendText(string(data)); err != nil {
			b.logger.Error("sending to data channel", err, zap.String("type", string(env.Type)))
			b.metrics.Dropped(metrics.DirectionToPeer, "send_failed")
		} else {
			b.metrics.Relayed(metrics.DirectionToPeer)
		}
	} else {
		b.logger.Trace("data channel not open, dropping upstream message", zap.String("type", string(env.Type)))
		b.metrics.Dropped(metrics.DirectionToPeer, "channel_not_open")
	}

	if env.Type == ServerEventTypeResponseFunctionCallArgumentsDone && b.dispatcher != nil {
		p := new(ResponseFunctionCallArgumentsDoneParam)
		if err := env.Decode(p); err != nil {
			b.logger.Warn("malformed function call", zap.Error(err))
			return
		}
		// errors are logged by the dispatcher; nothing is sent back for them
		_ = b.dispatcher.Dispatch(b.ctx, tools.FunctionCall{
			Name:      p.Name,
			CallID:    p.CallId,
			Arguments: p.Arguments,
		}, b.upstream.SendMessage)
	}
}

// Stats returns the latest snapshot with live connection states.
func (b *Bridge) Stats() WebRTCStats {
	return b.stats.snapshot()
}

// RefreshStats closes the current bitrate window and returns a new snapshot.
func (b *Bridge) RefreshStats() (WebRTCStats, error) {
	if b.State() == BridgeStateClosed {
		return WebRTCStats{}, shared.ErrBridgeClosed
	}
	return b.stats.refresh(), nil
}

// Close releases the data channel, the peer connection and the upstream, in
// that order. Each step runs even if an earlier one failed. Safe to call
// more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = BridgeStateClosed
		dc := b.dc
		b.mu.Unlock()
		b.cancel()
		close(b.done)

		if dc != nil {
			if err := dc.Close(); err != nil {
				b.logger.Debug("closing data channel", zap.Error(err))
			}
		}
		if b.pc != nil {
			if err := b.pc.Close(); err != nil {
				b.logger.Debug("closing peer connection", zap.Error(err))
			}
		}
		if b.upstream != nil {
			if err := b.upstream.Close(); err != nil {
				b.logger.Debug("closing upstream", zap.Error(err))
			}
		}
		b.metrics.BridgeClosed()
		b.logger.Info("bridge closed")
	})
	return nil
}

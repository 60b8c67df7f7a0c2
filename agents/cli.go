package agents

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	relay "github.com/bt-bridge/voice-relay"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type CLIOptions struct {
	// BaseURL is the relay's HTTP address, e.g. http://localhost:8000.
	BaseURL    string
	SampleRate int
	// InputFile holds mono little-endian float32 samples at SampleRate.
	InputFile string
	// OutputFile receives the assistant's audio as little-endian PCM16.
	OutputFile    string
	ICEServers    []string
	ChunkDuration time.Duration
}

type createSessionResponse struct {
	SessionID    string `json:"session_id"`
	SignalingURL string `json:"signaling_url"`
	SampleRate   int    `json:"sample_rate"`
}

// CLIAgent plays the browser's part against a relay: it negotiates the peer
// connection, streams a recorded file and saves the spoken reply.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	opts    CLIOptions

	sessionID  string
	sampleRate int

	ws   *websocket.Conn
	wsMu sync.Mutex
	pc   *webrtc.PeerConnection

	mu  sync.Mutex
	dc  *webrtc.DataChannel
	out *bufio.Writer
	f   *os.File

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	printer *shared.Printer,
	opts CLIOptions,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if opts.BaseURL == "" {
		return shared.ErrNoConfig
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = tools.DefaultChunkDuration
	}
	a.logger = logger
	a.printer = printer
	a.opts = opts
	a.ready = make(chan struct{})
	a.done = make(chan struct{})
	a.print("🤖 Spawning relay client...\n", 0)

	session, err := a.createSession(ctx)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	a.sessionID = session.SessionID
	a.sampleRate = session.SampleRate
	a.logger = a.logger.With(zap.String("session_id", a.sessionID))
	a.print(fmt.Sprintf("📋 Session %s at %d Hz\n", a.sessionID, a.sampleRate), 1)

	if opts.OutputFile != "" {
		if a.f, err = os.Create(opts.OutputFile); err != nil {
			a.logger.Error("creating output file", err)
			return err
		}
		a.out = bufio.NewWriter(a.f)
	}

	if err := a.setupPeer(); err != nil {
		a.logger.Error("creating peer connection", err)
		_ = a.Close()
		return err
	}

	signalingURL, err := a.resolveSignalingURL(session.SignalingURL)
	if err != nil {
		_ = a.Close()
		return err
	}
	a.print("🔌 Opening signaling...", 0)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signalingURL, nil)
	if err != nil {
		a.logger.Error("dialing signaling", err, zap.String("url", signalingURL))
		_ = a.Close()
		return err
	}
	a.ws = ws
	a.print("✅ Signaling connected.\n", 0)

	go a.readSignaling()
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.done:
		}
	}()
	go func() {
		select {
		case <-a.ready:
			a.stream(ctx)
		case <-a.done:
		}
	}()
	return nil
}

// Done is closed once the client has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) print(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) createSession(ctx context.Context) (createSessionResponse, error) {
	var out createSessionResponse
	body, err := sonic.Marshal(map[string]any{"sample_rate": a.opts.SampleRate})
	if err != nil {
		return out, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(a.opts.BaseURL, "/") + "/sessions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return out, ctx.Err()
	case err := <-errC:
		if err != nil {
			return out, err
		}
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return out, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return out, fmt.Errorf("decoding session: %w", err)
	}
	return out, nil
}

// resolveSignalingURL turns a relative signaling path into a websocket URL
// on the relay's host.
func (a *CLIAgent) resolveSignalingURL(signaling string) (string, error) {
	target, err := url.Parse(signaling)
	if err != nil {
		return "", fmt.Errorf("parsing signaling url: %w", err)
	}
	if target.IsAbs() {
		return target.String(), nil
	}
	base, err := url.Parse(a.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	resolved := base.ResolveReference(target)
	switch resolved.Scheme {
	case "https":
		resolved.Scheme = "wss"
	default:
		resolved.Scheme = "ws"
	}
	return resolved.String(), nil
}

func (a *CLIAgent) setupPeer() error {
	cfg := webrtc.Configuration{}
	if len(a.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: a.opts.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return err
	}
	a.pc = pc
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := a.sendSignal(relay.SignalMessage{Type: relay.SignalTypeICECandidate, Candidate: &init}); err != nil {
			a.logger.Warn("sending ICE candidate", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.logger.Info("peer connection state changed", zap.String("state", s.String()))
		if s == webrtc.PeerConnectionStateFailed {
			a.print("❌ Peer connection failed.", 0)
			_ = a.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		a.mu.Lock()
		a.dc = dc
		a.mu.Unlock()
		dc.OnOpen(func() {
			a.logger.Info("data channel open", zap.String("label", dc.Label()))
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			a.handleEvent(msg.Data)
		})
	})
	return nil
}

func (a *CLIAgent) sendSignal(msg relay.SignalMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	a.wsMu.Lock()
	defer a.wsMu.Unlock()
	if a.ws == nil {
		return errors.New("signaling not connected")
	}
	return a.ws.WriteMessage(websocket.TextMessage, data)
}

func (a *CLIAgent) readSignaling() {
	defer a.Close()
	for {
		_, data, err := a.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				a.print(fmt.Sprintf("🔌 Signaling closed (%d %s).", closeErr.Code, closeErr.Text), 0)
			} else {
				a.logger.Debug("signaling read ended", zap.Error(err))
			}
			return
		}
		var msg relay.SignalMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("malformed signaling message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case relay.SignalTypeOffer:
			if err := a.answer(msg.SDP); err != nil {
				a.logger.Error("answering offer", err)
				return
			}
		case relay.SignalTypeICECandidate:
			if msg.Candidate == nil {
				continue
			}
			if err := a.pc.AddICECandidate(*msg.Candidate); err != nil {
				a.logger.Warn("adding ICE candidate", zap.Error(err))
			}
		case relay.SignalTypeReady:
			a.print("🤝 Negotiation complete, waiting for the assistant...", 0)
		case relay.SignalTypeError:
			a.print("❌ Relay error: "+msg.Message, 0)
		default:
			a.logger.Warn("unknown signaling message", zap.String("type", string(msg.Type)))
		}
	}
}

func (a *CLIAgent) answer(offer string) error {
	if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return a.sendSignal(relay.SignalMessage{Type: relay.SignalTypeAnswer, SDP: answer.SDP})
}

func (a *CLIAgent) handleEvent(data []byte) {
	env, err := relay.ParseEnvelope(data)
	if err != nil {
		a.logger.Warn("malformed event", zap.Error(err))
		return
	}
	switch env.Type {
	case relay.EventTypeUpstreamReady:
		a.readyOnce.Do(func() {
			a.print("🎙️ Assistant ready.\n", 0)
			close(a.ready)
		})
	case relay.ServerEventTypeResponseOutputAudioDelta:
		p := new(relay.ResponseOutputAudioDeltaParam)
		if err := env.Decode(p); err != nil {
			a.logger.Warn("decoding audio delta", zap.Error(err))
			return
		}
		if err := a.writeAudio(p.Delta); err != nil {
			a.logger.Error("writing audio", err)
		}
	case relay.ServerEventTypeInputAudioBufferSpeechStarted:
		a.print("🗣️ Speech started", 1)
	case relay.ServerEventTypeInputAudioBufferSpeechStopped:
		a.print("🤫 Speech stopped", 1)
	case relay.ServerEventTypeResponseFunctionCallArgumentsDone:
		p := new(relay.ResponseFunctionCallArgumentsDoneParam)
		if err := env.Decode(p); err == nil {
			a.print(fmt.Sprintf("🛠️ %s(%s)", p.Name, p.Arguments), 1)
		}
	case relay.ServerEventTypeResponseDone:
		a.print("✅ Response done\n", 1)
	case relay.ServerEventTypeError:
		p := new(relay.ErrorParam)
		if err := env.Decode(p); err == nil {
			a.print("❌ "+p.Message, 1)
		}
	default:
		a.logger.Trace("event", zap.String("type", string(env.Type)))
	}
}

func (a *CLIAgent) writeAudio(delta string) error {
	samples, err := tools.DecodePCM16(delta)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	return binary.Write(a.out, binary.LittleEndian, samples)
}

func (a *CLIAgent) send(event map[string]any) error {
	a.mu.Lock()
	dc := a.dc
	a.mu.Unlock()
	if dc == nil {
		return shared.ErrDataChannelNotOpen
	}
	data, err := sonic.MarshalString(event)
	if err != nil {
		return err
	}
	return dc.SendText(data)
}

// stream sends the input file in real time as audio-append events and
// commits the buffer at the end.
func (a *CLIAgent) stream(ctx context.Context) {
	if a.opts.InputFile == "" {
		return
	}
	f, err := os.Open(a.opts.InputFile)
	if err != nil {
		a.logger.Error("opening input file", err)
		return
	}
	defer f.Close()
	chunker, err := tools.NewChunker(a.sampleRate, a.opts.ChunkDuration)
	if err != nil {
		a.logger.Error("creating chunker", err)
		return
	}
	a.print("📤 Streaming "+a.opts.InputFile, 0)

	ticker := time.NewTicker(a.opts.ChunkDuration)
	defer ticker.Stop()
	sendChunk := func(chunk []float32) bool {
		event := relay.NewEvent(relay.ClientEventTypeInputAudioBufferAppend,
			&relay.InputAudioBufferAppendParam{Audio: tools.EncodePCM16(chunk)})
		if err := a.send(event); err != nil {
			a.logger.Error("sending audio chunk", err)
			return false
		}
		select {
		case <-ticker.C:
			return true
		case <-ctx.Done():
			return false
		case <-a.done:
			return false
		}
	}

	r := bufio.NewReader(f)
	block := make([]byte, 4*1024)
	for {
		n, err := io.ReadFull(r, block)
		samples := make([]float32, n/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(block[i*4:]))
		}
		for _, chunk := range chunker.Write(samples) {
			if !sendChunk(chunk) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				a.logger.Error("reading input file", err)
			}
			break
		}
	}
	if rest := chunker.Flush(); len(rest) > 0 && !sendChunk(rest) {
		return
	}
	if err := a.send(map[string]any{"type": string(relay.ClientEventTypeInputAudioBufferCommit)}); err != nil {
		a.logger.Error("committing audio", err)
		return
	}
	a.print("📨 Input committed.", 0)
}

// Close releases the data channel, peer connection and signaling socket and
// flushes the output file. Safe to call more than once.
func (a *CLIAgent) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		dc := a.dc
		a.mu.Unlock()
		if dc != nil {
			if err := dc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.pc != nil {
			if err := a.pc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.wsMu.Lock()
		if a.ws != nil {
			_ = a.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			if err := a.ws.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.wsMu.Unlock()
		a.mu.Lock()
		if a.out != nil {
			if err := a.out.Flush(); err != nil {
				errs = append(errs, err)
			}
			if err := a.f.Close(); err != nil {
				errs = append(errs, err)
			}
			a.out = nil
		}
		a.mu.Unlock()
		close(a.done)
	})
	return errors.Join(errs...)
}

package relay

import (
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/tools"
	"github.com/pion/webrtc/v4"
)

// WebRTCStats is the per-bridge snapshot pushed into the session. Bitrates are
// in bits per second over the interval since the previous snapshot.
type WebRTCStats struct {
	InboundBitrate     float64   `json:"inbound_bitrate"`
	OutboundBitrate    float64   `json:"outbound_bitrate"`
	Jitter             float64   `json:"jitter"`
	PacketLoss         float64   `json:"packet_loss"`
	ConnectionState    string    `json:"connection_state"`
	ICEConnectionState string    `json:"ice_connection_state"`
	LastUpdated        time.Time `json:"last_updated"`
}

// statsTracker accumulates audio byte counts between snapshots.
type statsTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	inBytes  int
	outBytes int
	since    time.Time
	conn     webrtc.PeerConnectionState
	ice      webrtc.ICEConnectionState
	last     WebRTCStats
}

func newStatsTracker(now func() time.Time) *statsTracker {
	t := now()
	return &statsTracker{
		now:   now,
		since: t,
		conn:  webrtc.PeerConnectionStateNew,
		ice:   webrtc.ICEConnectionStateNew,
		last: WebRTCStats{
			ConnectionState:    webrtc.PeerConnectionStateNew.String(),
			ICEConnectionState: webrtc.ICEConnectionStateNew.String(),
			LastUpdated:        t,
		},
	}
}

func (t *statsTracker) addInbound(b64Audio string) {
	n := tools.PCM16Bytes(b64Audio)
	t.mu.Lock()
	t.inBytes += n
	t.mu.Unlock()
}

func (t *statsTracker) addOutbound(b64Audio string) {
	n := tools.PCM16Bytes(b64Audio)
	t.mu.Lock()
	t.outBytes += n
	t.mu.Unlock()
}

func (t *statsTracker) setConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	t.conn = s
	t.mu.Unlock()
}

func (t *statsTracker) setICEConnectionState(s webrtc.ICEConnectionState) {
	t.mu.Lock()
	t.ice = s
	t.mu.Unlock()
}

// refresh closes the current interval and returns the new snapshot. The
// timestamp never moves backwards even if the clock does.
func (t *statsTracker) refresh() WebRTCStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Before(t.last.LastUpdated) {
		now = t.last.LastUpdated
	}
	elapsed := now.Sub(t.since).Seconds()
	snap := WebRTCStats{
		ConnectionState:    t.conn.String(),
		ICEConnectionState: t.ice.String(),
		LastUpdated:        now,
	}
	if elapsed > 0 {
		snap.InboundBitrate = float64(t.inBytes*8) / elapsed
		snap.OutboundBitrate = float64(t.outBytes*8) / elapsed
		t.inBytes, t.outBytes = 0, 0
		t.since = now
	}
	t.last = snap
	return snap
}

// snapshot returns the last refreshed bitrates with the live states.
func (t *statsTracker) snapshot() WebRTCStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.last
	snap.ConnectionState = t.conn.String()
	snap.ICEConnectionState = t.ice.String()
	return snap
}

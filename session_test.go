package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSampleRate(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{8000, 8000},
		{16000, 16000},
		{21050, 21050},
		{24000, 24000},
		{48000, 48000},
		{22000, 21050},
		{12000, 8000},
		{0, 8000},
		{-5, 8000},
		{96000, 48000},
		{44000, 44100},
		{28000, 24000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSampleRate(tt.requested))
		})
	}
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
	return r
}

func TestRegistryListKeepsCreationOrder(t *testing.T) {
	r := newTestRegistry()
	for range 3 {
		r.Create(24000)
	}
	require.True(t, r.Delete("s2"))
	r.Create(16000)

	var ids []string
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s1", "s3", "s4"}, ids)
	assert.Equal(t, 3, r.Len())
	assert.False(t, r.Delete("s2"))
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	a := r.Create(22000)
	b := r.Create(22000)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, StatusCreated, a.Status)
	assert.Equal(t, 21050, a.SampleRate)
	assert.Nil(t, a.WebRTCStats)
}

func TestRegistryStatusTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []Status
		ok    bool
	}{
		{"created to active", []Status{StatusActive}, true},
		{"created to closed", []Status{StatusClosed}, true},
		{"active to closed", []Status{StatusActive, StatusClosed}, true},
		{"reconnect", []Status{StatusActive, StatusClosed, StatusActive}, true},
		{"same status", []Status{StatusActive, StatusActive}, true},
		{"closed to created", []Status{StatusClosed, StatusCreated}, false},
		{"active to created", []Status{StatusActive, StatusCreated}, false},
		{"unknown status", []Status{"paused"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			s := r.Create(24000)
			var err error
			for _, st := range tt.steps {
				if err = r.UpdateStatus(s.ID, st); err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
				got, _ := r.Get(s.ID)
				assert.Equal(t, tt.steps[len(tt.steps)-1], got.Status)
			} else {
				assert.ErrorIs(t, err, shared.ErrInvalidStatus)
			}
		})
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	r := newTestRegistry()

	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.ErrorIs(t, r.UpdateStatus("nope", StatusActive), shared.ErrSessionNotFound)
	assert.ErrorIs(t, r.UpdateStats("nope", WebRTCStats{}), shared.ErrSessionNotFound)
}

func TestRegistryRejectsStaleStats(t *testing.T) {
	r := newTestRegistry()
	s := r.Create(24000)
	now := time.Now()

	require.NoError(t, r.UpdateStats(s.ID, WebRTCStats{InboundBitrate: 10, LastUpdated: now}))
	err := r.UpdateStats(s.ID, WebRTCStats{InboundBitrate: 5, LastUpdated: now.Add(-time.Second)})
	assert.ErrorIs(t, err, shared.ErrStaleStats)

	got, _ := r.Get(s.ID)
	require.NotNil(t, got.WebRTCStats)
	assert.Equal(t, float64(10), got.WebRTCStats.InboundBitrate)

	// returned sessions are copies
	got.WebRTCStats.InboundBitrate = 99
	again, _ := r.Get(s.ID)
	assert.Equal(t, float64(10), again.WebRTCStats.InboundBitrate)
}

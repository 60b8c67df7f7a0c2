package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := New("relay")

	c.SessionCreated()
	c.SessionCreated()
	c.Relayed(DirectionToUpstream)
	c.Relayed(DirectionToPeer)
	c.Relayed(DirectionToPeer)
	c.Dropped(DirectionToPeer, "channel_closed")
	c.ToolCall("generate_random_number", "ok")
	c.BridgeOpened()
	c.BridgeOpened()
	c.BridgeClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayedMessages.WithLabelValues(DirectionToUpstream)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.relayedMessages.WithLabelValues(DirectionToPeer)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedMessages.WithLabelValues(DirectionToPeer, "channel_closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("generate_random_number", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bridgesActive))
}

func TestHTTPRequestObserved(t *testing.T) {
	c := New("relay")
	c.HTTPRequest("GET", "/sessions/{id}", 404, 3*time.Millisecond)
	c.HTTPRequest("GET", "/sessions/{id}", 200, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.httpDuration))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionCreated()
		c.SessionActivated()
		c.SessionDeactivated()
		c.BridgeOpened()
		c.BridgeClosed()
		c.Relayed(DirectionToPeer)
		c.Dropped(DirectionToPeer, "x")
		c.UpstreamFailed()
		c.ToolCall("t", "ok")
		c.HTTPRequest("GET", "/health", 200, time.Millisecond)
		_, err := c.Gatherer().Gather()
		assert.NoError(t, err)
	})
}

func TestSeparateCollectorsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New("relay")
		New("relay")
	})
}

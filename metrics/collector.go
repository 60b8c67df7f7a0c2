// Package metrics exposes relay counters on a private prometheus registry.
// All Collector methods accept a nil receiver so callers never need to check.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay directions
const (
	DirectionToUpstream = "to_upstream"
	DirectionToPeer     = "to_peer"
)

type Collector struct {
	registry *prometheus.Registry

	sessionsCreated  prometheus.Counter
	sessionsActive   prometheus.Gauge
	bridgesActive    prometheus.Gauge
	relayedMessages  *prometheus.CounterVec
	droppedMessages  *prometheus.CounterVec
	upstreamFailures prometheus.Counter
	toolCalls        *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created through the session API",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions with a live signaling connection",
		}),
		bridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges_active",
			Help:      "Live peer bridges",
		}),
		relayedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Messages relayed between peer and upstream",
		}, []string{"direction"}),
		droppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped by the relay",
		}, []string{"direction", "reason"}),
		upstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Failed upstream connection attempts",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Function calls dispatched, by tool and outcome",
		}, []string{"tool", "outcome"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Gatherer is what the /metrics handler serves.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
}

func (c *Collector) SessionActivated() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionDeactivated() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) BridgeOpened() {
	if c == nil {
		return
	}
	c.bridgesActive.Inc()
}

func (c *Collector) BridgeClosed() {
	if c == nil {
		return
	}
	c.bridgesActive.Dec()
}

func (c *Collector) Relayed(direction string) {
	if c == nil {
		return
	}
	c.relayedMessages.WithLabelValues(direction).Inc()
}

func (c *Collector) Dropped(direction, reason string) {
	if c == nil {
		return
	}
	c.droppedMessages.WithLabelValues(direction, reason).Inc()
}

func (c *Collector) UpstreamFailed() {
	if c == nil {
		return
	}
	c.upstreamFailures.Inc()
}

func (c *Collector) ToolCall(tool, outcome string) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// HTTPRequest records one served request. route is the registered pattern,
// not the concrete path.
func (c *Collector) HTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

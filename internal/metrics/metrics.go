// Package metrics holds the Prometheus collectors of the room client and the
// relay server. Collectors are registered on an explicit registerer so that
// several clients (and tests) can live in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Client collects connection and reconciliation metrics of one room client.
type Client struct {
	ConnState            prometheus.Gauge
	Reconnects           prometheus.Counter
	ConnectErrors        prometheus.Counter
	EventsReceived       *prometheus.CounterVec
	EventsQueued         prometheus.Counter
	OutboxDropped        prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	StaleDiscarded       *prometheus.CounterVec
}

// NewClient builds client collectors and registers them on reg when reg is not nil.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_client_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_client_reconnects_total",
			Help: "Number of successful reconnects after a lost connection.",
		}),
		ConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_client_connect_errors_total",
			Help: "Number of failed dial attempts.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_client_events_received_total",
			Help: "Inbound events by type.",
		}, []string{"type"}),
		EventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_client_events_queued_total",
			Help: "Outbound events deferred while disconnected.",
		}),
		OutboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_client_outbox_dropped_total",
			Help: "Deferred events dropped because the outbox was full.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_client_duplicate_messages_total",
			Help: "Inbound messages ignored because their id was already present.",
		}),
		StaleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_client_stale_discarded_total",
			Help: "Inbound data discarded because it belonged to another room.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ConnState, c.Reconnects, c.ConnectErrors, c.EventsReceived,
			c.EventsQueued, c.OutboxDropped, c.DuplicatesSuppressed, c.StaleDiscarded,
		)
	}
	return c
}

// Relay collects metrics of the signal relay server.
type Relay struct {
	ActiveConnections prometheus.Gauge
	Events            *prometheus.CounterVec
	Kicked            prometheus.Counter
	RateLimited       prometheus.Counter
}

func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_relay_ws_active_connections",
			Help: "Number of active signal websocket connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_relay_events_total",
			Help: "Signal events handled by type.",
		}, []string{"type"}),
		Kicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_relay_kicked_total",
			Help: "Members kicked by the backpressure policy.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_relay_rate_limited_total",
			Help: "Messages rejected by the send rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.ActiveConnections, r.Events, r.Kicked, r.RateLimited)
	}
	return r
}

// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections, counters for events, chats, messages and
// fan-out, and a histogram for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of authenticated WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections",
		Help: "Current number of authenticated WebSocket connections",
	})

	// AuthFailures counts rejected handshakes, labeled by failure type:
	// "token_expired", "invalid_token", "unauthorized", "authentication_error".
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of rejected connection authentications",
	}, []string{"type"})

	// Events counts handled client events by event name and result ("ok",
	// "invalid", or the error kind).
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total number of client events handled",
	}, []string{"event", "result"})

	// EventLatency records event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// ChatsCreated counts created chats by type.
	ChatsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_chats_created_total",
		Help: "Total number of chats created",
	}, []string{"type"})

	// MessagesAppended counts stored messages.
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Total number of messages appended to the log",
	})

	// Deliveries counts frames delivered to connections by fan-out kind:
	// "room" or "direct".
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Total number of frames delivered by fan-out",
	}, []string{"kind"})

	// RateLimited counts throttled requests by event.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		AuthFailures,
		Events,
		EventLatency,
		ChatsCreated,
		MessagesAppended,
		Deliveries,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus instrumentation for the chat hub:
// connection and presence gauges, event counters by outcome, and fan-out
// size tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a registered connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current number of users registered as online",
	})

	// EventsTotal counts routed inbound events, labeled by event name and
	// disposition ("delivered", "dropped_malformed", "dropped_not_found",
	// "dropped_rate_limited", "persist_failed", "degraded").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_total",
		Help: "Inbound events routed, by event name and disposition",
	}, []string{"event", "result"})

	// MessagesTotal counts persisted messages by ingress path ("socket", "rest").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Messages persisted, by ingress path",
	}, []string{"path"})

	// FanoutRecipients records how many connections each room fan-out reached.
	FanoutRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_fanout_recipients",
		Help:    "Recipients per room fan-out",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// ActiveRooms tracks the number of rooms with at least one subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Rooms with at least one subscribed connection",
	})

	// TypingActive tracks the number of live typing indicators.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_typing_active",
		Help: "Currently active typing indicators",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		MessagesTotal,
		FanoutRecipients,
		ActiveRooms,
		TypingActive,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

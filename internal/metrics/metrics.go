// Package metrics exposes the process's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campushub_messages_sent_total",
		Help: "Messages accepted and persisted.",
	})

	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campushub_events_broadcast_total",
		Help: "Realtime events delivered to session send buffers.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campushub_events_dropped_total",
		Help: "Realtime events dropped because a session buffer was full.",
	})

	ReactionsToggled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campushub_reactions_toggled_total",
		Help: "Reaction toggle operations applied.",
	})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campushub_open_sessions",
		Help: "Currently connected websocket sessions.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campushub_online_users",
		Help: "Users with at least one connected session.",
	})
)

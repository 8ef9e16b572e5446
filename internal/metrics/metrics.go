// Package metrics exposes the hub's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opschat_connections_open",
		Help: "Live websocket connections.",
	})

	IdentitiesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opschat_identities_online",
		Help: "Identities with at least one live connection.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opschat_messages_delivered_total",
		Help: "Messages fanned out to channel subscribers.",
	})

	AcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opschat_message_acks_total",
		Help: "Acks returned to message origins.",
	})

	NacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opschat_message_nacks_total",
		Help: "Nacks returned to message origins, by reason.",
	}, []string{"reason"})

	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opschat_slow_clients_dropped_total",
		Help: "Connections dropped because their send queue was full.",
	})

	TypingBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opschat_typing_broadcasts_total",
		Help: "Typing state transitions fanned out.",
	})

	ReadBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opschat_read_broadcasts_total",
		Help: "Read markers fanned out after coalescing.",
	})
)

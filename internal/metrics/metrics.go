// Package metrics defines the Prometheus collectors exported by dmchat.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dmchat"

// Metrics holds the collectors for presence, routing and persistence.
type Metrics struct {
	OnlineUsers     prometheus.Gauge
	Connections     prometheus.Gauge
	EventsRouted    *prometheus.CounterVec
	FanoutFailures  *prometheus.CounterVec
	InboundRejected *prometheus.CounterVec
	StorageErrors   prometheus.Counter
	PersistDuration prometheus.Histogram
	PresenceChanges prometheus.Counter
}

// New registers all collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of users with at least one bound connection",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open transport connections",
		}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Outbound events delivered to connections, by event name",
		}, []string{"event"}),
		FanoutFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failures_total",
			Help:      "Outbound events that could not be handed to a connection",
		}, []string{"event"}),
		InboundRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_total",
			Help:      "Inbound events rejected by the lifecycle handler, by reason",
		}, []string{"reason"}),
		StorageErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Message writes that failed",
		}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time spent durably storing a message",
			Buckets:   prometheus.DefBuckets,
		}),
		PresenceChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Online/offline transitions that triggered a presence broadcast",
		}),
	}
}

// ObservePresence updates the presence gauges from a registry snapshot.
func (m *Metrics) ObservePresence(users, connections int) {
	m.OnlineUsers.Set(float64(users))
	m.Connections.Set(float64(connections))
}

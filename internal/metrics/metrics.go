// Package metrics defines the Prometheus instrumentation exported by the
// YDL broker's admin HTTP surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Broker holds every metric the broker updates. Construct one with New and
// register it with a prometheus.Registerer before serving /metrics.
type Broker struct {
	ConnectionsActive     prometheus.Gauge
	ChannelsActive        prometheus.Gauge
	MessagesPublishedOK   prometheus.Counter
	MessagesPublishedNoop prometheus.Counter
	FanoutTotal           prometheus.Counter
	SubscribersDropped    prometheus.Counter
	HandshakeFailures     prometheus.Counter
}

// New creates broker metrics under the "ydl_broker" namespace.
func New() *Broker {
	const ns = "ydl_broker"
	return &Broker{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Number of currently active client connections.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "channels_active",
			Help:      "Number of channels with at least one known subscriber.",
		}),
		MessagesPublishedOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_published_total",
			Help:      "Publishes processed, by outcome: delivered to at least one subscriber, or discarded for lack of subscribers.",
			ConstLabels: prometheus.Labels{
				"outcome": "delivered",
			},
		}),
		MessagesPublishedNoop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_published_total",
			Help:      "Publishes processed, by outcome: delivered to at least one subscriber, or discarded for lack of subscribers.",
			ConstLabels: prometheus.Labels{
				"outcome": "no_subscribers",
			},
		}),
		FanoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fanout_total",
			Help:      "Total number of subscriber writes performed across all publishes.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind their outbound queue.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handshake_failures_total",
			Help:      "Connections dropped for a missing or malformed subscription frame.",
		}),
	}
}

// MustRegister registers every metric with reg, panicking on a duplicate
// registration (a programmer error, not a runtime condition).
func (b *Broker) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		b.ConnectionsActive,
		b.ChannelsActive,
		b.MessagesPublishedOK,
		b.MessagesPublishedNoop,
		b.FanoutTotal,
		b.SubscribersDropped,
		b.HandshakeFailures,
	)
}

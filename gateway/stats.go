package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats tracks the WebSocket gateway's connection and pub/sub counters,
// served in Prometheus exposition format from the gateway's /metrics path.
type Stats struct {
	registry *prometheus.Registry

	ConnectionsHandled prometheus.Counter
	ConnectionsOpen    prometheus.Gauge
	PubSubConnections  prometheus.Gauge
	PubSubEvents       prometheus.Counter
}

// NewStats registers the gateway counters on a fresh registry, so multiple
// gateways in one process do not collide.
func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		ConnectionsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluecollar_websocket_connections_handled_total",
			Help: "WebSocket connections accepted and since closed.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bluecollar_websocket_connections_open",
			Help: "WebSocket connections currently open.",
		}),
		PubSubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bluecollar_websocket_pubsub_connections",
			Help: "Clients with live pub/sub subscriptions.",
		}),
		PubSubEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluecollar_websocket_pubsub_events_total",
			Help: "Pub/sub events forwarded to clients.",
		}),
	}
	s.registry.MustRegister(
		s.ConnectionsHandled,
		s.ConnectionsOpen,
		s.PubSubConnections,
		s.PubSubEvents,
	)
	return s
}

// Handler serves the counters.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

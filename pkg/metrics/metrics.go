// Package metrics exposes the node's Prometheus collectors behind a single
// registry so the admin endpoint serves exactly what this process recorded.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaygate"

// Metrics bundles every collector the node updates. Fields are exported so
// components update them directly; nil-safe wrappers are deliberately
// absent, a component without metrics takes a no-op *Metrics from Noop.
type Metrics struct {
	registry *prometheus.Registry

	// PacketsTotal counts handled ILP packets by outcome. result is
	// "fulfill" or "reject"; code is the ILP code on rejects, "" on
	// fulfills.
	PacketsTotal *prometheus.CounterVec

	// HandleSeconds observes the full handle-packet latency.
	HandleSeconds prometheus.Histogram

	// EventsStored counts events accepted into the store.
	EventsStored prometheus.Counter

	// Handshakes counts SPSP handshakes by result ("ok" or "error").
	Handshakes *prometheus.CounterVec

	// RelayConnections tracks open websocket connections.
	RelayConnections prometheus.Gauge

	// RelaySubscriptions tracks live REQ subscriptions across all
	// connections.
	RelaySubscriptions prometheus.Gauge

	// PeerStates tracks bootstrap peers by lifecycle phase.
	PeerStates *prometheus.GaugeVec
}

// New builds a Metrics set on a fresh registry that also carries the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return build(registry)
}

// Noop builds a Metrics set on a private registry that nothing serves.
// Tests and examples use it to satisfy dependencies.
func Noop() *Metrics {
	return build(prometheus.NewRegistry())
}

func build(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		PacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Handled ILP packets by outcome.",
		}, []string{"result", "code"}),
		HandleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "packet_handle_seconds",
			Help:      "Latency of handle-packet calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stored_total",
			Help:      "Events accepted into the store.",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "SPSP handshakes by result.",
		}, []string{"result"}),
		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay websocket connections.",
		}),
		RelaySubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_subscriptions",
			Help:      "Live relay subscriptions.",
		}),
		PeerStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_states",
			Help:      "Bootstrap peers by lifecycle phase.",
		}, []string{"phase"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus collectors of a room.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "room"

// Connect results.
const (
	ResultOK             = "ok"
	ResultMissingOptions = "missing_options"
	ResultUnknownTarget  = "unknown_target"
)

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Endpoints     prometheus.Gauge
	Tombstones    prometheus.Gauge
	Subscribers   prometheus.Gauge
	Announces     prometheus.Counter
	Leaves        prometheus.Counter
	Removals      *prometheus.CounterVec
	Connects      *prometheus.CounterVec
	DroppedItems  prometheus.Counter
	ActiveTunnels prometheus.Gauge
	Peers         prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// With a nil Registerer the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Endpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Number of announced endpoints.",
		}),
		Tombstones: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tombstones",
			Help:      "Number of directory entries marked as removed.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_subscribers",
			Help:      "Number of active endpoint subscriptions.",
		}),
		Announces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announces_total",
			Help:      "Number of endpoint announcements.",
		}),
		Leaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Number of explicit leave calls.",
		}),
		Removals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Number of endpoints removed by liveness events.",
		}, []string{"kind"}),
		Connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Number of tunnel requests by result.",
		}, []string{"result"}),
		DroppedItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_total",
			Help:      "Number of endpoint notifications dropped for slow subscribers.",
		}),
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of tunnels currently being relayed.",
		}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers with an open control connection.",
		}),
	}
}

func (m *Metrics) SetDirectory(endpoints, tombstones int) {
	if m == nil {
		return
	}
	m.Endpoints.Set(float64(endpoints))
	m.Tombstones.Set(float64(tombstones))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) Announced() {
	if m == nil {
		return
	}
	m.Announces.Inc()
}

func (m *Metrics) Left() {
	if m == nil {
		return
	}
	m.Leaves.Inc()
}

func (m *Metrics) Removed(kind string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(kind).Inc()
}

func (m *Metrics) Connected(result string) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(result).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DroppedItems.Inc()
}

func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.ActiveTunnels.Inc()
}

func (m *Metrics) TunnelClosed() {
	if m == nil {
		return
	}
	m.ActiveTunnels.Dec()
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

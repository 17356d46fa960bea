// Package metrics holds the prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teamsync"

type Metrics struct {
	commands         *prometheus.CounterVec
	deltas           prometheus.Counter
	connections      prometheus.Gauge
	teams            prometheus.Gauge
	persistFailures  prometheus.Counter
	leaseExpirations prometheus.Counter
	replays          *prometheus.CounterVec
	dropped          prometheus.Counter
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: command, result (accepted, noop, or an error kind)
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed per team serialization point",
		}, []string{"command", "result"}),
		deltas: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "State deltas committed and broadcast",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections currently registered with a team",
		}),
		teams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "teams",
			Help:      "Team actors currently running",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Durable writes that failed after retries",
		}),
		leaseExpirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expirations_total",
			Help:      "Activity leases released by expiry",
		}),
		// Labels: kind (none, deltas, snapshot)
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Catch-up strategy chosen on join",
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_connections_total",
			Help:      "Connections dropped for falling behind",
		}),
	}
}

func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) Delta() {
	if m == nil {
		return
	}
	m.deltas.Inc()
}

func (m *Metrics) ConnectionAdded() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionRemoved() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) TeamStarted() {
	if m == nil {
		return
	}
	m.teams.Inc()
}

func (m *Metrics) TeamStopped() {
	if m == nil {
		return
	}
	m.teams.Dec()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) LeasesExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leaseExpirations.Add(float64(n))
}

func (m *Metrics) Replay(kind string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

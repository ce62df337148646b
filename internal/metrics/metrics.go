// Package metrics implements the data-plane metrics sink on top of
// Prometheus, with an atomic snapshot kept alongside for the JSON stats
// endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Snapshot is a point-in-time copy of the counters, shaped for JSON.
type Snapshot struct {
	ActiveConnections int64 `json:"activeConnections"`
	TotalConnections  int64 `json:"totalConnections"`
	ConnectionErrors  int64 `json:"connectionErrors"`
	TransferErrors    int64 `json:"transferErrors"`
	BytesTransferred  int64 `json:"bytesTransferred"`
	ForwardingRules   int64 `json:"forwardingRules"`
}

// Metrics satisfies relay.MetricsSink. Every counter is mirrored into a
// Prometheus collector and an atomic for cheap snapshots.
type Metrics struct {
	registry *prometheus.Registry

	activeGauge prometheus.Gauge
	totalCtr    prometheus.Counter
	connErrCtr  prometheus.Counter
	xferErrCtr  prometheus.Counter
	bytesCtr    prometheus.Counter
	rulesGauge  prometheus.Gauge

	active  atomic.Int64
	total   atomic.Int64
	connErr atomic.Int64
	xferErr atomic.Int64
	bytes   atomic.Int64
	rules   atomic.Int64
}

// New creates a Metrics with its own registry, including the standard Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portrelay_active_connections",
			Help: "Currently relayed connections and sessions.",
		}),
		totalCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portrelay_connections_total",
			Help: "Connections and sessions accepted since start.",
		}),
		connErrCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portrelay_connection_errors_total",
			Help: "Rejected or failed connection attempts.",
		}),
		xferErrCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portrelay_transfer_errors_total",
			Help: "Forwarding failures, including dropped buffer chunks.",
		}),
		bytesCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portrelay_bytes_transferred_total",
			Help: "Payload bytes relayed in either direction.",
		}),
		rulesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portrelay_forwarding_rules",
			Help: "Rules currently activated in the engine.",
		}),
	}
	m.registry.MustRegister(
		m.activeGauge, m.totalCtr, m.connErrCtr, m.xferErrCtr, m.bytesCtr,
		m.rulesGauge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncActiveConnections() {
	m.active.Add(1)
	m.activeGauge.Inc()
}

func (m *Metrics) DecActiveConnections() {
	m.active.Add(-1)
	m.activeGauge.Dec()
}

func (m *Metrics) IncTotalConnections() {
	m.total.Add(1)
	m.totalCtr.Inc()
}

func (m *Metrics) IncConnectionErrors() {
	m.connErr.Add(1)
	m.connErrCtr.Inc()
}

func (m *Metrics) IncTransferErrors() {
	m.xferErr.Add(1)
	m.xferErrCtr.Inc()
}

func (m *Metrics) AddBytesTransferred(n int64) {
	if n <= 0 {
		return
	}
	m.bytes.Add(n)
	m.bytesCtr.Add(float64(n))
}

func (m *Metrics) IncForwardingRules() {
	m.rules.Add(1)
	m.rulesGauge.Inc()
}

func (m *Metrics) DecForwardingRules() {
	m.rules.Add(-1)
	m.rulesGauge.Dec()
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: m.active.Load(),
		TotalConnections:  m.total.Load(),
		ConnectionErrors:  m.connErr.Load(),
		TransferErrors:    m.xferErr.Load(),
		BytesTransferred:  m.bytes.Load(),
		ForwardingRules:   m.rules.Load(),
	}
}

// Package metrics holds the Prometheus collectors for the ingestion path.
// Everything registers on the default registry; the API server exposes it
// under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetpulse"

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Device connections currently open.",
	})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Connections accepted, by detected protocol.",
	}, []string{"protocol"})

	RejectedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_connections_total",
		Help:      "Connections closed at accept because the cap was reached.",
	})

	UnknownProtocolConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_protocol_connections_total",
		Help:      "Connections dropped because the first frame matched no protocol.",
	})

	RejectedLogins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_logins_total",
		Help:      "Login attempts from devices with no provisioned registration.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Data buffers processed after identification, by protocol.",
	}, []string{"protocol"})

	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Telemetry records persisted, by protocol.",
	}, []string{"protocol"})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Buffers no record could be decoded from, by protocol.",
	}, []string{"protocol"})

	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_errors_total",
		Help:      "Store writes that failed and therefore sent no ACK, by protocol.",
	}, []string{"protocol"})

	AcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acks_total",
		Help:      "Acknowledgements written back to devices, by protocol.",
	}, []string{"protocol"})
)

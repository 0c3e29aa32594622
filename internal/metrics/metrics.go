// Package metrics provides Prometheus metrics for udpsplit.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpsplit"
)

// Direction labels.
const (
	DirectionToRemote = "to_remote"
	DirectionToLocal  = "to_local"
)

// Drop reason labels.
const (
	DropRemoteNotReady = "remote_not_ready"
	DropLocalNotReady  = "local_not_ready"
	DropSendError      = "send_error"
)

// DNS lookup result labels.
const (
	LookupSuccess = "success"
	LookupEmpty   = "empty"
	LookupError   = "error"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Forwarder metrics
	PacketsReceived  prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsForwarded *prometheus.CounterVec
	BytesForwarded   *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	LocalPeerChanges prometheus.Counter

	// Resolver metrics
	DNSLookups       *prometheus.CounterVec
	DNSLatency       prometheus.Histogram
	RemoteChanges    prometheus.Counter
	RemoteResolved   prometheus.Gauge
	LastResolveEpoch prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total datagrams read from the relay socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the relay socket",
		}),
		PacketsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Total datagrams forwarded by direction",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded by direction",
		}, []string{"direction"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		LocalPeerChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_peer_changes_total",
			Help:      "Times the tracked loopback peer address changed",
		}),

		DNSLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_lookups_total",
			Help:      "Total remote host lookups by result",
		}, []string{"result"}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_lookup_latency_seconds",
			Help:      "Histogram of remote host lookup latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		RemoteChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_changes_total",
			Help:      "Times the resolved remote address changed",
		}),
		RemoteResolved: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_resolved",
			Help:      "1 once the remote host has been resolved at least once",
		}),
		LastResolveEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_resolve_timestamp_seconds",
			Help:      "Unix time of the last successful lookup",
		}),
	}
}

// RecordReceived records a datagram read from the socket.
func (m *Metrics) RecordReceived(bytes int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordForwarded records a datagram sent in the given direction.
func (m *Metrics) RecordForwarded(direction string, bytes int) {
	m.PacketsForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDropped records a dropped datagram.
func (m *Metrics) RecordDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordLocalPeerChange records a new loopback peer.
func (m *Metrics) RecordLocalPeerChange() {
	m.LocalPeerChanges.Inc()
}

// RecordLookup records a lookup attempt with its result label and latency.
func (m *Metrics) RecordLookup(result string, latencySeconds float64) {
	m.DNSLookups.WithLabelValues(result).Inc()
	m.DNSLatency.Observe(latencySeconds)
}

// RecordRemoteResolved records a successful lookup at unix time now.
// changed is true when the published address was replaced.
func (m *Metrics) RecordRemoteResolved(changed bool, now float64) {
	if changed {
		m.RemoteChanges.Inc()
	}
	m.RemoteResolved.Set(1)
	m.LastResolveEpoch.Set(now)
}

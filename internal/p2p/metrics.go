package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "p2p"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers this node is connected to.
	Peers metrics.Gauge
	// Number of envelopes sent, per peer.
	MessagesSent metrics.Counter
	// Number of envelopes received, per peer.
	MessagesReceived metrics.Counter
	// Number of envelopes dropped, per peer.
	MessagesDropped metrics.Counter
	// Number of bytes sent, per peer.
	BytesSent metrics.Counter
	// Number of bytes received, per peer.
	BytesReceived metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers.",
		}, labels).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of envelopes sent to a peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of envelopes received from a peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		MessagesDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_dropped",
			Help:      "Number of envelopes for a peer that were dropped.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		BytesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_send_bytes_total",
			Help:      "Number of bytes sent to a given peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		BytesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_receive_bytes_total",
			Help:      "Number of bytes received from a given peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:            discard.NewGauge(),
		MessagesSent:     discard.NewCounter(),
		MessagesReceived: discard.NewCounter(),
		MessagesDropped:  discard.NewCounter(),
		BytesSent:        discard.NewCounter(),
		BytesReceived:    discard.NewCounter(),
	}
}

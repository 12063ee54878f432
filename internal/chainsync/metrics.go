package chainsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "chainsync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Synchronizer status: 0 unknown, 1 downloading, 2 synchronized.
	Status metrics.Gauge
	// Number of chain nodes, including this one, with fresh metadata.
	SyncedNodes metrics.Gauge
	// Number of blocks appended from a leader.
	BlocksDownloaded metrics.Counter
	// Number of times a leader was elected.
	LeaderElections metrics.Counter
	// Number of demotions from the synchronized status.
	Demotions metrics.Counter
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
		Status: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "status",
			Help:      "Synchronizer status: 0 unknown, 1 downloading, 2 synchronized.",
		}, labels).With(labelsAndValues...),
		SyncedNodes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "synced_nodes",
			Help:      "Number of chain nodes with fresh metadata.",
		}, labels).With(labelsAndValues...),
		BlocksDownloaded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_downloaded",
			Help:      "Number of blocks appended from a leader.",
		}, labels).With(labelsAndValues...),
		LeaderElections: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "leader_elections",
			Help:      "Number of times a leader was elected.",
		}, labels).With(labelsAndValues...),
		Demotions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "demotions",
			Help:      "Number of demotions from the synchronized status.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Status:           discard.NewGauge(),
		SyncedNodes:      discard.NewGauge(),
		BlocksDownloaded: discard.NewCounter(),
		LeaderElections:  discard.NewCounter(),
		Demotions:        discard.NewCounter(),
	}
}

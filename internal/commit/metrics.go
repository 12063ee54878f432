package commit

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "commit"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of operations in the pending store.
	PendingOperations metrics.Gauge
	// Number of block proposals created by this node.
	Proposals metrics.Counter
	// Decisions taken on proposals, labeled by decision.
	Decisions metrics.Counter
	// Number of blocks committed by this node.
	CommittedBlocks metrics.Counter
	// Number of entries committed by this node.
	CommittedEntries metrics.Counter
	// Number of operations removed from the pending store.
	CleanedOperations metrics.Counter
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
		PendingOperations: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_operations",
			Help:      "Number of operations in the pending store.",
		}, labels).With(labelsAndValues...),
		Proposals: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "proposals",
			Help:      "Number of block proposals created by this node.",
		}, labels).With(labelsAndValues...),
		Decisions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decisions",
			Help:      "Decisions taken on block proposals.",
		}, append(labels, "decision")).With(labelsAndValues...),
		CommittedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_blocks",
			Help:      "Number of blocks committed by this node.",
		}, labels).With(labelsAndValues...),
		CommittedEntries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_entries",
			Help:      "Number of entries committed by this node.",
		}, labels).With(labelsAndValues...),
		CleanedOperations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cleaned_operations",
			Help:      "Number of operations removed from the pending store.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		PendingOperations: discard.NewGauge(),
		Proposals:         discard.NewCounter(),
		Decisions:         discard.NewCounter(),
		CommittedBlocks:   discard.NewCounter(),
		CommittedEntries:  discard.NewCounter(),
		CleanedOperations: discard.NewCounter(),
	}
}

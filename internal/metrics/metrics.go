// Package metrics exposes Prometheus counters for scans and removals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orphanage"

// Metrics holds the scan and removal collectors.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// ChunksScanned counts chunks checked against the non-owning shards.
	ChunksScanned *prometheus.CounterVec

	// ChunkAnomalies counts chunks skipped because of an ordering anomaly.
	ChunkAnomalies *prometheus.CounterVec

	// OrphansFound counts orphaned documents by namespace and shard.
	OrphansFound *prometheus.CounterVec

	// DocumentsRemoved counts deleted orphans by namespace and shard.
	DocumentsRemoved *prometheus.CounterVec

	// DeleteBatches counts delete batches.
	// Label values for outcome: "ok", "error".
	DeleteBatches *prometheus.CounterVec

	// BalancerFenceTrips counts removals halted because the balancer came back.
	BalancerFenceTrips prometheus.Counter

	ScanDuration *prometheus.HistogramVec
}

// New creates and registers the collectors with reg. If reg is nil the
// collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "chunks_total",
			Help:      "Total number of chunks checked for orphans",
		}, []string{"namespace"}),
		ChunkAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "chunk_anomalies_total",
			Help:      "Total number of chunks skipped due to ordering anomalies",
		}, []string{"namespace"}),
		OrphansFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "orphans_total",
			Help:      "Total number of orphaned documents found",
		}, []string{"namespace", "shard"}),
		DocumentsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remove",
			Name:      "documents_total",
			Help:      "Total number of orphaned documents deleted",
		}, []string{"namespace", "shard"}),
		DeleteBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remove",
			Name:      "batches_total",
			Help:      "Total number of delete batches by outcome",
		}, []string{"namespace", "shard", "outcome"}),
		BalancerFenceTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remove",
			Name:      "balancer_fence_trips_total",
			Help:      "Total number of removals halted because the balancer was re-enabled",
		}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of namespace scans",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"namespace"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksScanned,
			m.ChunkAnomalies,
			m.OrphansFound,
			m.DocumentsRemoved,
			m.DeleteBatches,
			m.BalancerFenceTrips,
			m.ScanDuration,
		)
	}

	return m
}

func (m *Metrics) RecordChunk(ns string) {
	if m == nil {
		return
	}
	m.ChunksScanned.WithLabelValues(ns).Inc()
}

func (m *Metrics) RecordAnomaly(ns string) {
	if m == nil {
		return
	}
	m.ChunkAnomalies.WithLabelValues(ns).Inc()
}

func (m *Metrics) RecordOrphans(ns, shard string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansFound.WithLabelValues(ns, shard).Add(float64(n))
}

// RecordBatch counts one delete batch and the documents it removed.
func (m *Metrics) RecordBatch(ns, shard string, removed int64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DeleteBatches.WithLabelValues(ns, shard, outcome).Inc()
	if removed > 0 {
		m.DocumentsRemoved.WithLabelValues(ns, shard).Add(float64(removed))
	}
}

func (m *Metrics) RecordFenceTrip() {
	if m == nil {
		return
	}
	m.BalancerFenceTrips.Inc()
}

func (m *Metrics) ObserveScan(ns string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScanDuration.WithLabelValues(ns).Observe(d.Seconds())
}

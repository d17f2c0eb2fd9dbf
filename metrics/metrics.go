// Package metrics exposes Prometheus instrumentation for the replication
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReplicationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metarepl_replication_attempts_total",
		Help: "Replication operations by level and aggregate status",
	}, []string{"level", "status"})

	PeerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metarepl_peer_failures_total",
		Help: "Per-peer replication attempts that were not acknowledged",
	}, []string{"peer_id"})

	LocalDurabilityDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metarepl_local_durability_duration_seconds",
		Help:    "Time to persist and fsync an entry locally",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	CheckpointsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metarepl_checkpoints_created_total",
		Help: "Checkpoints created, including those from the background loop",
	})

	CheckpointFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metarepl_checkpoint_failures_total",
		Help: "Checkpoint creation attempts that failed",
	})

	SyncCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metarepl_sync_cycles_total",
		Help: "Completed peer-status sync cycles",
	})

	KnownPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metarepl_known_peers",
		Help: "Number of peers currently in the registry",
	})
)

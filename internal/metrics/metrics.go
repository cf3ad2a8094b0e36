// Package metrics exposes Prometheus collectors for sync runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsTotal counts processed items by collection and outcome
	// (written, skipped, failed).
	ItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brainsync",
		Name:      "items_total",
		Help:      "Items processed per collection and outcome.",
	}, []string{"collection", "outcome"})

	// PagesTotal counts remote listing pages fetched.
	PagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brainsync",
		Name:      "pages_total",
		Help:      "Listing pages fetched per collection.",
	}, []string{"collection"})

	// CheckpointSaves counts checkpoint saves by result (ok, error).
	CheckpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brainsync",
		Name:      "checkpoint_saves_total",
		Help:      "Checkpoint saves by result.",
	}, []string{"result"})

	// CollectionRuns counts finished collection walks by status.
	CollectionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brainsync",
		Name:      "collection_runs_total",
		Help:      "Finished collection walks by status.",
	}, []string{"status"})

	// RunDuration observes whole-run wall time.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "brainsync",
		Name:      "run_duration_seconds",
		Help:      "Duration of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// OutboxPublished counts outbox messages by publish result.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brainsync",
		Name:      "outbox_published_total",
		Help:      "Outbox messages dispatched by result.",
	}, []string{"result"})
)

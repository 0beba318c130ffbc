// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest Metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_samples_ingested_total",
			Help: "Total number of advertisement samples processed",
		},
		[]string{"source", "has_location"}, // source: "local", "nats", "replay"
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_ingest_errors_total",
			Help: "Total number of samples dropped because a processing stage failed",
		},
		[]string{"stage"}, // "resolve", "cluster", "observation", "aggregate", "user_location", "decode"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagwatch_ingest_duration_seconds",
			Help:    "Time spent processing one sample",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Identity Metrics
	IdentitiesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_identities_created_total",
			Help: "Total number of device identities minted",
		},
	)

	AddressMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_address_merges_total",
			Help: "Total number of rotated addresses merged into an existing identity",
		},
	)

	ClustersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_clusters_created_total",
			Help: "Total number of location clusters created",
		},
	)

	// Threat Metrics
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagwatch_analysis_duration_seconds",
			Help:    "Duration of one threat analysis",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnalysisVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_analysis_verdicts_total",
			Help: "Threat analyses by resulting risk level",
		},
		[]string{"risk_level"}, // "safe".."critical" or "insufficient_data"
	)

	RescoresSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_rescores_throttled_total",
			Help: "Observations for which re-scoring was skipped by the throttle",
		},
	)

	// Location Metrics
	LocationFixFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_location_fix_failures_total",
			Help: "Location fixes that failed or timed out",
		},
		[]string{"reason"}, // "timeout", "error", "breaker_open"
	)

	LocationBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagwatch_location_breaker_state",
			Help: "Location circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Journal Metrics
	JournalPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagwatch_journal_pending_entries",
			Help: "Samples journalled but not yet processed",
		},
	)

	JournalReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_journal_replayed_total",
			Help: "Samples replayed from the journal at startup",
		},
	)

	// Maintenance Metrics
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagwatch_retention_deleted_rows_total",
			Help: "Rows removed by retention cleanup",
		},
		[]string{"table"},
	)

	RetentionSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagwatch_retention_skipped_total",
			Help: "Retention runs skipped because a previous run was still active",
		},
	)

	MaintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagwatch_maintenance_duration_seconds",
			Help:    "Duration of maintenance jobs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagwatch_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordSample counts one processed sample.
func RecordSample(source string, hasLocation bool, duration time.Duration) {
	SamplesIngested.WithLabelValues(source, strconv.FormatBool(hasLocation)).Inc()
	IngestDuration.Observe(duration.Seconds())
}

// RecordIngestError counts a sample dropped at stage.
func RecordIngestError(stage string) {
	IngestErrors.WithLabelValues(stage).Inc()
}

// RecordAnalysis records one threat analysis outcome.
func RecordAnalysis(riskLevel string, duration time.Duration) {
	AnalysisVerdicts.WithLabelValues(riskLevel).Inc()
	AnalysisDuration.Observe(duration.Seconds())
}

// RecordLocationFailure counts a failed location fix.
func RecordLocationFailure(reason string) {
	LocationFixFailures.WithLabelValues(reason).Inc()
}

// SetBreakerState publishes the location breaker state.
func SetBreakerState(state int) {
	LocationBreakerState.Set(float64(state))
}

// RecordRetention publishes per-table deletion counts and the run duration.
func RecordRetention(deleted map[string]int64, duration time.Duration) {
	for table, n := range deleted {
		if n > 0 {
			RetentionDeleted.WithLabelValues(table).Add(float64(n))
		}
	}
	MaintenanceDuration.WithLabelValues("retention").Observe(duration.Seconds())
}

// RecordMaintenance records the duration of a maintenance job.
func RecordMaintenance(job string, duration time.Duration) {
	MaintenanceDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

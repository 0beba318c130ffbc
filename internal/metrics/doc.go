// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package metrics holds the Prometheus instruments of the detection pipeline.

Instruments are registered on the default registry through promauto and
exposed by the API at /metrics:

	curl http://127.0.0.1:8844/metrics

# Available Metrics

Ingest:
  - tagwatch_samples_ingested_total{source, has_location}
  - tagwatch_ingest_errors_total{stage}
  - tagwatch_ingest_duration_seconds
  - tagwatch_identities_created_total
  - tagwatch_address_merges_total
  - tagwatch_clusters_created_total

Threat scoring:
  - tagwatch_analysis_duration_seconds
  - tagwatch_analysis_verdicts_total{risk_level}
  - tagwatch_rescores_throttled_total

Location and journal:
  - tagwatch_location_fix_failures_total{reason}
  - tagwatch_location_breaker_state
  - tagwatch_journal_pending_entries
  - tagwatch_journal_replayed_total

Maintenance and API:
  - tagwatch_retention_deleted_rows_total{table}
  - tagwatch_retention_skipped_total
  - tagwatch_maintenance_duration_seconds{job}
  - tagwatch_api_request_duration_seconds{method, route, status}

The Record* helpers keep label handling in one place; callers should use
them instead of touching the vectors directly.
*/
package metrics

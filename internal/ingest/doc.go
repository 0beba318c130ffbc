// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package ingest turns raw advertisement samples into persisted detections.

# Flow

	capture / NATS ──► Journal ──► Pipeline (gochannel "ble.samples") ──► Processor
	                                                                        │
	       resolve identity ─► cluster ─► observation ─► cluster aggregate ─┤
	                                 user location ─► throttled re-score ◄──┘

A Pipeline owns a Watermill router with a single handler on an in-process
gochannel topic, so samples are processed one at a time and in submission
order. Per-identity ordering follows from that; the Processor additionally
serialises work per address so direct callers get the same guarantee.

# Failure handling

Storage failures are logged with the failing stage, counted in
tagwatch_ingest_errors_total and the sample is dropped. The location source
is wrapped in a timeout and a circuit breaker; when it fails the sample is
still recorded, only without a location.

The optional Journal (BadgerDB) keeps every submitted sample until it has
been processed, and replays leftovers on the next start.
*/
package ingest

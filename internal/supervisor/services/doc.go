// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package services adapts components with their own lifecycles to
suture.Service.

HTTPServerService turns http.Server's ListenAndServe/Shutdown pair into a
context-aware Serve. BrokerService starts an embedded message broker on
each Serve and shuts it down when the context ends, so a supervisor
restart brings up a fresh broker.

Components that already implement Serve(ctx) (the ingest pipeline, the
scan loop, maintenance schedulers, the alert hub) are added to the tree
directly.
*/
package services

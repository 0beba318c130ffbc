// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package supervisor provides process supervision for tagwatch using suture v4.

	RootSupervisor ("tagwatch")
	├── data-layer
	│   └── BrokerService (embedded NATS, if enabled)
	├── pipeline-layer
	│   ├── ingest.Pipeline
	│   ├── ingest.NATSSource (if NATS enabled)
	│   └── ingest.ScanLoop (if a local scanner is attached)
	├── maintenance-layer
	│   ├── scheduler-retention (if auto cleanup is on)
	│   ├── scheduler-rescore
	│   └── scheduler-journal-gc (if the journal is enabled)
	└── api-layer
	    ├── websocket.Hub
	    └── HTTPServerService

Crashed services restart with suture's backoff; supervisor events are
logged through sutureslog into the zerolog-backed slog handler.

	tree, _ := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(pipeline)
	tree.AddAPIService(services.NewHTTPServerService(srv, 10*time.Second))
	err := tree.Serve(ctx)
*/
package supervisor

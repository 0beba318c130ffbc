// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package websocket pushes tracker alerts to connected application shells.

A Hub owns the set of connected clients and fans out every alert published
through it. Each Client runs a read pump (ping/pong and disconnect
detection) and a write pump (alerts and keepalive pings) on top of
gorilla/websocket.

	hub := websocket.NewHub()
	tree.AddAPIService(hub)          // RunWithContext via Serve
	processor.WithAlertSink(hub)     // re-scores publish alertable verdicts

Slow clients whose send buffer fills are dropped rather than allowed to
stall the broadcast.
*/
package websocket

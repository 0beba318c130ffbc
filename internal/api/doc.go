// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

/*
Package api provides the HTTP surface of tagwatch on the chi router.

Routes:

	GET    /healthz                       database connectivity
	GET    /metrics                       Prometheus exposition
	GET    /api/v1/devices                identities, most suspicious first
	GET    /api/v1/devices/{id}           identity with addresses, places, evidence
	GET    /api/v1/devices/{id}/threat    on-demand threat verdict
	POST   /api/v1/devices/{id}/ignore    dismiss (?value=false to undo)
	POST   /api/v1/devices/{id}/track     mark as the user's own device
	DELETE /api/v1/devices/{id}           forget a device and its history
	POST   /api/v1/samples                queue a JSON scan batch
	GET    /api/v1/alerts/ws              websocket alert stream

Every JSON body uses the APIResponse envelope. Requests carry an
X-Request-ID that is echoed back and logged as the correlation id. The
/api/v1 routes are rate limited per client IP (go-chi/httprate) except the
alert stream.
*/
package api

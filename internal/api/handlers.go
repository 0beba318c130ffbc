// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/tagwatch/internal/ingest"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/store"
	"github.com/tomtom215/tagwatch/internal/threat"
)

// maxBatchBytes bounds the body of POST /api/v1/samples.
const maxBatchBytes = 1 << 20

// Store is the read and user-action surface of the detection store.
type Store interface {
	Ping(ctx context.Context) error
	ListIdentities(ctx context.Context, filter store.IdentityFilter) ([]models.DeviceIdentity, error)
	GetIdentity(ctx context.Context, identityID string) (*models.DeviceIdentity, error)
	AddressesForIdentity(ctx context.Context, identityID string) ([]models.ObservedAddress, error)
	EvidenceForIdentity(ctx context.Context, identityID string) ([]models.TrackingEvidence, error)
	ClusterDetectionsForIdentity(ctx context.Context, identityID string) ([]models.DeviceClusterDetection, error)
	SetIgnored(ctx context.Context, identityID string, ignored bool) error
	SetTracked(ctx context.Context, identityID string, tracked bool) error
	DeleteIdentity(ctx context.Context, identityID string) error
}

// Analyzer produces an on-demand threat verdict.
type Analyzer interface {
	Analyze(ctx context.Context, identityID string) (*threat.Result, error)
}

// Handler serves the tagwatch HTTP API.
type Handler struct {
	store     Store
	analyzer  Analyzer
	submitter ingest.BatchSubmitter
	alerts    http.Handler
	startTime time.Time
}

// NewHandler wires the handlers. submitter and alerts may be nil, which
// disables sample upload and the alert stream respectively.
func NewHandler(s Store, analyzer Analyzer, submitter ingest.BatchSubmitter, alerts http.Handler) *Handler {
	return &Handler{
		store:     s,
		analyzer:  analyzer,
		submitter: submitter,
		alerts:    alerts,
		startTime: time.Now(),
	}
}

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status            string  `json:"status"`
	DatabaseConnected bool    `json:"database_connected"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Health reports database connectivity. It answers 503 when degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ok := h.store.Ping(r.Context()) == nil
	status := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: ok,
		UptimeSeconds:     time.Since(h.startTime).Seconds(),
	}
	if !ok {
		status.Status = "degraded"
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Data: status, Meta: rw.meta()})
		return
	}
	rw.Success(status)
}

// ListDevices lists identities, most suspicious first.
//
// Query parameters: min_suspicion (0..1), since (RFC 3339), limit.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	var filter store.IdentityFilter
	if v := q.Get("min_suspicion"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			rw.BadRequest("min_suspicion must be a number between 0 and 1")
			return
		}
		filter.MinSuspicion = f
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			rw.BadRequest("since must be an RFC 3339 timestamp")
			return
		}
		filter.SeenSince = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			rw.BadRequest("limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	idents, err := h.store.ListIdentities(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if idents == nil {
		idents = []models.DeviceIdentity{}
	}
	rw.List(idents, len(idents))
}

// DeviceDetail is the body of GET /devices/{id}.
type DeviceDetail struct {
	Identity  *models.DeviceIdentity          `json:"identity"`
	Addresses []models.ObservedAddress        `json:"addresses"`
	Clusters  []models.DeviceClusterDetection `json:"clusters"`
	Evidence  []models.TrackingEvidence       `json:"evidence"`
}

// GetDevice returns an identity with its addresses, places and stored
// evidence.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	ident, err := h.store.GetIdentity(ctx, id)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if ident == nil {
		rw.NotFound("device not found")
		return
	}

	detail := DeviceDetail{Identity: ident}
	if detail.Addresses, err = h.store.AddressesForIdentity(ctx, id); err != nil {
		rw.DatabaseError(err)
		return
	}
	if detail.Clusters, err = h.store.ClusterDetectionsForIdentity(ctx, id); err != nil {
		rw.DatabaseError(err)
		return
	}
	if detail.Evidence, err = h.store.EvidenceForIdentity(ctx, id); err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(detail)
}

// AnalyzeDevice runs the threat engine on demand without persisting.
func (h *Handler) AnalyzeDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	res, err := h.analyzer.Analyze(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, threat.ErrIdentityNotFound):
		rw.NotFound("device not found")
	case err != nil:
		rw.InternalError("Threat analysis failed", err)
	default:
		rw.Success(res)
	}
}

// IgnoreDevice dismisses a device; ?value=false undoes it.
func (h *Handler) IgnoreDevice(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.store.SetIgnored)
}

// TrackDevice marks a device as the user's own; ?value=false undoes it.
func (h *Handler) TrackDevice(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.store.SetTracked)
}

func (h *Handler) setFlag(w http.ResponseWriter, r *http.Request, set func(context.Context, string, bool) error) {
	rw := NewResponseWriter(w, r)
	value := true
	if v := r.URL.Query().Get("value"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			rw.BadRequest("value must be a boolean")
			return
		}
		value = b
	}
	if err := set(r.Context(), chi.URLParam(r, "id"), value); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("device not found")
			return
		}
		rw.DatabaseError(err)
		return
	}
	rw.NoContent()
}

// DeleteDevice removes an identity and all its history.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := h.store.DeleteIdentity(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("device not found")
			return
		}
		rw.DatabaseError(err)
		return
	}
	rw.NoContent()
}

// SubmitResult is the body of a 202 from POST /samples.
type SubmitResult struct {
	Queued int `json:"queued"`
}

// SubmitSamples accepts a JSON scan batch and queues it for ingestion.
func (h *Handler) SubmitSamples(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.submitter == nil {
		rw.ServiceUnavailable("sample ingestion is not enabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		rw.BadRequest("request body too large or unreadable")
		return
	}
	batch, err := ingest.DecodeBatch(body)
	if err != nil {
		rw.ValidationError("invalid scan batch", err)
		return
	}

	n, err := h.submitter.SubmitBatch(r.Context(), ingest.SourceHTTP, batch)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		rw.ServiceUnavailable("ingest pipeline unavailable")
		return
	}
	rw.Accepted(SubmitResult{Queued: n})
}

// Alerts upgrades to the websocket alert stream.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		NewResponseWriter(w, r).ServiceUnavailable("alert stream is not enabled")
		return
	}
	h.alerts.ServeHTTP(w, r)
}

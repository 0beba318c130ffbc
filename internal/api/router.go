// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the chi routing tree.
func NewRouter(h *Handler, mw *Middleware) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Metrics)

		// The alert stream is long-lived and exempt from rate limiting.
		r.Get("/alerts/ws", h.Alerts)

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit())

			r.Post("/samples", h.SubmitSamples)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.ListDevices)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetDevice)
					r.Delete("/", h.DeleteDevice)
					r.Get("/threat", h.AnalyzeDevice)
					r.Post("/ignore", h.IgnoreDevice)
					r.Post("/track", h.TrackDevice)
				})
			})
		})
	})

	return r
}

// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package api provides the HTTP surface over the sync engine using the
// Chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glucolab/bgsync/internal/config"
)

// Router builds the HTTP handler tree.
type Router struct {
	handler *Handler
	config  *config.ServerConfig
}

// NewRouter creates a router over the given handler.
func NewRouter(handler *Handler, cfg *config.ServerConfig) *Router {
	return &Router{handler: handler, config: cfg}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.config.RateLimitReqs, router.config.RateLimitWindow))

		r.Post("/sync", router.handler.TriggerSync)
		r.Get("/sync/jobs", router.handler.ListJobs)
		r.Get("/sync/jobs/{id}", router.handler.GetJob)
		r.Get("/readings", router.handler.Readings)

		r.Get("/auth/authorize", router.handler.Authorize)
		r.Get("/auth/callback", router.handler.Callback)

		r.Post("/webhooks/dexcom", router.handler.Webhook)
	})

	return r
}

// Package server implements the HTTP transport layer: the
// OpenAI-compatible proxy surface and the admin API.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codexmgr/codexmgr/internal/app"
	"github.com/codexmgr/codexmgr/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Manager  *app.Manager
	Upstream http.RoundTripper // transport for forwarded requests; nil = http.DefaultTransport
	BaseURL  string            // upstream base URL
	APIKey   string            // bearer token clients must present
	Version  string
	Proxy    *Proxy             // lifecycle controller; nil in tests
	Metrics  *telemetry.Metrics // nil = no metrics
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{
		deps:     deps,
		upstream: &http.Client{Transport: deps.Upstream},
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.cors)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/chat/completions", s.handleProxy)
		r.Post("/v1/completions", s.handleProxy)
		r.Post("/v1/embeddings", s.handleProxy)
		r.Post("/v1/images/generations", s.handleProxy)

		r.Route("/admin", s.mountAdmin)

		// Catch-all: any other path is forwarded upstream as POST.
		r.HandleFunc("/*", s.handleProxy)
	})

	return r
}

type server struct {
	deps     Deps
	upstream *http.Client
}

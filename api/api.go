// Package api exposes the broker over HTTP. Routes follow the dispatch
// contract: clients submit jobs against a service and poll job state;
// services register, heartbeat, claim work, and report results.
//
// Responses use {"data": ...} / {"error": {"kind", "message", "path"}}
// envelopes. Error kinds map onto status codes in respond.go.
package api

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/haldane/conduit/engine"
)

// Version is the API version reported by /v1/meta.
const Version = "1.0.0"

// API wires the HTTP handlers over an Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	cors   cors.Options
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithCORS overrides the CORS policy. The default allows any origin with
// the methods the routes use, which suits browser dashboards polling job
// state.
func WithCORS(opts cors.Options) Option {
	return func(a *API) { a.cors = opts }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: slog.Default(),
		cors: cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/meta", a.getMeta)

	mux.HandleFunc("POST /v1/services", a.registerService)
	mux.HandleFunc("GET /v1/services", a.listServices)
	mux.HandleFunc("GET /v1/services/{name}", a.getService)
	mux.HandleFunc("POST /v1/services/{name}/heartbeat", a.heartbeatService)
	mux.HandleFunc("DELETE /v1/services/{name}", a.retireService)

	mux.HandleFunc("POST /v1/services/{name}/jobs", a.submitJob)
	mux.HandleFunc("GET /v1/services/{name}/jobs", a.listServiceJobs)
	mux.HandleFunc("POST /v1/services/{name}/claim", a.claimJob)

	mux.HandleFunc("GET /v1/jobs/{id}", a.getJob)
	mux.HandleFunc("POST /v1/jobs/{id}/complete", a.completeJob)
	mux.HandleFunc("POST /v1/jobs/{id}/fail", a.failJob)

	return cors.New(a.cors).Handler(mux)
}

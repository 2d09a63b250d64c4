// Package api exposes the pipeline over HTTP: event ingestion, upload
// metadata registration, and read access to jobs and executions.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/media-pipeline/pkg/auth"
	"github.com/psantana5/media-pipeline/pkg/metrics"
	"github.com/psantana5/media-pipeline/pkg/ratelimit"
	"github.com/psantana5/media-pipeline/pkg/tracing"
)

// RouterOptions selects the middleware around the handler. Nil fields are skipped.
type RouterOptions struct {
	Tracer  *tracing.Provider
	Metrics *metrics.Metrics
	Keys    *auth.KeySet
	// Limiter throttles the event and upload routes per client
	Limiter *ratelimit.Limiter
}

// NewRouter builds the full route tree. Middleware order, outermost first:
// tracing, metrics, auth, then rate limiting on ingestion routes only.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if opts.Keys != nil {
		r.Use(opts.Keys.Middleware("/health"))
	}

	events := r.NewRoute().Subrouter()
	if opts.Limiter != nil {
		events.Use(opts.Limiter.Middleware(ratelimit.APIKeyFunc))
	}
	h.RegisterEventRoutes(events)

	h.RegisterResourceRoutes(r)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})
	return r
}

// Package api exposes the ingest pipeline over HTTP: record CRUD under
// /processed_agent_data and live subscriptions under /ws/{user_id}.
package api

import (
	"context"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roadwatch/internal/data"
	"roadwatch/internal/httpapi"
	"roadwatch/internal/ingest"
	"roadwatch/internal/registry"
	"roadwatch/internal/store"
	"roadwatch/internal/stream"
)

const requestIDHeader = "X-Request-Id"

type Options struct {
	Logger   slog.Logger
	Store    store.Store
	Ingest   *ingest.Service
	Registry *registry.Registry
	Stream   stream.Options
	// OriginPatterns lists the hosts allowed to open cross-origin
	// WebSocket connections. Same-origin connections are always allowed.
	OriginPatterns []string
	// Gatherer backs /metrics. When nil the route is not mounted.
	Gatherer prometheus.Gatherer
}

type API struct {
	*Options
	Handler http.Handler
}

func New(options *Options) *API {
	api := &API{Options: options}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		api.requestID,
	)

	r.Get("/healthz", api.healthz)
	if options.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/processed_agent_data", func(r chi.Router) {
		r.Post("/", api.postProcessedAgentData)
		r.Get("/", api.listProcessedAgentData)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.getProcessedAgentData)
			r.Put("/", api.putProcessedAgentData)
			r.Delete("/", api.deleteProcessedAgentData)
		})
	})
	r.Get("/ws/{user_id}", api.watchAgent)

	api.Handler = r
	return api
}

// requestID tags each request with a UUID, reusing a valid incoming
// X-Request-Id.
func (*API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(requestIDHeader))
		if err != nil {
			id = uuid.New()
		}
		rw.Header().Set(requestIDHeader, id.String())
		next.ServeHTTP(rw, r.WithContext(data.WithRequestID(r.Context(), id)))
	})
}

func (api *API) healthz(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := api.Store.Ping(ctx); err != nil {
		api.Logger.Warn(ctx, "health check failed", slog.Error(err))
		httpapi.Write(rw, http.StatusServiceUnavailable, httpapi.Response{
			Message: "Datastore unavailable.",
			Detail:  err.Error(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, httpapi.Response{Message: "ok"})
}

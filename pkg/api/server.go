// Package api exposes the registry and task pool over a JSON HTTP API.
// Handlers are a thin routing layer: validation and all lifecycle
// semantics live in the registry.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/taskfleet/taskfleet/pkg/events"
	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/tasks"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// Server serves the fleet API.
type Server struct {
	registry *registry.Registry
	tasks    *tasks.Service
	broker   *events.Broker
	http     *http.Server
	logger   zerolog.Logger
}

// NewServer creates an API server over the given registry and task pool.
// broker may be nil.
func NewServer(reg *registry.Registry, taskSvc *tasks.Service, broker *events.Broker) *Server {
	s := &Server{
		registry: reg,
		tasks:    taskSvc,
		broker:   broker,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/managers", s.handleActivate)
		r.Patch("/managers/{name}/resources", s.handleUpdateResources)
		r.Post("/managers/deactivate", s.handleDeactivate)
		r.Post("/managers/get", s.handleGet)
		r.Post("/managers/query", s.handleQuery)
		r.Get("/managers/{name}/logs", s.handleQueryLogs)

		r.Post("/tasks", s.handleEnqueueTask)
		r.Post("/tasks/claim", s.handleClaimTasks)
		r.Post("/tasks/{id}/complete", s.handleCompleteTask)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.http = &http.Server{Handler: r}
	return s
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("API listening")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// observe records per-route request counts and latencies.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) publish(event *events.Event) {
	if s.broker != nil {
		s.broker.Publish(event)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.broker != nil {
		resp["event_subscribers"] = s.broker.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidManagerConfig):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrDuplicateManager):
		return http.StatusConflict
	case errors.Is(err, types.ErrInactiveManager):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnknownManager), errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

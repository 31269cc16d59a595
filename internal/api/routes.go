package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iwhitebird/valka/internal/api/handlers"
	apiMiddleware "github.com/iwhitebird/valka/internal/api/middleware"
	"github.com/iwhitebird/valka/internal/config"
	"github.com/iwhitebird/valka/internal/dispatch"
	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/store"
)

// Server is the HTTP surface: the REST adapter over the core, the worker
// stream endpoint and the live event feed.
type Server struct {
	router       *chi.Mux
	config       *config.Config
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	workerWS     *dispatch.Handler
	eventFeed    *EventFeed
}

// NewServer wires the HTTP surface over the already-constructed core.
func NewServer(cfg *config.Config, st *store.Store, matcher *match.Engine, dispatcher *dispatch.Dispatcher, bus *events.Bus) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		taskHandler:  handlers.NewTaskHandler(st, matcher, dispatcher, bus),
		adminHandler: handlers.NewAdminHandler(st, matcher, dispatcher),
		workerWS:     dispatch.NewHandler(dispatcher),
		eventFeed:    NewEventFeed(bus),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(apiMiddleware.RequestLogger())

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := &apiMiddleware.AuthConfig{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		APIKeys:   make(map[string]bool, len(s.config.Auth.APIKeys)),
	}
	for _, key := range s.config.Auth.APIKeys {
		authCfg.APIKeys[key] = true
	}

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Content type for API routes
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.Auth(authCfg))

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/", s.taskHandler.List)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
			r.Get("/{taskID}/runs", s.taskHandler.ListRuns)
			r.Get("/{taskID}/logs", s.taskHandler.ListLogs)
			r.Post("/{taskID}/signals", s.taskHandler.SendSignal)
			r.Get("/{taskID}/signals", s.taskHandler.ListSignals)
		})

		// Signal acknowledgement (out-of-band path)
		r.Post("/signals/{signalID}/ack", s.taskHandler.AckSignal)
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Get("/health", s.adminHandler.HealthCheck)

		// Worker registry
		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/{taskID}/retry", s.adminHandler.RetryDLQ)
		r.Delete("/dlq", s.adminHandler.ClearDLQ)
	})

	// Worker stream endpoint
	s.router.Get("/ws/worker", s.workerWS.ServeWS)

	// Live event feed for dashboards
	s.router.Get("/ws/events", s.eventFeed.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Package api provides the flow engine's HTTP surface: health probes,
// metrics, execution context inspection and live run events.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds router options.
type ServerConfig struct {
	RateLimit *RateLimitConfig

	// Tracing wraps the router in OpenTelemetry server spans.
	Tracing bool
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter
	tracing  bool
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		limiter:  NewRateLimiter(cfg.RateLimit),
		tracing:  cfg.Tracing,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.tracing {
		return TracingMiddleware(s.router)
	}
	return s.router
}

// Close releases background resources held by middleware.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workflows/{id}/context", s.handlers.GetContext).Methods("GET")
	api.HandleFunc("/triggers/{id}/events", s.handlers.StreamEvents).Methods("GET")

	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.limiter.Middleware)
}

// routeTemplate returns the matched route pattern, keeping metric label
// cardinality bounded.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

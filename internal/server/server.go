// Package server provides the agent HTTP server: webhook intake, health
// endpoints, and version reporting.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/galadon/pushdeploy/internal/errors"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/internal/server/handlers"
	"github.com/galadon/pushdeploy/internal/server/middleware"
)

// Server is the agent HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
}

// Option customizes the server at construction.
type Option func(*options)

type options struct {
	webhook      http.HandlerFunc
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// WithWebhook registers the POST /hooks/github endpoint.
func WithWebhook(handler http.HandlerFunc) Option {
	return func(o *options) { o.webhook = handler }
}

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(o *options) {
		o.readTimeout = read
		o.writeTimeout = write
		o.idleTimeout = idle
	}
}

// New builds a Server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	o := options{
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeRouterError(w, req, apperrors.CodeNotFound, "resource not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeRouterError(w, req, apperrors.CodeMethodNotAllowed, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if o.webhook != nil {
		r.Post("/hooks/github", o.webhook)
	}

	return &Server{
		host:   host,
		port:   port,
		router: r,
		http: &http.Server{
			Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:      r,
			ReadTimeout:  o.readTimeout,
			WriteTimeout: o.writeTimeout,
			IdleTimeout:  o.idleTimeout,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start serves until the listener fails or Shutdown runs. It blocks.
func (s *Server) Start() error {
	observability.CLILogger.Info("server listening",
		zap.String("host", s.host),
		zap.Int("port", s.port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeRouterError(w http.ResponseWriter, req *http.Request, code, message string, status int) {
	resp := apperrors.HTTPErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.RequestID = middleware.GetRequestID(req.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Extra-Chill/overlord/internal/events"
	"github.com/Extra-Chill/overlord/internal/health"
	"github.com/Extra-Chill/overlord/internal/journal"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/policy"
	"github.com/Extra-Chill/overlord/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr     string
	Version  string
	Auth     AuthConfig
	Engine   *policy.Engine
	Registry *registry.Registry
	Journal  journal.Store
	Health   *health.Checker
	Hub      *events.Hub
	Logger   *logging.Logger
}

// Server is the overlord HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	log        *logging.Logger
}

// NewServer creates a new API server. Routes of a disabled backend are not
// registered.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	log := cfg.Logger.WithComponent("api")
	handlers := NewHandlers(cfg.Engine, cfg.Registry, cfg.Journal, cfg.Health, cfg.Version, log)
	auth := NewAuthenticator(cfg.Auth)

	mux := http.NewServeMux()
	control := func(h http.Handler) http.Handler {
		return applyMiddleware(h, RequireAuth(auth))
	}

	if cfg.Engine.Enabled(policy.DomainPiHole) {
		mux.Handle("GET /pihole/status/{target}", control(handlers.TargetHandler(policy.DomainPiHole, policy.ActionStatus)))
		mux.Handle("POST /pihole/enable/{target}", control(handlers.TargetHandler(policy.DomainPiHole, policy.ActionEnable)))
		mux.Handle("POST /pihole/disable/{target}", control(handlers.TargetHandler(policy.DomainPiHole, policy.ActionDisable)))
	}

	if cfg.Engine.Enabled(policy.DomainAllDNS) {
		mux.Handle("GET /alldns/{$}", control(handlers.MasterHandler(policy.ActionStatus)))
		mux.Handle("POST /alldns/{$}", control(handlers.MasterHandler(policy.ActionDisable)))
		mux.Handle("DELETE /alldns/{$}", control(handlers.MasterHandler(policy.ActionEnable)))
	}

	if cfg.Engine.Enabled(policy.DomainRule) {
		mux.Handle("GET /ubiquiti/status_rule/{target}", control(handlers.TargetHandler(policy.DomainRule, policy.ActionStatus)))
		mux.Handle("GET /ubiquiti/enable_rule/{target}", control(handlers.TargetHandler(policy.DomainRule, policy.ActionEnable)))
		mux.Handle("GET /ubiquiti/disable_rule/{target}", control(handlers.TargetHandler(policy.DomainRule, policy.ActionDisable)))
		mux.Handle("GET /ubiquiti/status_device/{target}", control(handlers.TargetHandler(policy.DomainDevice, policy.ActionStatus)))
		mux.Handle("GET /ubiquiti/enable_device/{target}", control(handlers.TargetHandler(policy.DomainDevice, policy.ActionEnable)))
		mux.Handle("GET /ubiquiti/disable_device/{target}", control(handlers.TargetHandler(policy.DomainDevice, policy.ActionDisable)))
		mux.Handle("GET /ubiquiti/refresh", control(http.HandlerFunc(handlers.RefreshHandler)))
	}

	mux.Handle("GET /targets", control(http.HandlerFunc(handlers.ListTargetsHandler)))
	mux.Handle("GET /journal", control(http.HandlerFunc(handlers.ListJournalHandler)))
	if cfg.Hub != nil {
		mux.Handle("GET /events", control(NewEventStream(cfg.Hub, log)))
	}

	// Open endpoints
	mux.HandleFunc("GET /{$}", handlers.RootHandler)
	mux.HandleFunc("GET /health", handlers.HealthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      applyMiddleware(mux, RequestLogger(log)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		handlers:   handlers,
		log:        log,
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("starting overlord API", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handlers returns the handlers (for testing).
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

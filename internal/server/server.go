// Package server wires the HTTP API and the gRPC health endpoint of settingsd.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/devrev/settingsd/internal/config"
	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/handler"
	"github.com/devrev/settingsd/internal/health"
	"github.com/devrev/settingsd/internal/metrics"
	"github.com/devrev/settingsd/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server represents the HTTP server
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *apperrors.Handler
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server and registers its routes
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	errorHandler *apperrors.Handler,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		gatherer:     gatherer,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}
	if s.cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.errorHandler,
			s.logger,
		)
		chain = append(chain, limiter.Limit)
	}
	s.router.Use(middleware.Chain(chain...))

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/settings", s.handlers.GetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/settings/simplified-filters", s.handlers.SetSimplifiedFilters).Methods(http.MethodPut)
	v1.HandleFunc("/settings/show-status-bar", s.handlers.SetShowStatusBar).Methods(http.MethodPut)
	v1.HandleFunc("/settings/restart-protection", s.handlers.SetRestartProtection).Methods(http.MethodPut)
	v1.HandleFunc("/settings/rows/{row}/toggle", s.handlers.ToggleRow).Methods(http.MethodPost)
	v1.HandleFunc("/vpn/profile", s.handlers.RemoveVPNProfile).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apperrors.APICodeInvalidRequest,
			"endpoint not found", r.Header.Get(apperrors.RequestIDHeader))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.APICodeInvalidRequest,
			"method not allowed", r.Header.Get(apperrors.RequestIDHeader))
	})
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.Int("port", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// GRPCServer serves the standard gRPC health service
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	port   int
	logger *zap.Logger
}

// NewGRPCServer creates a gRPC server exposing grpc.health.v1.Health
func NewGRPCServer(port int, logger *zap.Logger) *GRPCServer {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		server: srv,
		health: hs,
		port:   port,
		logger: logger,
	}
}

// Health returns the health service the health checker publishes to
func (g *GRPCServer) Health() *grpchealth.Server {
	return g.health
}

// Serve listens on the configured port and blocks until Stop
func (g *GRPCServer) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", g.port, err)
	}
	return g.ServeListener(lis)
}

// ServeListener serves on an existing listener
func (g *GRPCServer) ServeListener(lis net.Listener) error {
	g.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// Stop marks every service as not serving and stops the server gracefully
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

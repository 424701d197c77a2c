// Package server exposes the callback endpoint for the crypto provider,
// operation inspection, and health and version checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/guided-traffic/agency-interchange/internal/config"
	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/server/handlers/callback"
	"github.com/guided-traffic/agency-interchange/internal/server/handlers/health"
	"github.com/guided-traffic/agency-interchange/internal/server/middleware"
	"github.com/sirupsen/logrus"
)

// Orchestrator is what the HTTP surface needs from the orchestrator.
type Orchestrator interface {
	callback.Orchestrator
	PendingCount() int
}

// Server is the callback HTTP server.
type Server struct {
	httpServer *http.Server
	config     *config.Config
	tracker    *middleware.RequestTracker
	logger     *logrus.Entry
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, orch Orchestrator, build health.BuildInfo) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	if orch == nil {
		return nil, errors.New("orchestrator cannot be nil")
	}

	s := &Server{
		config:  cfg,
		tracker: middleware.NewRequestTracker(),
		logger:  logrus.WithField("component", "callback-server"),
	}

	router := mux.NewRouter()
	s.setupRoutes(router, orch, build)

	s.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(router *mux.Router, orch Orchestrator, build health.BuildInfo) {
	if s.config.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware)
	}
	router.Use(s.tracker.Middleware)
	router.Use(middleware.NewLogger(s.logger, s.config.LogHealthRequests).Middleware)

	healthHandler := health.NewHandler(s.logger, s.config.LogHealthRequests, build)
	healthHandler.SetShutdownStateHandler(s.tracker.ShutdownState)
	healthHandler.SetPendingHandler(orch.PendingCount)

	// Health and version endpoints stay outside authentication
	router.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	router.HandleFunc("/version", healthHandler.Version).Methods(http.MethodGet)

	auth := middleware.NewBearerAuth(s.config.Callback.JWTSecret, s.logger)
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	callbackHandler := callback.NewHandler(orch, s.logger)
	api.HandleFunc("/crypto/callback", callbackHandler.Callback).Methods(http.MethodPost)
	api.HandleFunc("/operations/{id}", callbackHandler.GetOperation).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", callbackHandler.CancelOperation).Methods(http.MethodDelete)

	s.logger.WithFields(logrus.Fields{
		"jwt_auth":   auth.Enabled(),
		"monitoring": s.config.Monitoring.Enabled,
	}).Debug("Routes configured")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	serverErrChan := make(chan error, 1)
	go func() {
		if s.config.TLS.Enabled {
			s.logger.WithFields(logrus.Fields{
				"address":   s.config.BindAddress,
				"cert_file": s.config.TLS.CertFile,
				"key_file":  s.config.TLS.KeyFile,
			}).Info("Starting HTTPS server")

			if err := s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTPS server failed: %w", err)
			}
		} else {
			s.logger.WithField("address", s.config.BindAddress).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		s.tracker.BeginShutdown()
		s.logger.WithField("active_requests", s.tracker.Active()).Info("Shutting down server")

		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
			return err
		}

		s.logger.Info("Server stopped")
		return nil
	}
}

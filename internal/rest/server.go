// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package rest exposes the passkey service over a JSON/HTTP API.
package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyforum/passkey-auth/pkg/metrics"
	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// Server is the HTTP server for the authentication API.
type Server struct {
	server *http.Server
	logger *slog.Logger
	addr   string
}

// Config holds the REST server configuration.
type Config struct {
	// Host is the listen address (default: all interfaces).
	Host string

	// Port is the HTTP port to listen on (default: 8080).
	Port int

	// Service is the passkey ceremony service (required).
	Service *passkey.Service

	// Sessions verifies bearer tokens (required).
	Sessions TokenVerifier

	// Logger receives request and server logs (required).
	Logger *slog.Logger

	// MetricsEnabled mounts the Prometheus endpoint.
	MetricsEnabled bool

	// MetricsPath is the Prometheus endpoint path (default: /metrics).
	MetricsPath string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// NewServer creates the REST server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("passkey service is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session verifier is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s := &Server{
		logger: cfg.Logger,
		addr:   addr,
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.setupRouter(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter(cfg *Config) *chi.Mux {
	handlers := NewHandler(cfg.Service, cfg.Logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(metrics.HTTPMiddleware)
	r.Use(CORS(cfg.Service.Config().RPOrigins))

	r.Get("/healthz", handlers.Health)
	r.Head("/healthz", handlers.Health)

	if cfg.MetricsEnabled {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/login/begin", handlers.BeginLogin)
		r.Post("/login/finish", handlers.FinishLogin)
		r.Post("/register/begin", handlers.BeginRegistration)
		r.Post("/register/finish", handlers.FinishRegistration)
		r.Post("/register/recover", handlers.RecoverRegister)

		// Bearer-protected credential management.
		r.Group(func(r chi.Router) {
			r.Use(RequireSession(cfg.Sessions))
			r.Get("/session", handlers.Session)
			r.Get("/credentials", handlers.ListCredentials)
			r.Post("/credentials/begin", handlers.BeginAddCredential)
			r.Post("/credentials/finish", handlers.FinishAddCredential)
			r.Delete("/credentials/{id}", handlers.RevokeCredential)
		})
	})

	return r
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

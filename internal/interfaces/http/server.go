// Package http is the ingress surface: route wiring, request middleware
// and server lifecycle around the inference router.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/synqra/inference-router/internal/metrics"
	"github.com/synqra/inference-router/internal/net/ratelimit"
	"github.com/synqra/inference-router/internal/router"
)

// ServerConfig holds listener settings and the per-request policy the
// handlers enforce.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	GlobalTimeout  time.Duration
	MaxPromptChars int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server owns the mux router, the middleware chain and the net/http
// server wrapped around the inference core.
type Server struct {
	router  *mux.Router
	server  *http.Server
	core    *router.Router
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	cfg     ServerConfig
}

// NewServer wires routes and middleware around core. The gatherer backs
// the /metrics exposition and is the same registry the metrics recorder
// was built on.
func NewServer(cfg ServerConfig, core *router.Router, m *metrics.Registry, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		core:    core,
		metrics: m,
		cfg:     cfg,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Only the inference route is rate limited; health checks and
	// metric scrapes must stay reachable under load.
	s.router.Handle("/infer", s.rateLimit(http.HandlerFunc(s.handleInfer))).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

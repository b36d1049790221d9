// Package api is the thin HTTP surface over the serving core: risk
// lookups, health, the operator dashboard and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/internal/core"
	"github.com/riskmesh/riskmesh/pkg/dashboard"
	"github.com/riskmesh/riskmesh/pkg/metrics"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Server is the HTTP server.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	config   config.ServerConfig
	logger   observability.Logger
	service  *core.Service
	dash     *dashboard.Dashboard
	recorder *metrics.Recorder
	registry *observability.PrometheusMetricsClient
}

// NewServer wires routes and middleware. The prometheus client may be nil
// when metrics export is disabled.
func NewServer(cfg config.ServerConfig, service *core.Service, dash *dashboard.Dashboard, recorder *metrics.Recorder, prom *observability.PrometheusMetricsClient, logger observability.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:   engine,
		config:   cfg,
		logger:   logger.WithPrefix("api"),
		service:  service,
		dash:     dash,
		recorder: recorder,
		registry: prom,
	}

	engine.Use(RequestIDMiddleware())
	engine.Use(RecoveryMiddleware(s.logger))
	engine.Use(LoggingMiddleware(s.logger, recorder))
	engine.Use(RateLimitMiddleware(cfg.RateLimit))

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry.Registry(), promhttp.HandlerOpts{})))
	}

	base := s.engine.Group(s.config.BasePath)
	base.POST("/risk/lookup", s.handleLookup)
	base.GET("/dashboard", s.handleDashboard)
	base.GET("/dashboard/export", s.handleDashboardExport)
	base.POST("/alerts/:id/ack", s.handleAlertAck)
	base.POST("/alerts/:id/resolve", s.handleAlertResolve)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server starting", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Package api serves the HTTP transport: tool endpoints, health probes and
// the operational surfaces for performance, monitoring, circuit breakers
// and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/internal/metrics"
	"github.com/prodpipe/prodpipe/internal/monitoring"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Server is the HTTP transport.
type Server struct {
	config      *config.Config
	handler     *pipeline.Handler
	cacheSvc    *cache.Service
	registry    *adapters.Registry
	monitor     *perf.Monitor
	alerting    *monitoring.Service
	breakers    *resilience.Registry
	health      *HealthChecker
	logger      observability.Logger
	promHandler http.Handler

	httpServer *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Config    *config.Config
	Handler   *pipeline.Handler
	CacheSvc  *cache.Service
	Registry  *adapters.Registry
	Monitor   *perf.Monitor
	Alerting  *monitoring.Service
	Breakers  *resilience.Registry
	Logger    observability.Logger
	Version   string
}

// NewServer assembles the router and the http.Server without binding the
// listener.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(opts.Monitor, opts.CacheSvc, opts.Registry))

	s := &Server{
		config:      opts.Config,
		handler:     opts.Handler,
		cacheSvc:    opts.CacheSvc,
		registry:    opts.Registry,
		monitor:     opts.Monitor,
		alerting:    opts.Alerting,
		breakers:    opts.Breakers,
		logger:      logger.WithPrefix("api"),
		promHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		health:      NewHealthChecker(opts.CacheSvc, opts.Registry, opts.Monitor, opts.Breakers, opts.Version),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware(opts.Config.Server.CORSOrigins))
	router.Use(pipeline.SecurityHeadersMiddleware())
	router.Use(pipeline.CorrelationMiddleware("http", logger))
	router.Use(RequestLogMiddleware(s.logger))
	router.Use(pipeline.SizeLimitMiddleware(opts.Config.Server.MaxRequestSizeMB))
	router.Use(RateLimitMiddleware(opts.Config.Server.RateLimit))

	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:              opts.Config.Server.ListenAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Run binds the listener and serves until the server is shut down. Returns
// nil on graceful shutdown.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.httpServer.Addr,
	})

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server draining", nil)
	return s.httpServer.Shutdown(ctx)
}

// prodpipe serves operational knowledge (runbooks, procedures, decision
// trees) to incident responders over HTTP and a stdio stream transport,
// with two-tier caching and circuit-breaker protected source adapters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/adapters/database"
	"github.com/prodpipe/prodpipe/internal/adapters/file"
	s3adapter "github.com/prodpipe/prodpipe/internal/adapters/s3"
	"github.com/prodpipe/prodpipe/internal/adapters/web"
	"github.com/prodpipe/prodpipe/internal/api"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/internal/mcp"
	"github.com/prodpipe/prodpipe/internal/monitoring"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/internal/tools"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Version is stamped by the build.
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML config file")
		stdioMode   = flag.Bool("stdio", false, "serve the stream transport on stdin/stdout instead of HTTP")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if *configPath == "" {
		*configPath = os.Getenv("PP_CONFIG_FILE")
	}

	if err := run(*configPath, *stdioMode); err != nil {
		fmt.Fprintf(os.Stderr, "prodpipe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, stdioMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewStandardLogger("prodpipe").
		WithLevel(observability.ParseLevel(cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Tracing shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	breakers := resilience.NewRegistry(logger)

	// Cache tiers.
	memoryCache, err := cache.NewMemoryCache(cfg.Cache.Memory, logger)
	if err != nil {
		return fmt.Errorf("creating memory cache: %w", err)
	}

	var (
		conn   *cache.ConnectionManager
		remote *cache.RedisCache
	)
	if cfg.Cache.Redis.Enabled {
		conn = cache.NewConnectionManager(cfg.Cache.Redis, logger)
		remote = cache.NewRedisCache(conn, cfg.Cache.Redis.KeyPrefix, logger)
		if err := conn.Connect(ctx); err != nil {
			// The manager keeps retrying in the background; the breaker
			// shields callers meanwhile.
			logger.Warn("Remote cache not reachable at startup", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	cacheSvc := cache.NewService(cfg.Cache.Config, memoryCache, remote, conn, breakers, logger)

	// Performance monitor.
	monitor := perf.NewMonitor(perf.Config{
		MaxSamples:       cfg.Performance.MaxSamples,
		WindowSeconds:    cfg.Performance.WindowSeconds,
		RealtimeInterval: time.Duration(cfg.Performance.RealtimeIntervalMS) * time.Millisecond,
	}, logger)
	monitor.StartRealtime(time.Duration(cfg.Performance.RealtimeIntervalMS) * time.Millisecond)
	defer monitor.StopRealtime()

	// Source adapters.
	registry := adapters.NewRegistry(logger)
	registry.RegisterFactory(file.AdapterType, func(sc config.SourceConfig) (adapters.Adapter, error) {
		return file.New(sc, logger)
	})
	registry.RegisterFactory(web.AdapterType, func(sc config.SourceConfig) (adapters.Adapter, error) {
		return web.New(sc, logger)
	})
	registry.RegisterFactory(database.AdapterType, func(sc config.SourceConfig) (adapters.Adapter, error) {
		return database.New(sc, logger)
	})
	registry.RegisterFactory(s3adapter.AdapterType, func(sc config.SourceConfig) (adapters.Adapter, error) {
		return s3adapter.New(sc, logger)
	})

	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		if _, err := registry.Create(ctx, src); err != nil {
			// One bad source must not keep the rest of the server down.
			logger.Error("Source adapter failed to start", map[string]interface{}{
				"name":  src.Name,
				"type":  src.Type,
				"error": err.Error(),
			})
		}
	}
	defer registry.Cleanup()

	dispatcher := tools.NewDispatcher(registry, breakers, monitor, logger)

	validator, err := pipeline.NewValidator()
	if err != nil {
		return fmt.Errorf("compiling tool schemas: %w", err)
	}
	handler := pipeline.NewHandler(validator, pipeline.NewTransformer(), cacheSvc, dispatcher, logger)

	// Alerting engine.
	alerting := monitoring.NewService(monitoring.Config{
		Enabled:             cfg.Monitoring.Enabled,
		CheckInterval:       time.Duration(cfg.Monitoring.CheckIntervalMS) * time.Millisecond,
		MaxActiveAlerts:     cfg.Monitoring.MaxActiveAlerts,
		AlertRetentionHours: cfg.Monitoring.AlertRetentionHours,
		WebhookURL:          cfg.Monitoring.WebhookURL,
	}, buildCollector(cacheSvc, monitor, registry, breakers, cfg), buildSinks(ctx, cfg, logger), logger)
	alerting.Start()
	defer alerting.Stop()

	warmCache(ctx, cfg, cacheSvc, handler, logger)

	if stdioMode {
		logger.Info("Serving stream transport on stdio", map[string]interface{}{
			"version": Version,
		})
		server := mcp.NewServer(handler, os.Stdout, logger, Version)
		return server.Serve(ctx, os.Stdin)
	}

	server := api.NewServer(api.Options{
		Config:   cfg,
		Handler:  handler,
		CacheSvc: cacheSvc,
		Registry: registry,
		Monitor:  monitor,
		Alerting: alerting,
		Breakers: breakers,
		Logger:   logger,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received", nil)

	drainCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("HTTP drain incomplete", map[string]interface{}{"error": err.Error()})
	}

	// The alerting and realtime loops read the cache and adapters on every
	// tick; both must be quiet before those connections go away.
	alerting.Stop()
	monitor.StopRealtime()
	registry.Cleanup()

	if err := cacheSvc.Close(); err != nil {
		logger.Warn("Cache shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Shutdown complete", nil)
	return nil
}

// buildCollector assembles the per-tick metrics snapshot for the alerting
// engine.
func buildCollector(cacheSvc *cache.Service, monitor *perf.Monitor, registry *adapters.Registry, breakers *resilience.Registry, cfg *config.Config) monitoring.Collector {
	return func() monitoring.Snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cacheHealth := cacheSvc.Health(ctx)
		health := registry.HealthCheckAll(ctx)
		healthy := 0
		for _, h := range health {
			if h.Healthy {
				healthy++
			}
		}

		summary := breakers.HealthSummary()
		return monitoring.Snapshot{
			CollectedAt:          time.Now(),
			ServerHealthy:        cacheHealth.OverallHealthy && summary.Failed == 0,
			Performance:          monitor.GetSnapshot(),
			CacheStats:           cacheSvc.GetStats(),
			CacheHealth:          cacheHealth,
			Breakers:             summary,
			AdapterTotal:         len(health),
			AdapterHealthy:       healthy,
			RemoteCacheEnabled:   cfg.Cache.Redis.Enabled,
			RemoteCacheConnected: cacheHealth.RedisCache.Connected,
		}
	}
}

// buildSinks wires the configured alert sinks: console always, webhook and
// SQS when configured.
func buildSinks(ctx context.Context, cfg *config.Config, logger observability.Logger) []monitoring.Sink {
	sinks := []monitoring.Sink{monitoring.NewConsoleSink()}

	if cfg.Monitoring.WebhookURL != "" {
		sinks = append(sinks, monitoring.NewWebhookSink(cfg.Monitoring.WebhookURL, logger))
	}

	if cfg.Monitoring.SQS.Enabled && cfg.Monitoring.SQS.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Monitoring.SQS.Region))
		if err != nil {
			logger.Warn("SQS sink disabled, AWS config failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			sinks = append(sinks, monitoring.NewSQSSink(sqs.NewFromConfig(awsCfg), cfg.Monitoring.SQS.QueueURL, logger))
		}
	}

	return sinks
}

// warmCache primes the cache with the configured warming queries. Failures
// are logged and skipped; warming never blocks startup health.
func warmCache(ctx context.Context, cfg *config.Config, cacheSvc *cache.Service, handler *pipeline.Handler, logger observability.Logger) {
	if !cacheSvc.Enabled() || len(cfg.Cache.Warming.Queries) == 0 {
		return
	}

	warmed := 0
	for _, q := range cfg.Cache.Warming.Queries {
		rc := &pipeline.RequestContext{
			CorrelationID: pipeline.NewCorrelationID(),
			StartedAt:     time.Now(),
			Transport:     "warming",
		}
		warmCtx, cancel := context.WithTimeout(pipeline.WithRequestContext(ctx, rc), 15*time.Second)
		_, pipeErr := handler.Execute(warmCtx, q.Tool, q.Arguments, "cache-warmer", true)
		cancel()

		if pipeErr != nil {
			logger.Warn("Warming query failed", map[string]interface{}{
				"tool":  q.Tool,
				"error": pipeErr.Error(),
			})
			continue
		}
		warmed++
	}

	logger.Info("Cache warming finished", map[string]interface{}{
		"queries": len(cfg.Cache.Warming.Queries),
		"warmed":  warmed,
	})
}
